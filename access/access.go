// Package access implements the authorization boundary between pipes and the
// resources they touch. A pipe never holds the change log or a bus sink
// directly; it holds wrappers bound to a grant, and every operation is
// checked against that grant.
package access

import (
	"errors"

	"github.com/tablebus/tablebus/bus"
	"github.com/tablebus/tablebus/stream"
	"github.com/tablebus/tablebus/telemetry"
)

// ErrNotAuthorized is returned when a grant does not cover the attempted
// operation. It is categorical: callers get no detail about which resource
// or action was denied.
var ErrNotAuthorized = errors.New("not authorized")

// Grant enumerates the resources a principal may use. Entries are resource
// names; "*" matches any resource.
type Grant struct {
	Principal    string
	ReadStreams  []string
	PublishBuses []string
}

// AllowAll returns a grant covering every stream and bus
func AllowAll(principal string) Grant {
	return Grant{
		Principal:    principal,
		ReadStreams:  []string{"*"},
		PublishBuses: []string{"*"},
	}
}

// CanReadStream reports whether the grant covers reading the named stream
func (g Grant) CanReadStream(name string) bool {
	return matchAny(g.ReadStreams, name)
}

// CanPublish reports whether the grant covers publishing to the named bus
func (g Grant) CanPublish(name string) bool {
	return matchAny(g.PublishBuses, name)
}

func matchAny(allowed []string, name string) bool {
	for _, a := range allowed {
		if a == "*" || a == name {
			return true
		}
	}
	return false
}

// Stream is a grant-checked view over the change log. Every read and cursor
// operation verifies the grant before touching the log.
type Stream struct {
	name  string
	grant Grant
	log   *stream.Log
}

// NewStream binds a grant to the named change stream
func NewStream(name string, grant Grant, log *stream.Log) *Stream {
	return &Stream{name: name, grant: grant, log: log}
}

// Name returns the stream name this view is bound to
func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) authorize() error {
	if s.grant.CanReadStream(s.name) {
		return nil
	}
	telemetry.AuthorizationFailuresTotal.With("stream").Inc()
	return ErrNotAuthorized
}

// ReadFrom reads records starting after the given cursor
func (s *Stream) ReadFrom(cursor uint64, limit int) ([]stream.Record, error) {
	if err := s.authorize(); err != nil {
		return nil, err
	}
	return s.log.ReadFrom(cursor, limit)
}

// LatestSeq returns the most recently assigned sequence number
func (s *Stream) LatestSeq() (uint64, error) {
	if err := s.authorize(); err != nil {
		return 0, err
	}
	return s.log.LatestSeq(), nil
}

// Cursor returns the stored cursor for a pipe
func (s *Stream) Cursor(pipeName string) (uint64, error) {
	if err := s.authorize(); err != nil {
		return 0, err
	}
	return s.log.Cursor(pipeName)
}

// HasCursor reports whether a cursor has ever been stored for a pipe
func (s *Stream) HasCursor(pipeName string) (bool, error) {
	if err := s.authorize(); err != nil {
		return false, err
	}
	return s.log.HasCursor(pipeName)
}

// AdvanceCursor updates the stored cursor for a pipe
func (s *Stream) AdvanceCursor(pipeName string, seq uint64) error {
	if err := s.authorize(); err != nil {
		return err
	}
	return s.log.AdvanceCursor(pipeName, seq)
}

// Bus is a grant-checked view over a bus sink
type Bus struct {
	name  string
	grant Grant
	sink  bus.Sink
}

// NewBus binds a grant to the named bus sink
func NewBus(name string, grant Grant, sink bus.Sink) *Bus {
	return &Bus{name: name, grant: grant, sink: sink}
}

// Name returns the bus name this view is bound to
func (b *Bus) Name() string {
	return b.name
}

// Publish forwards an event to the underlying sink if the grant allows it
func (b *Bus) Publish(event bus.Event) error {
	if !b.grant.CanPublish(b.name) {
		telemetry.AuthorizationFailuresTotal.With("bus").Inc()
		return ErrNotAuthorized
	}
	return b.sink.Publish(event)
}
