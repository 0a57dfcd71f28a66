// Package pipe implements the subscribe, filter, transform, publish stage
// over the change log. Each pipe is a worker parameterized by a predicate
// (which records it wants), a template (how to reshape them) and a
// destination tag (the detail type stamped on the published event).
package pipe

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/tablebus/tablebus/stream"
)

// Predicate decides whether a change record belongs to a pipe
type Predicate interface {
	Match(rec stream.Record) bool
}

// ChangePredicate matches records by event name and a glob pattern over the
// partition key. An empty pattern matches every key.
type ChangePredicate struct {
	eventName string
	pattern   string
	keyGlob   glob.Glob
}

// NewChangePredicate compiles a predicate for the given event name and
// partition key pattern (e.g. "USER#*")
func NewChangePredicate(eventName, keyPattern string) (*ChangePredicate, error) {
	if !stream.ValidEventName(eventName) {
		return nil, fmt.Errorf("invalid event name: %q", eventName)
	}

	p := &ChangePredicate{eventName: eventName, pattern: keyPattern}

	if keyPattern != "" {
		g, err := glob.Compile(keyPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", keyPattern, err)
		}
		p.keyGlob = g
	}

	return p, nil
}

// Match reports whether the record has the predicate's event name and a
// partition key matching the pattern
func (p *ChangePredicate) Match(rec stream.Record) bool {
	if rec.EventName != p.eventName {
		return false
	}
	if p.keyGlob == nil {
		return true
	}
	return p.keyGlob.Match(rec.Keys.PK)
}

// String describes the predicate for logging
func (p *ChangePredicate) String() string {
	if p.pattern == "" {
		return p.eventName
	}
	return fmt.Sprintf("%s %s", p.eventName, p.pattern)
}
