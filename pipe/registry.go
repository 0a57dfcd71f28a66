package pipe

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablebus/tablebus/access"
	"github.com/tablebus/tablebus/bus"
	"github.com/tablebus/tablebus/cfg"
	"github.com/tablebus/tablebus/stream"
)

// Status is a point-in-time view of one pipe, as reported by the admin API
type Status struct {
	Name       string `json:"name"`
	DetailType string `json:"detailType"`
	Cursor     uint64 `json:"cursor"`
	Lag        uint64 `json:"lag"`
	Running    bool   `json:"running"`
}

// Registry builds and owns the pipe workers. It also implements
// telemetry.LagProvider so the lag collector can sample cursor distance.
type Registry struct {
	workers []*Worker
	byName  map[string]*Worker
}

// BuildRegistry constructs one worker per configured pipe, wiring each to a
// grant-scoped view of the change log and the bus sink
func BuildRegistry(
	pipes []cfg.PipeConfiguration,
	streamName string,
	changeLog *stream.Log,
	busName string,
	sink bus.Sink,
	sourceName string,
) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*Worker, len(pipes)),
	}

	for _, pc := range pipes {
		worker, err := buildWorker(pc, streamName, changeLog, busName, sink, sourceName)
		if err != nil {
			return nil, fmt.Errorf("pipe %s: %w", pc.Name, err)
		}
		r.workers = append(r.workers, worker)
		r.byName[worker.Name()] = worker
	}

	return r, nil
}

// buildWorker assembles predicate, template, grant and worker for one pipe
func buildWorker(
	pc cfg.PipeConfiguration,
	streamName string,
	changeLog *stream.Log,
	busName string,
	sink bus.Sink,
	sourceName string,
) (*Worker, error) {
	predicate, err := NewChangePredicate(pc.EventName, pc.KeyPattern)
	if err != nil {
		return nil, err
	}

	template, err := CompileTemplate(pc.Template)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	// Default grant scope is exactly the wired stream and bus
	readStreams := pc.Streams
	if len(readStreams) == 0 {
		readStreams = []string{streamName}
	}
	publishBuses := pc.Buses
	if len(publishBuses) == 0 {
		publishBuses = []string{busName}
	}
	grant := access.Grant{
		Principal:    pc.Name,
		ReadStreams:  readStreams,
		PublishBuses: publishBuses,
	}

	return NewWorker(Config{
		Name:            pc.Name,
		DetailType:      pc.DetailType,
		SourceName:      sourceName,
		Source:          access.NewStream(streamName, grant, changeLog),
		Destination:     access.NewBus(busName, grant, sink),
		Predicate:       predicate,
		Template:        template,
		BatchSize:       pc.BatchSize,
		PollInterval:    time.Duration(pc.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(pc.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(pc.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: pc.RetryMultiplier,
		MaxRetries:      pc.MaxRetries,
		StartLatest:     pc.StartingPosition != cfg.StartEarliest,
	})
}

// StartAll starts every pipe worker
func (r *Registry) StartAll() {
	for _, w := range r.workers {
		w.Start()
	}
	log.Info().Int("pipes", len(r.workers)).Msg("Started pipes")
}

// StopAll stops every pipe worker
func (r *Registry) StopAll() {
	for _, w := range r.workers {
		w.Stop()
	}
}

// Get returns the worker for a pipe name
func (r *Registry) Get(name string) (*Worker, bool) {
	w, ok := r.byName[name]
	return w, ok
}

// Status returns the current state of every pipe, sorted by name
func (r *Registry) Status() []Status {
	statuses := make([]Status, 0, len(r.workers))
	for _, w := range r.workers {
		statuses = append(statuses, Status{
			Name:       w.Name(),
			DetailType: w.DetailType(),
			Cursor:     w.Cursor(),
			Lag:        w.Lag(),
			Running:    w.Running(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// Lag returns per-pipe cursor distance from the log head
func (r *Registry) Lag() map[string]uint64 {
	lag := make(map[string]uint64, len(r.workers))
	for _, w := range r.workers {
		lag[w.Name()] = w.Lag()
	}
	return lag
}
