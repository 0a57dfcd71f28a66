package bus

import (
	"sync"

	"github.com/tablebus/tablebus/cfg"
)

func init() {
	RegisterSink("memory", func(config cfg.BusConfiguration) (Sink, error) {
		return &MemorySink{}, nil
	})
}

// MemorySink records published events in process. Used in tests and for
// embedded setups where a consumer polls the sink directly.
type MemorySink struct {
	PublishErr error // When set, Publish fails with this error

	mu     sync.Mutex
	events []Event
}

// Publish records an event for later inspection
func (m *MemorySink) Publish(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.events = append(m.events, event)
	return nil
}

// Close is a no-op for MemorySink
func (m *MemorySink) Close() error {
	return nil
}

// Events returns a copy of all recorded events
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Reset clears all recorded events
func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
