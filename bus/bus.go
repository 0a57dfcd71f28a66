// Package bus defines the output event envelope and the sinks that publish
// it. A sink is a fan-out destination for typed, sourced events; downstream
// subscription mechanics are the bus's own business, not tablebus's.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tablebus/tablebus/cfg"
)

// Event is the published envelope: a detail-type tag classifying the payload
// shape, the configured source identifier, and the reshaped detail payload.
type Event struct {
	DetailType string          `json:"detailType"`
	Source     string          `json:"source"`
	Detail     json.RawMessage `json:"detail"`
	Time       int64           `json:"time"` // Source mutation commit time (unix ms)
}

// Marshal encodes the envelope as JSON wire format
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sink represents an event bus destination (e.g., NATS, Kafka)
type Sink interface {
	// Publish sends an event to the bus
	Publish(event Event) error
	// Close releases any resources held by the sink
	Close() error
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.BusConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a bus type
func RegisterSink(busType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[busType] = factory
}

// NewSink creates a sink based on the configuration
func NewSink(config cfg.BusConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown bus type: %s", config.Type)
	}

	return factory(config)
}
