package bus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablebus/tablebus/cfg"
)

func TestNewSinkMemory(t *testing.T) {
	sink, err := NewSink(cfg.BusConfiguration{Name: "default", Type: "memory"})
	require.NoError(t, err)
	defer sink.Close()

	_, ok := sink.(*MemorySink)
	assert.True(t, ok)
}

func TestNewSinkUnknownType(t *testing.T) {
	_, err := NewSink(cfg.BusConfiguration{Name: "default", Type: "smoke-signal"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bus type")
}

func TestNewSinkNatsRequiresURL(t *testing.T) {
	_, err := NewSink(cfg.BusConfiguration{Name: "default", Type: "nats"})
	assert.Error(t, err)
}

func TestNewSinkKafkaRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewSink(cfg.BusConfiguration{Name: "default", Type: "kafka"})
	assert.Error(t, err)

	_, err = NewSink(cfg.BusConfiguration{
		Name:    "default",
		Type:    "kafka",
		Brokers: []string{"localhost:9092"},
	})
	assert.Error(t, err)
}

func TestMemorySinkRecordsEvents(t *testing.T) {
	sink := &MemorySink{}

	err := sink.Publish(Event{
		DetailType: "UserCreated",
		Source:     "myapp.users",
		Detail:     json.RawMessage(`{"userId": "USER#123"}`),
		Time:       1700000000000,
	})
	require.NoError(t, err)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "UserCreated", events[0].DetailType)
	assert.Equal(t, "myapp.users", events[0].Source)
	assert.JSONEq(t, `{"userId": "USER#123"}`, string(events[0].Detail))

	sink.Reset()
	assert.Empty(t, sink.Events())
}

func TestMemorySinkPublishErr(t *testing.T) {
	sink := &MemorySink{PublishErr: errors.New("bus unavailable")}

	err := sink.Publish(Event{DetailType: "UserCreated"})
	require.Error(t, err)
	assert.Empty(t, sink.Events())
}

func TestEventMarshal(t *testing.T) {
	event := Event{
		DetailType: "UserDeleted",
		Source:     "myapp.users",
		Detail:     json.RawMessage(`{"userId": "USER#9"}`),
		Time:       42,
	}

	data, err := event.Marshal()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "UserDeleted", decoded["detailType"])
	assert.Equal(t, "myapp.users", decoded["source"])
	assert.Equal(t, float64(42), decoded["time"])
}
