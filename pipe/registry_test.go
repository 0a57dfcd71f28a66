package pipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablebus/tablebus/bus"
	"github.com/tablebus/tablebus/cfg"
	"github.com/tablebus/tablebus/stream"
)

func defaultPipesFromEarliest() []cfg.PipeConfiguration {
	pipes := cfg.DefaultPipes()
	for i := range pipes {
		pipes[i].StartingPosition = cfg.StartEarliest
		pipes[i].PollIntervalMS = 5
		pipes[i].RetryInitialMS = 1
		pipes[i].BatchSize = 10
	}
	return pipes
}

func TestRegistryRoutesUserLifecycle(t *testing.T) {
	l := newTestLog(t)
	sink := &bus.MemorySink{}

	r, err := BuildRegistry(defaultPipesFromEarliest(), "app", l, "default", sink, "myapp.users")
	require.NoError(t, err)

	r.StartAll()
	defer r.StopAll()

	records := []stream.Record{
		{
			EventName: stream.EventInsert,
			Table:     "app",
			Keys:      stream.Key{PK: "USER#123", SK: "PROFILE"},
			NewImage:  map[string]interface{}{"name": "Ada"},
			CommitTS:  1,
		},
		{
			EventName: stream.EventModify,
			Table:     "app",
			Keys:      stream.Key{PK: "USER#123", SK: "PROFILE"},
			OldImage:  map[string]interface{}{"name": "Ada"},
			NewImage:  map[string]interface{}{"name": "Ada Lovelace"},
			CommitTS:  2,
		},
		{
			EventName: stream.EventRemove,
			Table:     "app",
			Keys:      stream.Key{PK: "USER#123", SK: "PROFILE"},
			OldImage:  map[string]interface{}{"name": "Ada Lovelace"},
			CommitTS:  3,
		},
		// Outside the USER# keyspace: no pipe publishes this
		{
			EventName: stream.EventInsert,
			Table:     "app",
			Keys:      stream.Key{PK: "ORDER#9", SK: "2024"},
			NewImage:  map[string]interface{}{"total": 42},
			CommitTS:  4,
		},
	}
	require.NoError(t, l.Append(records))

	require.Eventually(t, func() bool {
		return len(sink.Events()) == 3
	}, waitTimeout, 5*time.Millisecond)

	byType := make(map[string]bus.Event)
	for _, e := range sink.Events() {
		byType[e.DetailType] = e
		assert.Equal(t, "myapp.users", e.Source)
	}

	require.Contains(t, byType, "UserCreated")
	assert.JSONEq(t, `{"userId": "USER#123"}`, string(byType["UserCreated"].Detail))

	require.Contains(t, byType, "UserModified")
	assert.JSONEq(t, `{
		"userId": "USER#123",
		"oldImage": {"name": "Ada"},
		"newImage": {"name": "Ada Lovelace"}
	}`, string(byType["UserModified"].Detail))

	require.Contains(t, byType, "UserDeleted")
	assert.JSONEq(t, `{"userId": "USER#123"}`, string(byType["UserDeleted"].Detail))

	// Every pipe drains the full log, including records it drops
	require.Eventually(t, func() bool {
		for _, lag := range r.Lag() {
			if lag != 0 {
				return false
			}
		}
		return true
	}, waitTimeout, 5*time.Millisecond)
}

func TestRegistryStatus(t *testing.T) {
	l := newTestLog(t)
	sink := &bus.MemorySink{}

	r, err := BuildRegistry(defaultPipesFromEarliest(), "app", l, "default", sink, "myapp.users")
	require.NoError(t, err)

	statuses := r.Status()
	require.Len(t, statuses, 3)
	assert.Equal(t, "user-created", statuses[0].Name)
	assert.Equal(t, "user-deleted", statuses[1].Name)
	assert.Equal(t, "user-modified", statuses[2].Name)
	for _, s := range statuses {
		assert.False(t, s.Running)
		assert.Equal(t, uint64(0), s.Cursor)
	}

	w, ok := r.Get("user-created")
	require.True(t, ok)
	assert.Equal(t, "UserCreated", w.DetailType())

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistryRejectsBadPipeConfig(t *testing.T) {
	l := newTestLog(t)
	sink := &bus.MemorySink{}

	pipes := cfg.DefaultPipes()
	pipes[0].Template = `{"x": <$.keys.pk}`

	_, err := BuildRegistry(pipes, "app", l, "default", sink, "myapp.users")
	require.Error(t, err)
	assert.Contains(t, err.Error(), pipes[0].Name)
}
