package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablebus/tablebus/bus"
	"github.com/tablebus/tablebus/stream"
)

func newTestLog(t *testing.T) *stream.Log {
	t.Helper()
	l, err := stream.NewLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestGrantMatching(t *testing.T) {
	g := Grant{
		Principal:    "pipes",
		ReadStreams:  []string{"app"},
		PublishBuses: []string{"*"},
	}

	assert.True(t, g.CanReadStream("app"))
	assert.False(t, g.CanReadStream("other"))
	assert.True(t, g.CanPublish("default"))
	assert.True(t, g.CanPublish("anything"))

	all := AllowAll("root")
	assert.True(t, all.CanReadStream("whatever"))
	assert.True(t, all.CanPublish("whatever"))
}

func TestStreamAuthorized(t *testing.T) {
	l := newTestLog(t)
	records := []stream.Record{{
		EventName: stream.EventInsert,
		Table:     "app",
		Keys:      stream.Key{PK: "USER#1", SK: "PROFILE"},
	}}
	require.NoError(t, l.Append(records))

	s := NewStream("app", Grant{ReadStreams: []string{"app"}}, l)

	got, err := s.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "USER#1", got[0].Keys.PK)

	latest, err := s.LatestSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)

	require.NoError(t, s.AdvanceCursor("p1", 1))
	cursor, err := s.Cursor("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)

	seeded, err := s.HasCursor("p1")
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = s.HasCursor("p2")
	require.NoError(t, err)
	assert.False(t, seeded)
}

func TestStreamDenied(t *testing.T) {
	l := newTestLog(t)
	s := NewStream("app", Grant{ReadStreams: []string{"other"}}, l)

	_, err := s.ReadFrom(0, 10)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = s.LatestSeq()
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = s.Cursor("p1")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = s.HasCursor("p1")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	assert.ErrorIs(t, s.AdvanceCursor("p1", 1), ErrNotAuthorized)
}

func TestBusAuthorization(t *testing.T) {
	sink := &bus.MemorySink{}

	allowed := NewBus("default", Grant{PublishBuses: []string{"default"}}, sink)
	require.NoError(t, allowed.Publish(bus.Event{DetailType: "UserCreated"}))
	assert.Len(t, sink.Events(), 1)

	denied := NewBus("default", Grant{PublishBuses: []string{"other"}}, sink)
	assert.ErrorIs(t, denied.Publish(bus.Event{DetailType: "UserCreated"}), ErrNotAuthorized)
	assert.Len(t, sink.Events(), 1)
}
