package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablebus/tablebus/stream"
)

func TestPredicateMatchesEventAndKeyPattern(t *testing.T) {
	p, err := NewChangePredicate(stream.EventInsert, "USER#*")
	require.NoError(t, err)

	assert.True(t, p.Match(stream.Record{
		EventName: stream.EventInsert,
		Keys:      stream.Key{PK: "USER#123", SK: "PROFILE"},
	}))

	// Wrong event name
	assert.False(t, p.Match(stream.Record{
		EventName: stream.EventModify,
		Keys:      stream.Key{PK: "USER#123", SK: "PROFILE"},
	}))

	// Key outside the pattern
	assert.False(t, p.Match(stream.Record{
		EventName: stream.EventInsert,
		Keys:      stream.Key{PK: "ORDER#9", SK: "2024"},
	}))

	// Prefix match is anchored: the pattern must cover the whole key
	assert.False(t, p.Match(stream.Record{
		EventName: stream.EventInsert,
		Keys:      stream.Key{PK: "XUSER#123", SK: "PROFILE"},
	}))
}

func TestPredicateEmptyPatternMatchesAllKeys(t *testing.T) {
	p, err := NewChangePredicate(stream.EventRemove, "")
	require.NoError(t, err)

	assert.True(t, p.Match(stream.Record{
		EventName: stream.EventRemove,
		Keys:      stream.Key{PK: "ANYTHING", SK: "AT#ALL"},
	}))
}

func TestPredicateRejectsInvalidInput(t *testing.T) {
	_, err := NewChangePredicate("UPSERT", "USER#*")
	assert.Error(t, err)

	_, err = NewChangePredicate(stream.EventInsert, "USER#[")
	assert.Error(t, err)
}
