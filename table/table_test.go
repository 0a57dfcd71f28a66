package table

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablebus/tablebus/stream"
)

func newTestTable(t *testing.T) (*Table, *stream.Log) {
	t.Helper()
	dir := t.TempDir()

	l, err := stream.NewLog(dir)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	tbl, err := Open(dir, "app", l, 1)
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })

	return tbl, l
}

func TestPutGetRoundTrip(t *testing.T) {
	tbl, _ := newTestTable(t)

	attrs := map[string]interface{}{"name": "Ada", "age": int64(36)}
	require.NoError(t, tbl.Put("USER#123", "PROFILE", attrs))

	got, err := tbl.Get("USER#123", "PROFILE")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["name"])
}

func TestGetMissingItem(t *testing.T) {
	tbl, _ := newTestTable(t)

	_, err := tbl.Get("USER#123", "PROFILE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutEmitsInsertThenModify(t *testing.T) {
	tbl, l := newTestTable(t)

	require.NoError(t, tbl.Put("USER#123", "PROFILE", map[string]interface{}{"name": "Ada"}))
	require.NoError(t, tbl.Put("USER#123", "PROFILE", map[string]interface{}{"name": "Ada Lovelace"}))

	records, err := l.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, stream.EventInsert, records[0].EventName)
	assert.Equal(t, "USER#123", records[0].Keys.PK)
	assert.Equal(t, "PROFILE", records[0].Keys.SK)
	assert.Nil(t, records[0].OldImage)
	assert.Equal(t, "Ada", records[0].NewImage["name"])

	assert.Equal(t, stream.EventModify, records[1].EventName)
	assert.Equal(t, "Ada", records[1].OldImage["name"])
	assert.Equal(t, "Ada Lovelace", records[1].NewImage["name"])
}

func TestDeleteEmitsRemoveWithOldImage(t *testing.T) {
	tbl, l := newTestTable(t)

	require.NoError(t, tbl.Put("USER#123", "PROFILE", map[string]interface{}{"name": "Ada"}))
	require.NoError(t, tbl.Delete("USER#123", "PROFILE"))

	_, err := tbl.Get("USER#123", "PROFILE")
	assert.ErrorIs(t, err, ErrNotFound)

	records, err := l.ReadFrom(1, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, stream.EventRemove, records[0].EventName)
	assert.Equal(t, "Ada", records[0].OldImage["name"])
	assert.Nil(t, records[0].NewImage)
}

func TestDeleteMissingItemEmitsNothing(t *testing.T) {
	tbl, l := newTestTable(t)

	require.NoError(t, tbl.Delete("USER#999", "PROFILE"))

	records, err := l.ReadFrom(0, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestQueryReturnsPartitionInSortKeyOrder(t *testing.T) {
	tbl, _ := newTestTable(t)

	require.NoError(t, tbl.Put("USER#123", "ORDER#2", map[string]interface{}{"n": int64(2)}))
	require.NoError(t, tbl.Put("USER#123", "ORDER#1", map[string]interface{}{"n": int64(1)}))
	require.NoError(t, tbl.Put("USER#123", "PROFILE", map[string]interface{}{"name": "Ada"}))
	require.NoError(t, tbl.Put("USER#456", "PROFILE", map[string]interface{}{"name": "Grace"}))

	items, err := tbl.Query("USER#123")
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "ORDER#1", items[0].Key.SK)
	assert.Equal(t, "ORDER#2", items[1].Key.SK)
	assert.Equal(t, "PROFILE", items[2].Key.SK)

	empty, err := tbl.Query("USER#000")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestKeyValidation(t *testing.T) {
	tbl, _ := newTestTable(t)

	assert.Error(t, tbl.Put("", "PROFILE", nil))
	assert.Error(t, tbl.Put("USER#1", "", nil))
	assert.Error(t, tbl.Put("USER\x001", "PROFILE", nil))
	assert.Error(t, tbl.Delete("USER#1", "A\x00B"))

	_, err := tbl.Query("")
	assert.Error(t, err)
}

func TestPerPartitionOrdering(t *testing.T) {
	tbl, l := newTestTable(t)

	// Concurrent writers on distinct partitions; each partition's records
	// must appear in its own write order.
	const writers = 8
	const writesPer = 20

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			pk := fmt.Sprintf("USER#%d", n)
			for j := 0; j < writesPer; j++ {
				attrs := map[string]interface{}{"v": int64(j)}
				if err := tbl.Put(pk, "COUNTER", attrs); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	records, err := l.ReadFrom(0, writers*writesPer)
	require.NoError(t, err)
	require.Len(t, records, writers*writesPer)

	lastVersion := make(map[string]int64)
	for _, rec := range records {
		v := rec.NewImage["v"].(int64)
		last, seen := lastVersion[rec.Keys.PK]
		if seen {
			assert.Equal(t, last+1, v, "out of order record for %s", rec.Keys.PK)
			assert.Equal(t, last, rec.OldImage["v"].(int64))
		} else {
			assert.Equal(t, int64(0), v)
			assert.Equal(t, stream.EventInsert, rec.EventName)
		}
		lastVersion[rec.Keys.PK] = v
	}
}

func TestGetNeverServesStaleImage(t *testing.T) {
	tbl, _ := newTestTable(t)

	require.NoError(t, tbl.Put("USER#1", "PROFILE", map[string]interface{}{"v": int64(0)}))

	// Readers hammer the cache while the writer mutates the same key; after
	// the last write, the cache must not hold an older image.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					if _, err := tbl.Get("USER#1", "PROFILE"); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}()
	}

	const writes = 300
	for i := 1; i <= writes; i++ {
		require.NoError(t, tbl.Put("USER#1", "PROFILE", map[string]interface{}{"v": int64(i)}))
	}

	close(stop)
	wg.Wait()

	got, err := tbl.Get("USER#1", "PROFILE")
	require.NoError(t, err)
	assert.Equal(t, int64(writes), got["v"])
}

func TestReopenPersistsItems(t *testing.T) {
	dir := t.TempDir()

	l, err := stream.NewLog(dir)
	require.NoError(t, err)

	tbl, err := Open(dir, "app", l, 1)
	require.NoError(t, err)
	require.NoError(t, tbl.Put("USER#123", "PROFILE", map[string]interface{}{"name": "Ada"}))
	require.NoError(t, tbl.Close())
	require.NoError(t, l.Close())

	l2, err := stream.NewLog(dir)
	require.NoError(t, err)
	defer l2.Close()

	tbl2, err := Open(dir, "app", l2, 1)
	require.NoError(t, err)
	defer tbl2.Close()

	got, err := tbl2.Get("USER#123", "PROFILE")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["name"])
}

func TestOpenValidation(t *testing.T) {
	dir := t.TempDir()
	l, err := stream.NewLog(dir)
	require.NoError(t, err)
	defer l.Close()

	_, err = Open(dir, "", l, 1)
	assert.Error(t, err)

	_, err = Open(dir, "app", nil, 1)
	assert.Error(t, err)
}
