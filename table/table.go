// Package table implements the keyed item store. Items are addressed by a
// composite string key (partition key + sort key) and hold an opaque
// attribute map. Every successful mutation appends a change record carrying
// the old and new item images to the change log before it is acknowledged,
// so the log observes exactly the mutations the store accepted, in per
// partition order.
package table

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tablebus/tablebus/encoding"
	"github.com/tablebus/tablebus/stream"
	"github.com/tablebus/tablebus/telemetry"
)

// ErrNotFound is returned by Get when no item exists for the key
var ErrNotFound = errors.New("item not found")

// Key prefix for Pebble storage
const prefixItem = "/item/" // /item/{pk}\x00{sk}

// keySep separates partition key from sort key in storage keys. Keys may not
// contain it.
const keySep = "\x00"

// Sharded locks serialize mutations per partition key. Serializing on the
// partition key (not the full key) is what gives change records their per
// partition ordering.
const keyLockShards = 256

// Read cache size for point lookups
const readCacheSize = 4096

// Item is a stored record: its composite key plus the attribute map
type Item struct {
	Key        stream.Key             `json:"key"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Table is a Pebble-backed item store with a change log attached
type Table struct {
	name   string
	db     *pebble.DB
	log    *stream.Log
	nodeID uint64

	cache *lru.Cache[string, map[string]interface{}]
	locks [keyLockShards]sync.Mutex

	closed atomic.Bool
}

// Open creates or opens a table named name under dataDir. Mutations append
// change records to log.
func Open(dataDir, name string, log *stream.Log, nodeID uint64) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if log == nil {
		return nil, fmt.Errorf("change log is required")
	}

	dbPath := filepath.Join(dataDir, "table_"+name)
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open table at %s: %w", dbPath, err)
	}

	cache, err := lru.New[string, map[string]interface{}](readCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Table{
		name:   name,
		db:     db,
		log:    log,
		nodeID: nodeID,
		cache:  cache,
	}, nil
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

// Put inserts or replaces the item at (pk, sk) and appends an INSERT or
// MODIFY change record. A failed append fails the mutation.
func (t *Table) Put(pk, sk string, attrs map[string]interface{}) error {
	if err := t.checkKey(pk, sk); err != nil {
		return err
	}

	lock := t.lockFor(pk)
	lock.Lock()
	defer lock.Unlock()

	key := itemKey(pk, sk)

	old, err := t.getRaw(key)
	if err != nil {
		return err
	}

	val, err := encoding.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	if err := t.db.Set(key, val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write item: %w", err)
	}
	t.cache.Remove(string(key))

	rec := stream.Record{
		EventName: stream.EventInsert,
		Table:     t.name,
		Keys:      stream.Key{PK: pk, SK: sk},
		NewImage:  attrs,
		CommitTS:  time.Now().UnixMilli(),
		NodeID:    t.nodeID,
	}
	if old != nil {
		rec.EventName = stream.EventModify
		rec.OldImage = old
	}

	if err := t.log.Append([]stream.Record{rec}); err != nil {
		t.revert(key, old)
		return fmt.Errorf("failed to append change record: %w", err)
	}

	telemetry.MutationsTotal.With(t.name, strings.ToLower(rec.EventName)).Inc()
	return nil
}

// Delete removes the item at (pk, sk) and appends a REMOVE change record.
// Deleting a missing item is a no-op and emits nothing.
func (t *Table) Delete(pk, sk string) error {
	if err := t.checkKey(pk, sk); err != nil {
		return err
	}

	lock := t.lockFor(pk)
	lock.Lock()
	defer lock.Unlock()

	key := itemKey(pk, sk)

	old, err := t.getRaw(key)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}

	if err := t.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	t.cache.Remove(string(key))

	rec := stream.Record{
		EventName: stream.EventRemove,
		Table:     t.name,
		Keys:      stream.Key{PK: pk, SK: sk},
		OldImage:  old,
		CommitTS:  time.Now().UnixMilli(),
		NodeID:    t.nodeID,
	}

	if err := t.log.Append([]stream.Record{rec}); err != nil {
		t.revert(key, old)
		return fmt.Errorf("failed to append change record: %w", err)
	}

	telemetry.MutationsTotal.With(t.name, strings.ToLower(rec.EventName)).Inc()
	return nil
}

// Get returns the attribute map for (pk, sk), or ErrNotFound
func (t *Table) Get(pk, sk string) (map[string]interface{}, error) {
	if err := t.checkKey(pk, sk); err != nil {
		return nil, err
	}

	key := itemKey(pk, sk)
	if attrs, ok := t.cache.Get(string(key)); ok {
		return attrs, nil
	}

	// Fill the cache under the shard lock so a racing mutation's
	// invalidation cannot be overwritten by a stale read.
	lock := t.lockFor(pk)
	lock.Lock()
	defer lock.Unlock()

	if attrs, ok := t.cache.Get(string(key)); ok {
		return attrs, nil
	}

	attrs, err := t.getRaw(key)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		return nil, ErrNotFound
	}

	t.cache.Add(string(key), attrs)
	return attrs, nil
}

// Query returns all items under a partition key, ordered by sort key
func (t *Table) Query(pk string) ([]Item, error) {
	if pk == "" || strings.Contains(pk, keySep) {
		return nil, fmt.Errorf("invalid partition key")
	}
	if t.closed.Load() {
		return nil, fmt.Errorf("table is closed")
	}

	prefix := []byte(prefixItem + pk + keySep)
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var items []Item
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		sk := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var attrs map[string]interface{}
		if err := encoding.Unmarshal(val, &attrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item %s/%s: %w", pk, sk, err)
		}

		items = append(items, Item{
			Key:        stream.Key{PK: pk, SK: sk},
			Attributes: attrs,
		})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return items, nil
}

// Close closes the underlying Pebble database
func (t *Table) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("table already closed")
	}
	return t.db.Close()
}

// getRaw reads and decodes the item at key, returning nil when absent
func (t *Table) getRaw(key []byte) (map[string]interface{}, error) {
	val, closer, err := t.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var attrs map[string]interface{}
	if err := encoding.Unmarshal(val, &attrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return attrs, nil
}

// revert restores the pre-mutation state after a failed change log append
func (t *Table) revert(key []byte, old map[string]interface{}) {
	t.cache.Remove(string(key))
	if old == nil {
		_ = t.db.Delete(key, pebble.Sync)
		return
	}
	if val, err := encoding.Marshal(old); err == nil {
		_ = t.db.Set(key, val, pebble.Sync)
	}
}

// lockFor returns the sharded mutex for a partition key
func (t *Table) lockFor(pk string) *sync.Mutex {
	return &t.locks[xxhash.Sum64String(pk)%keyLockShards]
}

// checkKey validates key components and the table state
func (t *Table) checkKey(pk, sk string) error {
	if t.closed.Load() {
		return fmt.Errorf("table is closed")
	}
	if pk == "" {
		return fmt.Errorf("partition key is required")
	}
	if sk == "" {
		return fmt.Errorf("sort key is required")
	}
	if strings.Contains(pk, keySep) || strings.Contains(sk, keySep) {
		return fmt.Errorf("key components may not contain NUL")
	}
	return nil
}

// itemKey builds the storage key for (pk, sk)
func itemKey(pk, sk string) []byte {
	return []byte(prefixItem + pk + keySep + sk)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
