// Package stream provides the durable change log for tablebus.
//
// The log is a Pebble-backed append-only record of table mutations with
// monotonically increasing sequence numbers. Each pipe tracks its consumption
// progress via a named cursor, enabling:
//
//   - Crash recovery (cursors persisted to Pebble)
//   - Multiple independent pipes consuming at different rates
//   - Automatic cleanup of fully consumed records (bounded retention)
//
// Key prefixes:
//
//	/chlog/{seq:016x}    -> framed msgpack(Record)
//	/chcursor/{pipe}     -> uint64 (cursor)
//	/chseq               -> uint64 (next sequence)
//
// Delivery to cursor consumers is at-least-once: a consumer that advances its
// cursor only after processing may observe the same record again after a
// crash. Consumers must tolerate duplicates.
package stream

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/s2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/tablebus/tablebus/encoding"
)

// Key prefixes for Pebble storage
const (
	prefixLog    = "/chlog/"    // /chlog/{16-digit-zero-padded-seq}
	prefixCursor = "/chcursor/" // /chcursor/{pipeName}
	prefixSeq    = "/chseq"     // /chseq -> uint64 (next sequence)
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// Value framing: records above compressThreshold are stored s2-compressed.
// The first byte of every stored value is a frame marker.
const (
	frameRaw byte = 0x00
	frameS2  byte = 0x01

	compressThreshold = 1 << 10 // 1KB
)

// Read and cleanup constants
const (
	defaultReadLimit    = 100  // Default limit for ReadFrom
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences (seq & cleanupIntervalMask == 0)
)

// Log provides a Pebble-backed append-only change log with per-pipe cursors
type Log struct {
	db   *pebble.DB
	path string

	// In-memory cursor map for fast lookups
	cursors *xsync.MapOf[string, uint64]

	// Serializes appenders: sequence reservation and batch commit must agree.
	// Mutations on different partition keys append concurrently.
	appendMu sync.Mutex

	// Next sequence number (atomic, for lock-free LatestSeq reads)
	nextSeq atomic.Uint64

	// Cleanup tracking
	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	// Closed state
	closed atomic.Bool
}

// NewLog creates or opens a Pebble-backed change log under dataDir
func NewLog(dataDir string) (*Log, error) {
	logPath := filepath.Join(dataDir, "change_log")

	opts := &pebble.Options{
		// Optimize for sequential writes
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change log at %s: %w", logPath, err)
	}

	l := &Log{
		db:      db,
		path:    logPath,
		cursors: xsync.NewMapOf[string, uint64](),
	}

	if err := l.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}

	if err := l.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return l, nil
}

// loadNextSeq loads the next sequence number from Pebble
func (l *Log) loadNextSeq() error {
	val, closer, err := l.db.Get([]byte(prefixSeq))
	if err == pebble.ErrNotFound {
		// First run - start at 0 (first append will assign sequence 1)
		l.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	l.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

// loadCursors loads all cursors from Pebble into the in-memory map
func (l *Log) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor data for pipe %s: invalid length %d", name, len(val))
		}

		l.cursors.Store(name, binary.LittleEndian.Uint64(val))
		count++
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if count > 0 {
		log.Info().Int("cursors", count).Msg("Loaded change log cursors")
	}

	return nil
}

// Append adds records to the log and assigns sequence numbers.
// Note: This function modifies the input slice by setting Seq on each record.
func (l *Log) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	if l.closed.Load() {
		return fmt.Errorf("change log is closed")
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	// Reserve sequence numbers locally first (before commit)
	localSeq := l.nextSeq.Load()

	batch := l.db.NewBatch()
	defer batch.Close()

	for i := range records {
		localSeq++
		records[i].Seq = localSeq

		val, err := encoding.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		key := formatLogKey(localSeq)
		if err := batch.Set([]byte(key), frameValue(val), pebble.Sync); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	// Update next sequence number in Pebble
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, localSeq)
	if err := batch.Set([]byte(prefixSeq), seqBuf, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only update in-memory nextSeq AFTER successful commit
	l.nextSeq.Store(localSeq)

	return nil
}

// ReadFrom reads records starting after the given cursor, up to limit records
func (l *Log) ReadFrom(cursor uint64, limit int) ([]Record, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("change log is closed")
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	// Start from cursor + 1 (cursor is the last processed record)
	startKey := formatLogKey(cursor + 1)
	prefix := []byte(prefixLog)

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(startKey),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]Record, 0, limit)
	for iter.SeekGE([]byte(startKey)); iter.Valid() && len(records) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		raw, err := unframeValue(val)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to decode change record frame")
			continue
		}

		var rec Record
		if err := encoding.Unmarshal(raw, &rec); err != nil {
			// Log and skip corrupted records
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal change record")
			continue
		}

		records = append(records, rec)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return records, nil
}

// LatestSeq returns the sequence number of the most recently appended record.
// Consumers with a "latest" starting position seed their cursor from this.
func (l *Log) LatestSeq() uint64 {
	return l.nextSeq.Load()
}

// Cursor returns the current cursor for a pipe (0 for an unknown pipe)
func (l *Log) Cursor(pipeName string) (uint64, error) {
	if l.closed.Load() {
		return 0, fmt.Errorf("change log is closed")
	}

	if cursor, ok := l.cursors.Load(pipeName); ok {
		return cursor, nil
	}

	// Not in memory - check Pebble
	key := prefixCursor + pipeName
	val, closer, err := l.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil // New pipe - no position yet
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid cursor value length: %d", len(val))
	}

	cursor := binary.LittleEndian.Uint64(val)

	// AdvanceCursor may have stored a newer value between the map miss and
	// here; never clobber it with the older persisted one.
	actual, _ := l.cursors.Compute(pipeName, func(old uint64, loaded bool) (uint64, bool) {
		if loaded && old > cursor {
			return old, false
		}
		return cursor, false
	})
	return actual, nil
}

// HasCursor reports whether a cursor has ever been stored for a pipe. A
// stored cursor of 0 is distinct from no cursor at all: consumers use this
// to seed a starting position exactly once.
func (l *Log) HasCursor(pipeName string) (bool, error) {
	if l.closed.Load() {
		return false, fmt.Errorf("change log is closed")
	}

	if _, ok := l.cursors.Load(pipeName); ok {
		return true, nil
	}

	key := prefixCursor + pipeName
	_, closer, err := l.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// AdvanceCursor updates the cursor for a pipe and triggers cleanup periodically
func (l *Log) AdvanceCursor(pipeName string, newSeq uint64) error {
	if l.closed.Load() {
		return fmt.Errorf("change log is closed")
	}

	l.cursors.Store(pipeName, newSeq)

	// Persist to Pebble
	key := prefixCursor + pipeName
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, newSeq)

	if err := l.db.Set([]byte(key), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	// Trigger cleanup every 128 sequence numbers
	if newSeq&cleanupIntervalMask == 0 {
		// Only spawn cleanup if one isn't already running
		if l.cleanupRunning.CompareAndSwap(false, true) {
			l.cleanupWg.Add(1)
			go l.cleanupAsync()
		}
	}

	return nil
}

// Cursors returns a snapshot of all cursor positions by pipe name
func (l *Log) Cursors() map[string]uint64 {
	snapshot := make(map[string]uint64)
	l.cursors.Range(func(name string, cursor uint64) bool {
		snapshot[name] = cursor
		return true
	})
	return snapshot
}

// cleanup deletes old log entries below the minimum cursor.
// Safe to call directly (e.g., from tests); does not use WaitGroup tracking.
func (l *Log) cleanup() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()

	if l.closed.Load() {
		return
	}

	// Find minimum cursor across all pipes
	minCursor := uint64(^uint64(0))
	found := false
	l.cursors.Range(func(_ string, cursor uint64) bool {
		found = true
		if cursor < minCursor {
			minCursor = cursor
		}
		return true
	})

	if !found || minCursor == 0 {
		return // Nothing to cleanup
	}

	// Delete all entries with seq < minCursor
	startKey := []byte(prefixLog)
	endKey := []byte(formatLogKey(minCursor))

	if err := l.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to cleanup change log")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up change log entries")
}

// cleanupAsync wraps cleanup with WaitGroup tracking for async execution
func (l *Log) cleanupAsync() {
	defer l.cleanupWg.Done()
	defer l.cleanupRunning.Store(false)
	l.cleanup()
}

// Close closes the Pebble database and waits for in-flight cleanup goroutines
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("change log already closed")
	}

	l.cleanupWg.Wait()

	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// frameValue wraps a marshaled record with a frame marker, compressing
// values above the threshold
func frameValue(raw []byte) []byte {
	if len(raw) < compressThreshold {
		return append([]byte{frameRaw}, raw...)
	}
	return append([]byte{frameS2}, s2.Encode(nil, raw)...)
}

// unframeValue unwraps a stored value back to raw msgpack
func unframeValue(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	switch val[0] {
	case frameRaw:
		return val[1:], nil
	case frameS2:
		return s2.Decode(nil, val[1:])
	default:
		return nil, fmt.Errorf("unknown frame marker 0x%02x", val[0])
	}
}

// formatLogKey formats a sequence number as a 16-digit zero-padded key
func formatLogKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixLog, seq)
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
	return nil // Prefix is all 0xff
}
