package pipe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablebus/tablebus/bus"
	"github.com/tablebus/tablebus/stream"
	"github.com/tablebus/tablebus/telemetry"
)

// Source is the change stream a pipe reads from. Satisfied by access.Stream.
type Source interface {
	ReadFrom(cursor uint64, limit int) ([]stream.Record, error)
	LatestSeq() (uint64, error)
	Cursor(pipeName string) (uint64, error)
	HasCursor(pipeName string) (bool, error)
	AdvanceCursor(pipeName string, seq uint64) error
}

// Destination is the bus a pipe publishes to. Satisfied by access.Bus.
type Destination interface {
	Publish(event bus.Event) error
}

const (
	// Default number of records read per poll cycle
	DefaultBatchSize = 1
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of publish attempts before the pipe stops
	DefaultMaxRetries = 100
)

// Config configures a pipe worker
type Config struct {
	Name        string      // Pipe name (cursor identity)
	DetailType  string      // Detail type stamped on published events
	SourceName  string      // Source field stamped on published events
	Source      Source      // Change stream to read
	Destination Destination // Bus to publish to
	Predicate   Predicate   // Which records this pipe wants
	Template    *Template   // How to reshape matched records

	BatchSize       int           // Records per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum publish attempts
	StartLatest     bool          // Seed a fresh cursor at the log head
}

// Worker polls the change stream and publishes matching records as events.
//
// Delivery is at-least-once: the cursor advances only after a successful
// publish, so a crash between publish and advance redelivers the record.
// Records the predicate rejects advance the cursor without publishing.
// Records the template cannot render are counted and skipped; rendering is
// deterministic, so retrying them would fail forever.
type Worker struct {
	config Config
	cursor atomic.Uint64

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates the configuration, loads the pipe's cursor and returns
// a worker ready to Start
func NewWorker(config Config) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("pipe name is required")
	}
	if config.DetailType == "" {
		return nil, fmt.Errorf("detail type is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Destination == nil {
		return nil, fmt.Errorf("destination is required")
	}
	if config.Predicate == nil {
		return nil, fmt.Errorf("predicate is required")
	}
	if config.Template == nil {
		return nil, fmt.Errorf("template is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Source.Cursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	// A pipe with no stored cursor starts at the log head unless configured
	// to replay from the oldest retained record. The seed is persisted even
	// when the log is empty, so a restart resumes from the seed instead of
	// re-seeding at a newer head and skipping records.
	if config.StartLatest {
		seeded, err := config.Source.HasCursor(config.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to check cursor: %w", err)
		}
		if !seeded {
			latest, err := config.Source.LatestSeq()
			if err != nil {
				return nil, fmt.Errorf("failed to read log head: %w", err)
			}
			cursor = latest
			if err := config.Source.AdvanceCursor(config.Name, cursor); err != nil {
				return nil, fmt.Errorf("failed to seed cursor: %w", err)
			}
		}
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)

	return w, nil
}

// Name returns the pipe name
func (w *Worker) Name() string {
	return w.config.Name
}

// DetailType returns the detail type this pipe publishes
func (w *Worker) DetailType() string {
	return w.config.DetailType
}

// Cursor returns the pipe's current position in the change log
func (w *Worker) Cursor() uint64 {
	return w.cursor.Load()
}

// Running reports whether the worker loop is active
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Lag returns the number of records between the log head and this pipe's
// cursor. Returns 0 when the source denies the read.
func (w *Worker) Lag() uint64 {
	latest, err := w.config.Source.LatestSeq()
	if err != nil {
		return 0
	}
	cursor := w.cursor.Load()
	if latest <= cursor {
		return 0
	}
	return latest - cursor
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("pipe", w.config.Name).
		Str("detail_type", w.config.DetailType).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting pipe")

	go w.pollLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("pipe", w.config.Name).Msg("Pipe stopped")
}

// pollLoop is the main worker loop
func (w *Worker) pollLoop() {
	defer close(w.doneCh)
	defer w.running.Store(false)

	for {
		select {
		case <-w.stopCh:
			return
		default:
			records, err := w.config.Source.ReadFrom(w.cursor.Load(), w.config.BatchSize)
			if err != nil {
				log.Error().
					Err(err).
					Str("pipe", w.config.Name).
					Uint64("cursor", w.cursor.Load()).
					Msg("Failed to read change stream")
				if !w.sleep(w.config.PollInterval) {
					return
				}
				continue
			}

			if len(records) == 0 {
				if !w.sleep(w.config.PollInterval) {
					return
				}
				continue
			}

			for _, rec := range records {
				if err := w.processRecord(rec); err != nil {
					log.Error().
						Err(err).
						Str("pipe", w.config.Name).
						Uint64("seq", rec.Seq).
						Msg("Pipe halted")
					return
				}
				w.cursor.Store(rec.Seq)
			}
		}
	}
}

// processRecord runs one record through filter, transform and publish
func (w *Worker) processRecord(rec stream.Record) error {
	if !w.config.Predicate.Match(rec) {
		telemetry.PipeRecordsTotal.With(w.config.Name, "dropped").Inc()
		w.advanceCursor(rec.Seq)
		return nil
	}

	transformStart := time.Now()
	detail, err := w.config.Template.Render(rec)
	telemetry.TransformDurationSeconds.With(w.config.Name).Observe(time.Since(transformStart).Seconds())
	if err != nil {
		// Rendering is deterministic; a record that fails now fails forever.
		// Count it and move on rather than wedging the pipe.
		log.Warn().
			Err(err).
			Str("pipe", w.config.Name).
			Uint64("seq", rec.Seq).
			Msg("Failed to render event detail, skipping record")
		telemetry.PipeRecordsTotal.With(w.config.Name, "transform_error").Inc()
		w.advanceCursor(rec.Seq)
		return nil
	}

	event := bus.Event{
		DetailType: w.config.DetailType,
		Source:     w.config.SourceName,
		Detail:     detail,
		Time:       rec.CommitTS,
	}

	if err := w.publishWithRetry(event, rec.Seq); err != nil {
		return err
	}

	telemetry.PipeRecordsTotal.With(w.config.Name, "published").Inc()
	w.advanceCursor(rec.Seq)
	return nil
}

// advanceCursor persists the cursor; failure is non-fatal since the record
// is redelivered and reprocessed idempotently on restart
func (w *Worker) advanceCursor(seq uint64) {
	if err := w.config.Source.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("pipe", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to advance cursor, record may be redelivered")
	}
}

// publishWithRetry publishes an event with exponential backoff.
// Returns an error when retries are exhausted or the worker is stopped.
func (w *Worker) publishWithRetry(event bus.Event, seq uint64) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		err := w.config.Destination.Publish(event)
		telemetry.PublishDurationSeconds.With(w.config.Name).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}

		attempts++

		if attempts >= w.config.MaxRetries {
			telemetry.PublishFailuresTotal.With(w.config.Name).Inc()
			return fmt.Errorf("exhausted %d publish attempts for seq %d: %w", attempts, seq, err)
		}

		telemetry.PublishRetriesTotal.With(w.config.Name).Inc()
		log.Warn().
			Err(err).
			Str("pipe", w.config.Name).
			Uint64("seq", seq).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("pipe stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep waits for the duration or the stop signal.
// Returns false if the worker was stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
