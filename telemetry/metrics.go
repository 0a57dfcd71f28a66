package telemetry

// Histogram bucket definitions
var (
	// PublishBuckets for bus publish latency (network round trip)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// TransformBuckets for template rendering (in-process, sub-millisecond)
	TransformBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01}
)

// Table metrics
var (
	// MutationsTotal counts accepted table mutations by table and operation
	// (insert, modify, remove)
	MutationsTotal CounterVec = noopCounterVec{}
)

// Pipe metrics
var (
	// PipeRecordsTotal counts records seen by each pipe by result
	// (published, dropped, transform_error)
	PipeRecordsTotal CounterVec = noopCounterVec{}

	// PipeLagRecords tracks how far each pipe's cursor trails the log head
	PipeLagRecords GaugeVec = noopGaugeVec{}

	// PublishRetriesTotal counts bus publish retries per pipe
	PublishRetriesTotal CounterVec = noopCounterVec{}

	// PublishFailuresTotal counts publishes abandoned after exhausting retries
	PublishFailuresTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures bus publish latency per pipe
	PublishDurationSeconds HistogramVec = noopHistogramVec{}

	// TransformDurationSeconds measures template rendering latency per pipe
	TransformDurationSeconds HistogramVec = noopHistogramVec{}

	// AuthorizationFailuresTotal counts grant violations by surface
	// (stream, bus)
	AuthorizationFailuresTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	MutationsTotal = NewCounterVec(
		"mutations_total",
		"Accepted table mutations by table and operation",
		[]string{"table", "op"},
	)

	PipeRecordsTotal = NewCounterVec(
		"pipe_records_total",
		"Change records seen by each pipe by result",
		[]string{"pipe", "result"},
	)
	PipeLagRecords = NewGaugeVec(
		"pipe_lag_records",
		"Records between a pipe cursor and the change log head",
		[]string{"pipe"},
	)
	PublishRetriesTotal = NewCounterVec(
		"publish_retries_total",
		"Bus publish retries per pipe",
		[]string{"pipe"},
	)
	PublishFailuresTotal = NewCounterVec(
		"publish_failures_total",
		"Publishes abandoned after exhausting retries",
		[]string{"pipe"},
	)
	PublishDurationSeconds = NewHistogramVec(
		"publish_duration_seconds",
		"Bus publish latency in seconds",
		[]string{"pipe"},
		PublishBuckets,
	)
	TransformDurationSeconds = NewHistogramVec(
		"transform_duration_seconds",
		"Template rendering latency in seconds",
		[]string{"pipe"},
		TransformBuckets,
	)
	AuthorizationFailuresTotal = NewCounterVec(
		"authorization_failures_total",
		"Grant violations by surface",
		[]string{"surface"},
	)
}
