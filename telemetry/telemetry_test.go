package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRegistry(t *testing.T, r *prometheus.Registry) {
	t.Helper()
	old := registry
	registry = r
	t.Cleanup(func() { registry = old })
}

func TestVecConstructorsReturnUsableMetrics(t *testing.T) {
	withRegistry(t, prometheus.NewRegistry())

	c := NewCounterVec("test_records_total", "test counter", []string{"pipe", "result"})
	require.NotNil(t, c)
	c.With("user-created", "published").Inc()
	c.With("user-created", "dropped").Add(2)

	g := NewGaugeVec("test_lag_records", "test gauge", []string{"pipe"})
	require.NotNil(t, g)
	g.With("user-created").Set(7)
	g.With("user-created").Inc()
	g.With("user-created").Dec()

	h := NewHistogramVec("test_duration_seconds", "test histogram", []string{"pipe"}, PublishBuckets)
	require.NotNil(t, h)
	h.With("user-created").Observe(0.01)

	// The values registered above must be gatherable
	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tablebus_test_records_total"])
	assert.True(t, names["tablebus_test_lag_records"])
	assert.True(t, names["tablebus_test_duration_seconds"])
}

func TestScalarConstructors(t *testing.T) {
	withRegistry(t, prometheus.NewRegistry())

	c := NewCounter("test_plain_total", "test")
	c.Inc()
	g := NewGauge("test_plain_gauge", "test")
	g.Set(1)
	h := NewHistogramWithBuckets("test_plain_seconds", "test", TransformBuckets)
	h.Observe(0.001)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 3)
}

func TestConstructorsNoopWithoutRegistry(t *testing.T) {
	withRegistry(t, nil)

	// All constructors degrade to no-ops before telemetry is initialized
	NewCounterVec("test_noop_total", "test", []string{"a"}).With("x").Inc()
	NewGaugeVec("test_noop_gauge", "test", []string{"a"}).With("x").Set(1)
	NewHistogramVec("test_noop_seconds", "test", []string{"a"}, PublishBuckets).With("x").Observe(1)
	NewCounter("test_noop_plain", "test").Inc()

	assert.Nil(t, GetMetricsHandler())
}
