package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TurnDone("normal", "ok")
		m.Threat("JAILBREAK", "HIGH")
		m.Completion(2, "truncated")
		m.CompletionError()
		m.StreamStarted()
		m.StreamEnded(true)
		m.Gate("turn", true)
		m.MemoryJob("queued")
	})
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.TurnDone("security", "ok")
	m.Completion(3, "unparseable")
	m.Completion(1, "")
	m.StreamStarted()
	m.StreamStarted()
	m.StreamEnded(false)
	m.StreamEnded(true)
	m.Gate("sweep", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("security", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionFallbacksTotal.WithLabelValues("unparseable")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CompletionFallbacksTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryGateTotal.WithLabelValues("sweep", "skip")))
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
