package driftlock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine observability as Prometheus collectors. Optional;
// a nil *Metrics is a no-op everywhere in the engine.
type Metrics struct {
	syncAttempts   *prometheus.CounterVec
	entriesPushed  *prometheus.CounterVec
	changesPulled  prometheus.Counter
	conflictsTotal prometheus.Counter
	pendingEntries prometheus.Gauge
	syncDuration   prometheus.Histogram
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftlock",
			Name:      "sync_attempts_total",
			Help:      "Sync attempts by result (success, error, offline).",
		}, []string{"result"}),
		entriesPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftlock",
			Name:      "entries_pushed_total",
			Help:      "Pushed change entries by outcome (accepted, rejected, conflict).",
		}, []string{"outcome"}),
		changesPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftlock",
			Name:      "changes_pulled_total",
			Help:      "Remote changes applied from pull pages.",
		}),
		conflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftlock",
			Name:      "conflicts_total",
			Help:      "Conflicts parked for manual resolution.",
		}),
		pendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftlock",
			Name:      "pending_entries",
			Help:      "Queued plus in-flight change entries.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "driftlock",
			Name:      "sync_duration_seconds",
			Help:      "Duration of completed sync attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(m.syncAttempts, m.entriesPushed, m.changesPulled,
		m.conflictsTotal, m.pendingEntries, m.syncDuration)
	return m
}

func (m *Metrics) observeAttempt(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(result).Inc()
	m.syncDuration.Observe(d.Seconds())
}

func (m *Metrics) observePush(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.entriesPushed.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) observePulled(n int) {
	if m == nil || n == 0 {
		return
	}
	m.changesPulled.Add(float64(n))
}

func (m *Metrics) observeConflict() {
	if m == nil {
		return
	}
	m.conflictsTotal.Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingEntries.Set(float64(n))
}
