package syncer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
)

// Metrics holds the sync collectors.
type Metrics struct {
	runs        *prometheus.CounterVec
	records     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	running     prometheus.Gauge
}

// NewMetrics creates the sync collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_sync_runs_total",
			Help: "Finished sync runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_sync_records_total",
			Help: "Records processed by sync runs by mode and result.",
		}, []string{"mode", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "search_sync_duration_seconds",
			Help:    "Wall time of sync runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"mode"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "search_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last clean sync run by mode.",
		}, []string{"mode"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "search_sync_in_progress",
			Help: "1 while a sync run holds the sync lock.",
		}),
	}
	reg.MustRegister(m.runs, m.records, m.duration, m.lastSuccess, m.running)
	return m
}

func (m *Metrics) observe(r *domain.SyncReport) {
	if m == nil {
		return
	}
	mode := string(r.Mode)
	m.runs.WithLabelValues(mode, string(r.Outcome)).Inc()
	m.records.WithLabelValues(mode, "indexed").Add(float64(r.Indexed))
	m.records.WithLabelValues(mode, "failed").Add(float64(r.Failed))
	m.records.WithLabelValues(mode, "cache_failed").Add(float64(r.CacheFailures))
	m.duration.WithLabelValues(mode).Observe(r.Duration().Seconds())
	if r.Clean() {
		m.lastSuccess.WithLabelValues(mode).Set(float64(r.FinishedAt.Unix()))
	}
}

func (m *Metrics) setRunning(on bool) {
	if m == nil {
		return
	}
	if on {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}
