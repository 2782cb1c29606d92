package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for maintenance passes.
type Metrics struct {
	passes       *prometheus.CounterVec
	actions      *prometheus.CounterVec
	orphans      *prometheus.GaugeVec
	missing      *prometheus.GaugeVec
	workspaces   *prometheus.GaugeVec
	lastPass     prometheus.Gauge
	passDuration prometheus.Histogram
}

// NewMetrics registers the maintenance collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		passes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspaces_maintenance_passes_total",
				Help: "Total number of maintenance passes by result",
			},
			[]string{"result"},
		),
		actions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspaces_maintenance_actions_total",
				Help: "Total number of per-workspace maintenance actions",
			},
			[]string{"pool", "action"},
		),
		orphans: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workspaces_orphan_volumes",
				Help: "Volumes without a metadata record at the last pass",
			},
			[]string{"pool"},
		),
		missing: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workspaces_missing_volumes",
				Help: "Metadata records without a volume at the last pass",
			},
			[]string{"pool"},
		),
		workspaces: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workspaces_records",
				Help: "Live workspace records by state at the last pass",
			},
			[]string{"pool", "state"},
		),
		lastPass: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workspaces_maintenance_last_pass_timestamp_seconds",
				Help: "Unix time of the last completed maintenance pass",
			},
		),
		passDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "workspaces_maintenance_pass_duration_seconds",
				Help:    "Duration of maintenance passes",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
	}
}

func (m *Metrics) action(pool, action string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(pool, action).Inc()
}

func (m *Metrics) observe(sum Summary, byPool map[string]*poolCounts, result string) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(result).Inc()
	if result != "ok" {
		return
	}
	m.passDuration.Observe(sum.Finished.Sub(sum.Started).Seconds())
	m.lastPass.Set(float64(sum.Finished.Unix()))
	for name, c := range byPool {
		m.orphans.WithLabelValues(name).Set(float64(c.orphans))
		m.missing.WithLabelValues(name).Set(float64(c.missing))
		for state, n := range c.states {
			m.workspaces.WithLabelValues(name, state).Set(float64(n))
		}
	}
}
