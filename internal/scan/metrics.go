package scan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports engine activity to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	dispatches *prometheus.CounterVec
	scans      prometheus.Counter
	failures   prometheus.Counter
	elements   prometheus.Counter
	levels     prometheus.Histogram
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixscan_dispatches_total",
			Help: "Kernel dispatches issued, by primitive.",
		}, []string{"primitive"}),
		scans: factory.NewCounter(prometheus.CounterOpts{
			Name: "prefixscan_scans_total",
			Help: "Top-level scans started.",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "prefixscan_scan_failures_total",
			Help: "Top-level scans aborted by a device error.",
		}),
		elements: factory.NewCounter(prometheus.CounterOpts{
			Name: "prefixscan_elements_total",
			Help: "Elements processed by top-level scans.",
		}),
		levels: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prefixscan_recursion_levels",
			Help:    "Recursion levels used per top-level scan.",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}),
	}
}

func (m *Metrics) dispatched(p Primitive) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(string(p)).Inc()
}

func (m *Metrics) finished(n int, stats Stats, err error) {
	if m == nil {
		return
	}
	m.scans.Inc()
	m.elements.Add(float64(n))
	if err != nil {
		m.failures.Inc()
		return
	}
	m.levels.Observe(float64(stats.Levels))
}
