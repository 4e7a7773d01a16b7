package runs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TNLegend/SMIA/internal/domain"
)

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// Metrics records run lifecycle counters. A nil *Metrics is a no-op.
type Metrics struct {
	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	finished  *prometheus.CounterVec
	active    *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the run collectors with reg. Collectors that are
// already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smia",
			Subsystem: "runs",
			Name:      "submitted_total",
			Help:      "Runs accepted for execution",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smia",
			Subsystem: "runs",
			Name:      "rejected_total",
			Help:      "Submissions refused at admission",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smia",
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Runs that reached a terminal status",
		}, []string{"kind", "status"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "smia",
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs currently supervised by this process",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "smia",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall-clock time from start to terminal status",
			Buckets:   durationBuckets,
		}, []string{"kind"}),
	}
	if reg == nil {
		return m
	}
	m.submitted = registerCounter(reg, m.submitted)
	m.rejected = registerCounter(reg, m.rejected)
	m.finished = registerCounter(reg, m.finished)
	if err := reg.Register(m.active); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				m.active = existing
			}
		}
	}
	if err := reg.Register(m.duration); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.duration = existing
			}
		}
	}
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) submit(kind domain.RunKind) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) reject(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) start(kind domain.RunKind) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) finish(kind domain.RunKind, status domain.RunStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(string(kind)).Dec()
	m.finished.WithLabelValues(string(kind), string(status)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
