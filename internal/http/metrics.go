package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// httpMetrics covers request traffic, submit throttling and open live streams.
// Long-lived stream requests are left out of the latency histogram.
type httpMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	throttled   *prometheus.CounterVec
	liveStreams *prometheus.GaugeVec
	streamLines *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	return &httpMetrics{
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smia",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"})),
		latency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "smia",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of request/response handlers.",
			Buckets:   latencyBuckets,
		}, []string{"method", "route"})),
		throttled: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smia",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Submissions rejected by the rate limiter.",
		}, []string{"route", "key"})),
		liveStreams: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "smia",
			Subsystem: "api",
			Name:      "live_streams",
			Help:      "Open live log streams by transport.",
		}, []string{"transport"})),
		streamLines: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smia",
			Subsystem: "api",
			Name:      "stream_lines_total",
			Help:      "Log lines delivered to live stream readers.",
		}, []string{"transport"})),
	}
}

// register returns the already registered collector when another router
// sharing the registry got there first.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *httpMetrics) observeRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	if status != 101 && !isStreamRoute(route) {
		m.latency.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}

func (m *httpMetrics) rateLimited(route, key string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(route, key).Inc()
}

// streamOpened marks a live stream as open and returns the matching close.
func (m *httpMetrics) streamOpened(transport string) func() {
	if m == nil {
		return func() {}
	}
	gauge := m.liveStreams.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}

func (m *httpMetrics) lineDelivered(transport string) {
	if m == nil {
		return
	}
	m.streamLines.WithLabelValues(transport).Inc()
}

func isStreamRoute(route string) bool {
	switch route {
	case routeStreamSSE, routeStreamWS, routeEvents:
		return true
	}
	return false
}
