package unixrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK        = "ok"
	outcomeFault     = "fault"
	outcomeMalformed = "malformed"

	methodUnknown = "unknown"
)

type serverMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newServerMetrics(reg prometheus.Registerer) (*serverMetrics, error) {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hosted_engine_ha",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total number of RPC requests served, by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hosted_engine_ha",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Time spent serving one RPC request, including socket I/O.",
				// 0.5ms .. ~4s
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"method"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *serverMetrics) observe(method, outcome string, elapsed time.Duration) {
	if method == "" {
		method = methodUnknown
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}
