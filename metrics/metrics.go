// Package metrics holds the Prometheus metrics ghost sessions report.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ghost"

// Reply outcomes.
const (
	OutcomeFinished  = "finished"
	OutcomeExcluded  = "excluded"
	OutcomeErrored   = "errored"
	OutcomeDestroyed = "destroyed"
)

// Metrics are the custom metrics used by ghost sessions. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsInFlight prometheus.Gauge
	Replies          *prometheus.CounterVec
	Resources        prometheus.Counter
	WaitTimeouts     *prometheus.CounterVec
	PageLoad         prometheus.Histogram
}

// RegisterMetrics creates our metrics and registers them with registerer.
func RegisterMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Network requests that have not reached a terminal state.",
		}),
		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Network replies by outcome.",
		}, []string{"outcome"}),
		Resources: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_total",
			Help:      "HTTP resources captured.",
		}),
		WaitTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_timeouts_total",
			Help:      "Waits that timed out, by operation.",
		}, []string{"operation"}),
		PageLoad: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_load_seconds",
			Help:      "Time until a page and its subresources settled.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
	}

	for _, c := range []prometheus.Collector{
		m.RequestsInFlight, m.Replies, m.Resources, m.WaitTimeouts, m.PageLoad,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}

	return m, nil
}

// AddInFlight moves the in-flight gauge by delta.
func (m *Metrics) AddInFlight(delta int) {
	if m == nil {
		return
	}
	m.RequestsInFlight.Add(float64(delta))
}

// Reply counts a reply that reached outcome.
func (m *Metrics) Reply(outcome string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(outcome).Inc()
}

// Resource counts a captured resource.
func (m *Metrics) Resource() {
	if m == nil {
		return
	}
	m.Resources.Inc()
}

// WaitTimeout counts a timed out wait of operation.
func (m *Metrics) WaitTimeout(operation string) {
	if m == nil {
		return
	}
	m.WaitTimeouts.WithLabelValues(operation).Inc()
}

// ObservePageLoad records how long a page took to settle.
func (m *Metrics) ObservePageLoad(seconds float64) {
	if m == nil {
		return
	}
	m.PageLoad.Observe(seconds)
}
