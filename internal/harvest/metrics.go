package harvest

import (
	"github.com/prometheus/client_golang/prometheus"

	"activityharvest/internal/retry"
)

const metricsNamespace = "activity_harvest"

// Metrics holds the Prometheus collectors of a harvest process. A nil
// *Metrics records nothing.
type Metrics struct {
	fetchAttempts *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	activities    *prometheus.CounterVec
	users         prometheus.Counter
	batches       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Page fetch attempts by page kind and outcome.",
		}, []string{"page", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "fetch",
			Name:      "latency_seconds",
			Help:      "Response latency of page fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"page"}),
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "activities_total",
			Help:      "Candidate activities by result.",
		}, []string{"result"}),
		users: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "athletes_processed_total",
			Help:      "Athletes whose feed was requested.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "User batches by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetchAttempts, m.fetchLatency, m.activities, m.users, m.batches)
	}
	return m
}

func (m *Metrics) attempt(page string, o retry.Outcome) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(page, o.String()).Inc()
}

func (m *Metrics) latency(page string, seconds float64) {
	if m == nil {
		return
	}
	m.fetchLatency.WithLabelValues(page).Observe(seconds)
}

func (m *Metrics) activity(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.activities.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) athlete() {
	if m == nil {
		return
	}
	m.users.Inc()
}

func (m *Metrics) batch(result string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
}
