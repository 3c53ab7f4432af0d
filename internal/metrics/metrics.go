// README: Prometheus collectors for matching, payments, dispatch and the task scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	matches    *prometheus.CounterVec
	payments   *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	fallbacks  *prometheus.CounterVec
	dispatchD  prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pangea",
			Name:      "match_outcomes_total",
			Help:      "Food requests by match outcome (real, upgrade, solo, waiting).",
		}, []string{"outcome"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pangea",
			Name:      "payments_total",
			Help:      "Payment signals by whether they were first or duplicate.",
		}, []string{"kind"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pangea",
			Name:      "dispatches_total",
			Help:      "Delivery dispatch attempts by result.",
		}, []string{"result"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pangea",
			Name:      "scheduled_tasks_total",
			Help:      "Fired scheduled tasks by kind and result.",
		}, []string{"kind", "result"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pangea",
			Name:      "time_reasoner_fallbacks_total",
			Help:      "Time compatibility decisions served by the rule table, by reason.",
		}, []string{"reason"}),
		dispatchD: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pangea",
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of delivery provider calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.matches, m.payments, m.dispatches, m.tasks, m.fallbacks, m.dispatchD,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Payment(first bool) {
	if m == nil {
		return
	}
	kind := "duplicate"
	if first {
		kind = "first"
	}
	m.payments.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dispatch(result string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
	m.dispatchD.Observe(seconds)
}

func (m *Metrics) Task(kind, result string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ReasonerFallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}
