// Package metrics exposes reconciliation counters in the Prometheus format.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/composesyncd/internal/stack"
)

const namespace = "composesyncd"

// Cycle results
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Metrics holds the collectors of one process
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	planStacks    *prometheus.GaugeVec
	heals         *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		planStacks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plan_stacks",
			Help:      "Stacks in each set of the last computed plan.",
		}, []string{"set"}),
		heals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sidecar_heals_total",
			Help:      "Sidecar health checks by outcome.",
		}, []string{"outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful reconciliation.",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.planStacks,
		m.heals,
		m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCycle records one finished cycle
func (m *Metrics) ObserveCycle(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	if result == ResultSuccess {
		m.lastSuccess.SetToCurrentTime()
	}
}

// ObservePlan records the size of each set of a plan
func (m *Metrics) ObservePlan(plan *stack.Plan) {
	if m == nil || plan == nil {
		return
	}
	m.planStacks.WithLabelValues("bring_up").Set(float64(len(plan.ToBringUp)))
	m.planStacks.WithLabelValues("tear_down").Set(float64(len(plan.ToTearDown)))
	m.planStacks.WithLabelValues("ignored").Set(float64(len(plan.Ignored)))
}

// ObserveHeal records one sidecar health check
func (m *Metrics) ObserveHeal(outcome string) {
	if m == nil {
		return
	}
	m.heals.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
