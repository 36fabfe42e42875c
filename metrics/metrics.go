// Package metrics exposes the engine's operational counters on a private
// Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianhq/orchestrator/store"
)

// Collector holds the engine's Prometheus metrics. It implements
// engine.Observer.
type Collector struct {
	registry *prometheus.Registry

	executionsFinished *prometheus.CounterVec
	stepsDispatched    *prometheus.CounterVec
	stepsFinished      *prometheus.CounterVec
	eventsRouted       *prometheus.CounterVec
	sweepTimeouts      prometheus.Counter
	breakerState       prometheus.GaugeFunc
}

// New creates a Collector on its own registry. breaker may be nil when no
// durable store is configured.
func New(breaker *store.CircuitBreaker) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_executions_finished_total",
			Help: "Executions that reached a terminal status.",
		}, []string{"status"}),
		stepsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_steps_dispatched_total",
			Help: "Step dispatches by action type, including retries.",
		}, []string{"action"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_steps_finished_total",
			Help: "Steps that reached a terminal status.",
		}, []string{"status"}),
		eventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_events_routed_total",
			Help: "External completion events by routing outcome.",
		}, []string{"outcome"}),
		sweepTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_sweep_timeouts_total",
			Help: "Steps transitioned to timeout by the sweep.",
		}),
	}

	c.breakerState = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orchestrator_store_breaker_open",
		Help: "1 when the store circuit breaker is open.",
	}, func() float64 {
		if breaker != nil && breaker.State() == store.CircuitOpen {
			return 1
		}
		return 0
	})

	registry.MustRegister(
		c.executionsFinished,
		c.stepsDispatched,
		c.stepsFinished,
		c.eventsRouted,
		c.sweepTimeouts,
		c.breakerState,
	)
	return c
}

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ExecutionFinished(status string) {
	c.executionsFinished.WithLabelValues(status).Inc()
}

func (c *Collector) StepDispatched(actionType string) {
	c.stepsDispatched.WithLabelValues(actionType).Inc()
}

func (c *Collector) StepFinished(status string) {
	c.stepsFinished.WithLabelValues(status).Inc()
}

func (c *Collector) EventRouted(outcome string) {
	c.eventsRouted.WithLabelValues(outcome).Inc()
}

func (c *Collector) SweepTimeout() {
	c.sweepTimeouts.Inc()
}
