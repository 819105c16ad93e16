package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nexa"

// Routing outcomes.
const (
	RoutingExplicit   = "explicit"
	RoutingMatched    = "matched"
	RoutingGeneralist = "generalist"
	RoutingDegraded   = "degraded"
	RoutingNotFound   = "not_found"
)

// Metrics holds the Prometheus collectors for the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	routingDecisions     *prometheus.CounterVec
	turns                *prometheus.CounterVec
	turnDuration         *prometheus.HistogramVec
	capabilitiesSkipped  *prometheus.CounterVec
	capabilityCalls      *prometheus.CounterVec
	llmRetries           prometheus.Counter
	persistenceConflicts *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Agent routing decisions by outcome.",
		}, []string{"outcome"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by terminal state.",
		}, []string{"state"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn duration from first model request to terminal state.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"state"}),
		capabilitiesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capabilities_skipped_total",
			Help:      "Capabilities left out of a composed set, by reason.",
		}, []string{"reason"}),
		capabilityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_calls_total",
			Help:      "Capability invocations by capability key and result.",
		}, []string{"capability", "result"}),
		llmRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_retries_total",
			Help:      "Model invocation retries before the first forwarded chunk.",
		}),
		persistenceConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_conflicts_total",
			Help:      "Session append conflicts by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.routingDecisions,
		m.turns,
		m.turnDuration,
		m.capabilitiesSkipped,
		m.capabilityCalls,
		m.llmRetries,
		m.persistenceConflicts,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RoutingDecision(outcome string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TurnFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(state).Inc()
	m.turnDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) CapabilitySkipped(reason string) {
	if m == nil {
		return
	}
	m.capabilitiesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) CapabilityCall(capability string, failed bool) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.capabilityCalls.WithLabelValues(capability, result).Inc()
}

func (m *Metrics) LLMRetry() {
	if m == nil {
		return
	}
	m.llmRetries.Inc()
}

func (m *Metrics) PersistenceConflict(outcome string) {
	if m == nil {
		return
	}
	m.persistenceConflicts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
