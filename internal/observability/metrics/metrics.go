package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bandburg"

// ModuleStates lists the values reported by the module state gauge.
var ModuleStates = []string{"uninitialized", "initializing", "ready", "failed"}

// Metrics holds the collectors of one process on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	invocations    *prometheus.CounterVec
	invokeDuration *prometheus.HistogramVec
	moduleState    *prometheus.GaugeVec
	events         *prometheus.CounterVec
	relayed        *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpErrors     *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers all collectors, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Module operation invocations by result code.",
		}, []string{"operation", "code"}),
		invokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Module operation latency in seconds.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		moduleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "module_state",
			Help:      "Current module lifecycle state (1 for the active state).",
		}, []string{"state"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus by topic.",
		}, []string{"topic"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_deliveries_total",
			Help:      "Event relay deliveries by publisher and result.",
		}, []string{"publisher", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.invocations,
		m.invokeDuration,
		m.moduleState,
		m.events,
		m.relayed,
		m.httpRequests,
		m.httpErrors,
		m.httpDuration,
	)
	m.ObserveState("uninitialized")
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveInvoke records one module invocation.
func (m *Metrics) ObserveInvoke(operation, code string, elapsed time.Duration) {
	m.invocations.WithLabelValues(operation, code).Inc()
	m.invokeDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveState marks state as the active module state.
func (m *Metrics) ObserveState(state string) {
	for _, s := range ModuleStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.moduleState.WithLabelValues(s).Set(v)
	}
}

// ObserveEvent counts one bus publication. It matches the bus publish hook.
func (m *Metrics) ObserveEvent(topic string, _ int) {
	m.events.WithLabelValues(topic).Inc()
}

// ObserveRelay counts one relay delivery attempt.
func (m *Metrics) ObserveRelay(publisher string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.relayed.WithLabelValues(publisher, result).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
