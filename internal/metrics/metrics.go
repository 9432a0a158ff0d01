// Package metrics holds the Prometheus collectors for the kernel.
//
// Every method is safe on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opp"

// Metrics owns a private registry and the kernel's collectors.
type Metrics struct {
	registry *prometheus.Registry

	eventsFired     *prometheus.CounterVec
	listenerErrors  *prometheus.CounterVec
	loopQueueDepth  prometheus.Gauge
	entities        prometheus.Gauge
	stateWrites     *prometheus.CounterVec
	serviceCalls    *prometheus.CounterVec
	serviceDuration *prometheus.HistogramVec
	wsConnections   prometheus.Gauge
	wsMessages      *prometheus.CounterVec
	wsOverflows     prometheus.Counter
	authAttempts    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fired_total",
			Help:      "Events fired on the bus.",
		}, []string{"event_type", "origin"}),
		listenerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_errors_total",
			Help:      "Event listeners that panicked.",
		}, []string{"event_type"}),
		loopQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_queue_depth",
			Help:      "Jobs waiting on the dispatch loop.",
		}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities currently held by the state store.",
		}),
		stateWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_writes_total",
			Help:      "State store writes by outcome.",
		}, []string{"result"}),
		serviceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_calls_total",
			Help:      "Service calls by domain and outcome.",
		}, []string{"domain", "service", "result"}),
		serviceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_call_duration_seconds",
			Help:      "Service handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_messages_total",
			Help:      "WebSocket messages by direction.",
		}, []string{"direction"}),
		wsOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_queue_overflows_total",
			Help:      "Connections closed because the outbound queue filled.",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by kind and outcome.",
		}, []string{"kind", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsFired, m.listenerErrors, m.loopQueueDepth,
		m.entities, m.stateWrites,
		m.serviceCalls, m.serviceDuration,
		m.wsConnections, m.wsMessages, m.wsOverflows,
		m.authAttempts,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventFired counts one event.
func (m *Metrics) EventFired(eventType, origin string) {
	if m == nil {
		return
	}
	m.eventsFired.WithLabelValues(eventType, origin).Inc()
}

// ListenerFailed counts a listener panic.
func (m *Metrics) ListenerFailed(eventType string) {
	if m == nil {
		return
	}
	m.listenerErrors.WithLabelValues(eventType).Inc()
}

// SetQueueDepth records the dispatch loop backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.loopQueueDepth.Set(float64(n))
}

// SetEntities records the number of entities in the state store.
func (m *Metrics) SetEntities(n int) {
	if m == nil {
		return
	}
	m.entities.Set(float64(n))
}

// StateWrite counts a state store write; result is changed, unchanged or removed.
func (m *Metrics) StateWrite(result string) {
	if m == nil {
		return
	}
	m.stateWrites.WithLabelValues(result).Inc()
}

// ServiceCall counts a service call and observes handler time when known.
func (m *Metrics) ServiceCall(domain, service, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.serviceCalls.WithLabelValues(domain, service, result).Inc()
	if elapsed > 0 {
		m.serviceDuration.WithLabelValues(domain).Observe(elapsed.Seconds())
	}
}

// ConnectionOpened and ConnectionClosed track live WebSocket connections.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// Message counts a WebSocket message; direction is "in" or "out".
func (m *Metrics) Message(direction string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(direction).Inc()
}

// QueueOverflow counts a connection dropped for back-pressure.
func (m *Metrics) QueueOverflow() {
	if m == nil {
		return
	}
	m.wsOverflows.Inc()
}

// AuthAttempt counts an authentication attempt.
func (m *Metrics) AuthAttempt(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.authAttempts.WithLabelValues(kind, result).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
