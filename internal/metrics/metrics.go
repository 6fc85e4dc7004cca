// Package metrics holds the Prometheus collectors reported by the bus, the
// entity cache and the stream dispatchers. A nil *Metrics is valid and
// records nothing, so tests can construct components without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "changefeed"

// Metrics is the set of collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	listenerErrors *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	subscribers    *prometheus.GaugeVec
	deliveries     *prometheus.CounterVec
	counterOps     *prometheus.CounterVec
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Activity events published on the bus.",
		}, []string{"entity_type", "action"}),
		listenerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "listener_errors_total",
			Help:      "Listener invocations that returned an error or panicked.",
		}, []string{"listener"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Entity cache lookups by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entity cache entries evicted by capacity or age (not invalidation).",
		}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Live subscribers per stream.",
		}, []string{"stream"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "deliveries_total",
			Help:      "Messages written to subscriber sinks by result.",
		}, []string{"stream", "result"}),
		counterOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "counters",
			Name:      "operations_total",
			Help:      "Counter store operations by kind and outcome.",
		}, []string{"op", "outcome"}),
	}
	m.registry.MustRegister(
		m.events,
		m.listenerErrors,
		m.cacheLookups,
		m.cacheEvictions,
		m.subscribers,
		m.deliveries,
		m.counterOps,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventPublished(entityType, action string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(entityType, action).Inc()
}

func (m *Metrics) ListenerFailed(listener string) {
	if m == nil {
		return
	}
	m.listenerErrors.WithLabelValues(listener).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheEvicted() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

func (m *Metrics) SetSubscribers(stream string, n int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(stream).Set(float64(n))
}

func (m *Metrics) Delivered(stream string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.deliveries.WithLabelValues(stream, result).Inc()
}

func (m *Metrics) CounterOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.counterOps.WithLabelValues(op, outcome).Inc()
}
