// Package metrics exposes relay activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// Collector implements relay.Observer on top of Prometheus metrics.
// Each Collector owns its registry so several relays (or tests) can
// coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	envelopesRelayed  *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	envelopesDropped  *prometheus.CounterVec
	duplicateRejected prometheus.Counter
	controllerChanges prometheus.Counter
	connections       prometheus.Gauge
	controllerElected prometheus.Gauge
}

// NewCollector creates and registers the relay collectors.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.envelopesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_envelopes_relayed_total",
			Help: "Envelopes routed by the relay, by type",
		},
		[]string{"type"},
	)

	c.deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_deliveries_total",
			Help: "Per-connection deliveries, by envelope type",
		},
		[]string{"type"},
	)

	c.envelopesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_envelopes_dropped_total",
			Help: "Envelopes or deliveries the relay dropped, by type and reason",
		},
		[]string{"type", "reason"},
	)

	c.duplicateRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deskrelay_duplicate_identity_rejections_total",
		Help: "Connections dropped for claiming an identity already in use",
	})

	c.controllerChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deskrelay_controller_changes_total",
		Help: "ControllerChanged broadcasts",
	})

	c.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskrelay_connections",
		Help: "Live client connections",
	})

	c.controllerElected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskrelay_controller_elected",
		Help: "1 when a controller is elected, 0 otherwise",
	})

	c.registry.MustRegister(
		c.envelopesRelayed,
		c.deliveries,
		c.envelopesDropped,
		c.duplicateRejected,
		c.controllerChanges,
		c.connections,
		c.controllerElected,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Relayed(t protocol.MessageType, recipients int) {
	c.envelopesRelayed.WithLabelValues(string(t)).Inc()
	c.deliveries.WithLabelValues(string(t)).Add(float64(recipients))
}

func (c *Collector) Dropped(t protocol.MessageType, reason string) {
	c.envelopesDropped.WithLabelValues(string(t), reason).Inc()
}

func (c *Collector) DuplicateRejected(string) {
	c.duplicateRejected.Inc()
}

func (c *Collector) ControllerChanged(identity string) {
	c.controllerChanges.Inc()
	if identity == "" {
		c.controllerElected.Set(0)
	} else {
		c.controllerElected.Set(1)
	}
}

func (c *Collector) ConnectionsChanged(n int) {
	c.connections.Set(float64(n))
}
