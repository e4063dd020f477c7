package server

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each instance owns its own
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Sessions       prometheus.Gauge
	Rooms          prometheus.Gauge
	Broadcasts     prometheus.Counter
	Deliveries     prometheus.Counter
	DeliveryErrors *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_sessions",
			Help: "Number of connected sessions",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_rooms",
			Help: "Number of rooms with at least one member",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_broadcasts_total",
			Help: "Total number of chat messages fanned out to a room",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_deliveries_total",
			Help: "Total number of messages queued to room members",
		}),
		DeliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_delivery_errors_total",
			Help: "Total number of failed deliveries by reason",
		}, []string{"reason"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_rejected_events_total",
			Help: "Total number of inbound events rejected by code",
		}, []string{"code"}),
	}

	m.registry.MustRegister(
		m.Sessions,
		m.Rooms,
		m.Broadcasts,
		m.Deliveries,
		m.DeliveryErrors,
		m.Rejected,
	)
	return m
}

// Handler exposes the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) deliveryFailed(err error) {
	if m == nil {
		return
	}
	reason := "transport_closed"
	if errors.Is(err, ErrSlowConsumer) {
		reason = "slow_consumer"
	}
	m.DeliveryErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) rejected(code string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(code).Inc()
}
