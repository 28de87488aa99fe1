package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "greenscreen"

// Metrics holds the relay collectors. Each instance owns its own registry so
// several can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	// Bus
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	Deliveries      prometheus.Counter
	Evictions       prometheus.Counter

	// Registry
	ActiveRooms         prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge

	// Trackers
	Signals        *prometheus.CounterVec
	ActiveTrackers prometheus.Gauge

	// Websocket sessions
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	HandshakeErrors prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to the bus by kind",
		}, []string{"kind"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Published events that reached no subscriber",
		}),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Events enqueued into subscriber queues",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Subscriptions removed after a failed enqueue",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms present in the registry",
		}),
		ActiveSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live subscriptions across all rooms",
		}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Voice signals handled by trackers by type",
		}, []string{"type"}),
		ActiveTrackers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trackers",
			Help:      "Rooms with a joined activity tracker",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Websocket sessions started",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Websocket sessions ended by reason",
		}, []string{"reason"}),
		HandshakeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Rejected websocket handshakes",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
