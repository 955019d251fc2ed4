package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
)

const namespace = "relay"

// Relay holds the Prometheus collectors for the relay.
// A nil *Relay is valid and records nothing.
type Relay struct {
	telemetryForwarded prometheus.Counter
	telemetryDropped   *prometheus.CounterVec
	pairingsTotal      prometheus.Counter
	unpairingsTotal    prometheus.Counter
	reapedTotal        prometheus.Counter
	reconnectsTotal    prometheus.Counter
	errorsTotal        *prometheus.CounterVec
	registry           prometheus.Registerer
}

// New registers the relay counters on reg
func New(reg prometheus.Registerer) *Relay {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Relay{
		telemetryForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_forwarded_total",
			Help:      "Telemetry samples forwarded to a paired viewer",
		}),
		telemetryDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Telemetry samples dropped before delivery",
		}, []string{"reason"}),
		pairingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Pairings established",
		}),
		unpairingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unpairings_total",
			Help:      "Pairings broken by disconnect, takeover or eviction",
		}),
		reapedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions evicted by the reaper",
		}),
		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Sessions resumed within the grace period",
		}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported to clients, by kind",
		}, []string{"kind"}),
		registry: reg,
	}
}

// ObserveStats exposes live state as gauges read from stats on every scrape
func (m *Relay) ObserveStats(stats func() model.RelayStats) {
	if m == nil {
		return
	}
	gauge := func(name, help string, pick func(model.RelayStats) int) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) }))
	}
	gauge("connections", "Open websocket connections", func(s model.RelayStats) int { return s.Connections })
	gauge("sessions", "Registered sessions, including those in their grace period", func(s model.RelayStats) int { return s.Sessions })
	gauge("sessions_disconnected", "Sessions waiting out their grace period", func(s model.RelayStats) int { return s.Disconnected })
	gauge("active_codes", "Pairing codes currently claimed", func(s model.RelayStats) int { return s.ActiveCodes })
	gauge("pairings", "Active sharer/viewer pairings", func(s model.RelayStats) int { return s.Pairings })
}

func (m *Relay) TelemetryForwarded() {
	if m != nil {
		m.telemetryForwarded.Inc()
	}
}

func (m *Relay) TelemetryDropped(reason string) {
	if m != nil {
		m.telemetryDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Relay) Paired() {
	if m != nil {
		m.pairingsTotal.Inc()
	}
}

func (m *Relay) Unpaired() {
	if m != nil {
		m.unpairingsTotal.Inc()
	}
}

func (m *Relay) Reaped(n int) {
	if m != nil && n > 0 {
		m.reapedTotal.Add(float64(n))
	}
}

func (m *Relay) Reconnected() {
	if m != nil {
		m.reconnectsTotal.Inc()
	}
}

func (m *Relay) Error(kind string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(kind).Inc()
	}
}
