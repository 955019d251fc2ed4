package service

import (
	"github.com/tomnoakes9/iRacing-Telemetry/internal/logger"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/metrics"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
)

// RelayService forwards telemetry between paired sessions. Delivery is best
// effort: nothing is buffered beyond the peer's send queue.
type RelayService struct {
	pairing *PairingService
	metrics *metrics.Relay
}

// NewRelayService creates a relay over the pairing state of p
func NewRelayService(p *PairingService) *RelayService {
	return &RelayService{pairing: p}
}

// SetMetrics sets the collector for relay events
func (r *RelayService) SetMetrics(m *metrics.Relay) {
	r.metrics = m
}

// Forward sends a normalized copy of sample to senderID's viewer.
// It reports whether the sample was queued; drops are never errors.
func (r *RelayService) Forward(senderID string, sample *model.Telemetry) bool {
	conn, reason := r.pairing.route(senderID)
	if conn == nil {
		r.drop(senderID, reason, sample)
		return false
	}
	if !conn.Send(model.TelemetryMessage(sample)) {
		r.drop(senderID, "queue_full", sample)
		return false
	}
	r.metrics.TelemetryForwarded()
	return true
}

func (r *RelayService) drop(senderID, reason string, sample *model.Telemetry) {
	r.metrics.TelemetryDropped(reason)
	entry := logger.Session(senderID).WithField("reason", reason)
	if sample != nil && len(sample.Gear) > 0 {
		entry = entry.WithField("gear", sample.Gear.String())
	}
	entry.Debug("Telemetry dropped")
}
