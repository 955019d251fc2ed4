package service

import (
	"context"
	"time"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/logger"
)

// Reaper periodically evicts sessions that stayed disconnected past the grace period
type Reaper struct {
	pairing  *PairingService
	interval time.Duration
}

// NewReaper creates a reaper sweeping every interval
func NewReaper(p *PairingService, interval time.Duration) *Reaper {
	return &Reaper{pairing: p, interval: interval}
}

// Run sweeps until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one eviction pass and returns the evicted session IDs
func (r *Reaper) Sweep() []string {
	evicted := r.pairing.Reap()
	for _, id := range evicted {
		logger.Session(id).Info("Session reaped")
	}
	return evicted
}
