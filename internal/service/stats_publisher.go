package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/cache"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/logger"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
)

// ConnectionCounter reports how many transport connections are open
type ConnectionCounter interface {
	Count() int
}

// CollectStats merges pairing state with the open connection count
func CollectStats(p *PairingService, conns ConnectionCounter) model.RelayStats {
	stats := p.Stats()
	if conns != nil {
		stats.Connections = conns.Count()
	}
	return stats
}

// StatsPublisher pushes relay stats to a StatsCache on a fixed interval
type StatsPublisher struct {
	cache      cache.StatsCache
	pairing    *PairingService
	conns      ConnectionCounter
	instanceID string
	interval   time.Duration
}

// NewStatsPublisher creates a new stats publisher
func NewStatsPublisher(c cache.StatsCache, p *PairingService, conns ConnectionCounter, instanceID string, interval time.Duration) *StatsPublisher {
	return &StatsPublisher{
		cache:      c,
		pairing:    p,
		conns:      conns,
		instanceID: instanceID,
		interval:   interval,
	}
}

// Run publishes until ctx is cancelled, then removes this instance's entry
func (p *StatsPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Publish(ctx)
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.cache.Delete(cleanupCtx, p.instanceID); err != nil {
				logger.Logger.WithError(err).Warn("Failed to remove stats entry")
			}
			cancel()
			return
		case <-ticker.C:
			p.Publish(ctx)
		}
	}
}

// Publish writes one snapshot. The entry expires if the instance stops publishing.
func (p *StatsPublisher) Publish(ctx context.Context) {
	stats := CollectStats(p.pairing, p.conns)
	if err := p.cache.Publish(ctx, p.instanceID, stats, 2*p.interval); err != nil {
		logger.Logger.WithError(err).WithFields(logrus.Fields{"instance": p.instanceID}).Error("Failed to publish stats")
	}
}
