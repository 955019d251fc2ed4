package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
)

// StatsCache exports live relay counters to Redis, one hash per instance.
// Only counters are written; telemetry and pairing history never leave the process.
type StatsCache interface {
	Publish(ctx context.Context, instanceID string, stats model.RelayStats, ttl time.Duration) error
	Delete(ctx context.Context, instanceID string) error
}

type statsCache struct {
	client *redis.Client
}

// NewStatsCache creates a new stats cache
func NewStatsCache(client *redis.Client) StatsCache {
	return &statsCache{client: client}
}

func (c *statsCache) key(instanceID string) string {
	return fmt.Sprintf("relay:stats:%s", instanceID)
}

func (c *statsCache) Publish(ctx context.Context, instanceID string, stats model.RelayStats, ttl time.Duration) error {
	key := c.key(instanceID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"connections":  stats.Connections,
		"sessions":     stats.Sessions,
		"disconnected": stats.Disconnected,
		"active_codes": stats.ActiveCodes,
		"pairings":     stats.Pairings,
		"updated_at":   time.Now().Unix(),
	})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *statsCache) Delete(ctx context.Context, instanceID string) error {
	return c.client.Del(ctx, c.key(instanceID)).Err()
}
