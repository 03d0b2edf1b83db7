package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradepilot/engine/internal/models"
)

const (
	strategyStatsKey = "engine:strategy_stats"
	summarySentKey   = "engine:daily_summary_sent"

	strategyStatsTTL = 5 * time.Minute
	summarySentTTL   = 48 * time.Hour
)

// PerformanceCache keeps hot analysis results in Redis so repeated cycles and
// the status API do not hammer the database. Cache misses are not errors;
// callers fall through to the store.
type PerformanceCache struct {
	client *redis.Client
}

func NewPerformanceCache(client *redis.Client) *PerformanceCache {
	return &PerformanceCache{client: client}
}

// GetStrategyStats returns the cached per-strategy aggregates, or (nil, nil)
// on a miss.
func (c *PerformanceCache) GetStrategyStats(ctx context.Context) ([]models.StrategyStats, error) {
	data, err := c.client.Get(ctx, strategyStatsKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached strategy stats: %w", err)
	}

	var stats []models.StrategyStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("failed to decode cached strategy stats: %w", err)
	}

	return stats, nil
}

// SetStrategyStats stores the per-strategy aggregates with a short TTL.
func (c *PerformanceCache) SetStrategyStats(ctx context.Context, stats []models.StrategyStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode strategy stats: %w", err)
	}

	if err := c.client.Set(ctx, strategyStatsKey, data, strategyStatsTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache strategy stats: %w", err)
	}

	return nil
}

// SummarySentOn reports whether the daily summary marker is set for the day.
// This is the fast path; the improvement_events table remains the durable
// guard when the marker expired or Redis restarted.
func (c *PerformanceCache) SummarySentOn(ctx context.Context, day time.Time) (bool, error) {
	n, err := c.client.Exists(ctx, summaryKey(day)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check summary marker: %w", err)
	}

	return n > 0, nil
}

// MarkSummarySent sets the daily summary marker.
func (c *PerformanceCache) MarkSummarySent(ctx context.Context, day time.Time) error {
	if err := c.client.Set(ctx, summaryKey(day), "1", summarySentTTL).Err(); err != nil {
		return fmt.Errorf("failed to set summary marker: %w", err)
	}

	return nil
}

func summaryKey(day time.Time) string {
	return fmt.Sprintf("%s:%s", summarySentKey, day.Format("2006-01-02"))
}
