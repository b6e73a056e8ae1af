package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/perpflow/scanner/internal/model"
)

const (
	rankingsKeyPrefix  = "perpflow:rankings:"
	snapshotsKeyPrefix = "perpflow:snapshots:"

	// cacheOpTimeout keeps cache writes from ever stalling a cycle.
	cacheOpTimeout = 500 * time.Millisecond
)

// Cache mirrors the latest cycle output into redis with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewCache creates a redis-backed cache. A zero TTL defaults to 60s.
func NewCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "cache").Logger(),
	}
}

// CacheRankings stores the latest frame for a profile.
func (c *Cache) CacheRankings(ctx context.Context, frame model.RankingFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	key := rankingsKeyPrefix + frame.Profile
	if err := c.client.Set(opCtx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache rankings %s: %w", frame.Profile, err)
	}
	return nil
}

// LatestRankings returns the cached frame for a profile, or nil on miss.
func (c *Cache) LatestRankings(ctx context.Context, profile string) (*model.RankingFrame, error) {
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	data, err := c.client.Get(opCtx, rankingsKeyPrefix+profile).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rankings %s: %w", profile, err)
	}
	var frame model.RankingFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode rankings %s: %w", profile, err)
	}
	return &frame, nil
}

// CacheSnapshots stores the full per-symbol snapshot set for a cycle.
func (c *Cache) CacheSnapshots(ctx context.Context, exchangeName string, snaps []*model.Snapshot) error {
	data, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	key := snapshotsKeyPrefix + exchangeName
	if err := c.client.Set(opCtx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache snapshots %s: %w", exchangeName, err)
	}
	return nil
}

// Health checks connectivity.
func (c *Cache) Health(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return c.client.Ping(opCtx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
