package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpflow/scanner/internal/model"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCache(client, ttl, zerolog.Nop()), mr
}

func TestCacheRankingsRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)

	frame := model.RankingFrame{
		TS:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Profile: "scalp",
		Items: []model.RankedItem{
			{Rank: 1, Snapshot: model.Snapshot{Symbol: "BTCUSDT", Score: 42.5}},
		},
	}
	require.NoError(t, cache.CacheRankings(context.Background(), frame))

	got, err := cache.LatestRankings(context.Background(), "scalp")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "scalp", got.Profile)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "BTCUSDT", got.Items[0].Snapshot.Symbol)
	assert.Equal(t, 42.5, got.Items[0].Snapshot.Score)
}

func TestCacheRankingsMiss(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)

	got, err := cache.LatestRankings(context.Background(), "swing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheRankingsExpiry(t *testing.T) {
	cache, mr := newTestCache(t, 30*time.Second)

	frame := model.RankingFrame{TS: time.Now().UTC(), Profile: "news"}
	require.NoError(t, cache.CacheRankings(context.Background(), frame))

	ttl := mr.TTL(rankingsKeyPrefix + "news")
	assert.Equal(t, 30*time.Second, ttl)

	mr.FastForward(time.Minute)
	got, err := cache.LatestRankings(context.Background(), "news")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheSnapshots(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)

	snaps := []*model.Snapshot{
		{Symbol: "BTCUSDT", QuoteVolumeUSDT: 9e7},
		{Symbol: "ETHUSDT", QuoteVolumeUSDT: 5e7},
	}
	require.NoError(t, cache.CacheSnapshots(context.Background(), "binance", snaps))
	assert.True(t, mr.Exists(snapshotsKeyPrefix+"binance"))
}

func TestCacheHealth(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	require.NoError(t, cache.Health(context.Background()))

	mr.Close()
	assert.Error(t, cache.Health(context.Background()))
}
