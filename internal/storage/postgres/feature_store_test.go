package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

func TestFeatureStore_InsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewFeatureStore(pool)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := &domain.FeatureWindow{
		WindowStart: start,
		WindowEnd:   start.Add(time.Minute),
		Venue:       domain.VenueBinancePerps,
		Symbol:      "btcusdt",
		SpreadBps:   ptr(132.67),
		DepthBid:    ptr(1.0),
		DepthAsk:    ptr(1.3333),
		Imbalance:   nil,
		FreshnessMs: 85,
		SampleCount: 3,
		Partial:     true,
	}

	require.NoError(t, store.InsertFeature(ctx, w))

	got, err := store.GetFeature(ctx, w.Venue, w.Symbol, start)
	require.NoError(t, err)

	assert.True(t, got.WindowStart.Equal(start))
	assert.True(t, got.WindowEnd.Equal(start.Add(time.Minute)))
	assert.InDelta(t, *w.SpreadBps, *got.SpreadBps, 1e-9)
	assert.InDelta(t, *w.DepthAsk, *got.DepthAsk, 1e-9)
	assert.Nil(t, got.Imbalance)
	assert.Equal(t, int64(85), got.FreshnessMs)
	assert.Equal(t, int64(3), got.SampleCount)
	assert.True(t, got.Partial)
	assert.False(t, got.ClockSkew)
}

func TestFeatureStore_InsertDuplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewFeatureStore(pool)

	start := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	w := &domain.FeatureWindow{WindowStart: start, Venue: domain.VenueBinancePerps, Symbol: "btcusdt", SampleCount: 1}

	require.NoError(t, store.InsertFeature(ctx, w))

	err := store.InsertFeature(ctx, w)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestFeatureStore_GetNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewFeatureStore(pool)

	_, err := store.GetFeature(context.Background(), domain.VenueBinancePerps, "btcusdt", time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFeatureStore_GetByTimeRange(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewFeatureStore(pool)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, sym := range []string{"ethusdt", "btcusdt"} {
		for m := 0; m < 3; m++ {
			w := &domain.FeatureWindow{
				WindowStart: start.Add(time.Duration(m) * time.Minute),
				Venue:       domain.VenueHyperliquidPerps,
				Symbol:      sym,
				SampleCount: int64(i + m),
			}
			require.NoError(t, store.InsertFeature(ctx, w))
		}
	}

	got, err := store.GetFeaturesByTimeRange(ctx, start, start.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 4)

	// Ordered by (ts, venue, symbol)
	assert.Equal(t, "btcusdt", got[0].Symbol)
	assert.Equal(t, "ethusdt", got[1].Symbol)
	assert.True(t, got[2].WindowStart.Equal(start.Add(time.Minute)))
}
