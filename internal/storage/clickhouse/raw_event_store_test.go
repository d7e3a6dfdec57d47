package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

func TestRawEventStore_TradesDeduplicated(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRawEventStore(conn)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 500_000_000, time.UTC)
	trade := domain.NewTrade(domain.VenueBinancePerps, "btcusdt", ts,
		dec("65000.5"), dec("0.010"), domain.SideBuy, 77, ts.Add(15*time.Millisecond))

	_, err := store.InsertTrades(ctx, []domain.Trade{trade})
	require.NoError(t, err)
	_, err = store.InsertTrades(ctx, []domain.Trade{trade})
	require.NoError(t, err)

	trades, err := store.GetTradesByTimeRange(ctx, ts.Add(-time.Second), ts.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, trades, 1, "FINAL read must collapse the re-sent row")

	assert.True(t, trade.Price.Equal(trades[0].Price))
	assert.True(t, trade.Size.Equal(trades[0].Size))
	assert.Equal(t, int64(77), trades[0].Seq)
	assert.True(t, trades[0].EventTime.Equal(ts))
}

func TestRawEventStore_BookTopsNullable(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRawEventStore(conn)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	books := []domain.BookTop{
		{EventTime: ts, Venue: domain.VenueHyperliquidPerps, Symbol: "btcusdt",
			AskPrice: domain.NullDecimal(dec("65001")), AskSize: domain.NullDecimal(dec("2.5"))},
	}

	n, err := store.InsertBookTops(ctx, append(books, books...))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetBookTopsByTimeRange(ctx, ts, ts)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].BidPrice.Valid)
	assert.True(t, got[0].AskPrice.Valid)
	assert.True(t, dec("2.5").Equal(got[0].AskSize.Decimal))
}

func TestRawEventStore_InvalidRowsRejectedBeforeBatch(t *testing.T) {
	// A zero Conn panics on PrepareBatch, so these calls must fail validation first.
	store := NewRawEventStore(&Conn{})
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	good := domain.NewTrade(domain.VenueBinancePerps, "btcusdt", ts, dec("1"), dec("1"), domain.SideBuy, 1, ts)
	bad := good
	bad.Symbol = ""

	_, err := store.InsertTrades(ctx, []domain.Trade{good, bad})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = store.InsertBookTops(ctx, []domain.BookTop{{EventTime: ts, Symbol: "btcusdt"}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
