package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/idhash"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// RawEventStore implements storage.RawEventStore using ClickHouse.
// Tables are ReplacingMergeTree ordered by the natural key, so a re-sent row
// collapses into the existing one and reads use FINAL.
type RawEventStore struct {
	conn *Conn
}

// NewRawEventStore creates a new RawEventStore.
func NewRawEventStore(conn *Conn) *RawEventStore {
	return &RawEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.RawEventStore = (*RawEventStore)(nil)

// InsertTrades appends trades. Returns the number of distinct rows sent.
func (s *RawEventStore) InsertTrades(ctx context.Context, trades []domain.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	for _, t := range trades {
		if !t.Key().Valid() {
			return 0, storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO raw_trades (ts, venue, symbol, price, size, side, seq, received_at)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	seen := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		key := idhash.TradeKey(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		err = batch.Append(
			t.EventTime, string(t.Venue), t.Symbol,
			t.Price, t.Size, string(t.Side),
			t.Seq, nullableTime(t.ReceivedAt),
		)
		if err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}

	return len(seen), nil
}

// InsertBookTops appends snapshots. Returns the number of distinct rows sent.
func (s *RawEventStore) InsertBookTops(ctx context.Context, books []domain.BookTop) (int, error) {
	if len(books) == 0 {
		return 0, nil
	}
	for _, b := range books {
		if !b.Key().Valid() {
			return 0, storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO raw_book_l1 (ts, venue, symbol, bid_price, bid_size, ask_price, ask_size, seq, received_at)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	seen := make(map[string]struct{}, len(books))
	for _, b := range books {
		key := idhash.BookTopKey(b)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		// Pass nil values directly for Nullable columns
		err = batch.Append(
			b.EventTime, string(b.Venue), b.Symbol,
			nullableDecimal(b.BidPrice), nullableDecimal(b.BidSize),
			nullableDecimal(b.AskPrice), nullableDecimal(b.AskSize),
			b.Seq, nullableTime(b.ReceivedAt),
		)
		if err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}

	return len(seen), nil
}

// GetTradesByTimeRange retrieves trades with event time in [start, end] (inclusive).
func (s *RawEventStore) GetTradesByTimeRange(ctx context.Context, start, end time.Time) ([]domain.Trade, error) {
	query := `
		SELECT ts, venue, symbol, price, size, side, seq, received_at
		FROM raw_trades FINAL
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts ASC, venue ASC, symbol ASC, seq ASC
	`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query raw trades by time range: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			t           domain.Trade
			venue, side string
			receivedAt  *time.Time
		)
		if err := rows.Scan(&t.EventTime, &venue, &t.Symbol, &t.Price, &t.Size, &side, &t.Seq, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan raw trade row: %w", err)
		}
		t.Venue = domain.Venue(venue)
		t.Side = domain.Side(side)
		t.EventTime = t.EventTime.UTC()
		if receivedAt != nil {
			t.ReceivedAt = receivedAt.UTC()
		}
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw trade rows: %w", err)
	}

	return trades, nil
}

// GetBookTopsByTimeRange retrieves snapshots with event time in [start, end] (inclusive).
func (s *RawEventStore) GetBookTopsByTimeRange(ctx context.Context, start, end time.Time) ([]domain.BookTop, error) {
	query := `
		SELECT ts, venue, symbol, bid_price, bid_size, ask_price, ask_size, seq, received_at
		FROM raw_book_l1 FINAL
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts ASC, venue ASC, symbol ASC, seq ASC
	`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query raw book by time range: %w", err)
	}
	defer rows.Close()

	return scanBookTops(rows)
}

// scanBookTops scans multiple rows.
func scanBookTops(rows chRows) ([]domain.BookTop, error) {
	var books []domain.BookTop

	for rows.Next() {
		var (
			b                                    domain.BookTop
			venue                                string
			bidPrice, bidSize, askPrice, askSize *decimal.Decimal
			receivedAt                           *time.Time
		)
		err := rows.Scan(
			&b.EventTime, &venue, &b.Symbol,
			&bidPrice, &bidSize, &askPrice, &askSize,
			&b.Seq, &receivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan raw book row: %w", err)
		}

		b.Venue = domain.Venue(venue)
		b.EventTime = b.EventTime.UTC()
		b.BidPrice = fromNullable(bidPrice)
		b.BidSize = fromNullable(bidSize)
		b.AskPrice = fromNullable(askPrice)
		b.AskSize = fromNullable(askSize)
		if receivedAt != nil {
			b.ReceivedAt = receivedAt.UTC()
		}
		books = append(books, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw book rows: %w", err)
	}

	return books, nil
}

func nullableDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func fromNullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
