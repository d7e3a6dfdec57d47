package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// RawEventStore implements storage.RawEventStore using PostgreSQL.
type RawEventStore struct {
	pool *Pool
}

// NewRawEventStore creates a new RawEventStore.
func NewRawEventStore(pool *Pool) *RawEventStore {
	return &RawEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RawEventStore = (*RawEventStore)(nil)

const insertTradeSQL = `
	INSERT INTO raw_trades (ts, venue, symbol, price, size, side, seq, received_at)
	VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8)
	ON CONFLICT (venue, symbol, ts, seq) DO NOTHING
`

const insertBookTopSQL = `
	INSERT INTO raw_book_l1 (ts, venue, symbol, bid_price, bid_size, ask_price, ask_size, seq, received_at)
	VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9)
	ON CONFLICT (venue, symbol, ts, seq) DO NOTHING
`

// InsertTrades appends trades in one transaction. Existing natural keys are skipped.
func (s *RawEventStore) InsertTrades(ctx context.Context, trades []domain.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, t := range trades {
		if !t.Key().Valid() {
			return 0, storage.ErrInvalidInput
		}
		batch.Queue(insertTradeSQL,
			t.EventTime,
			string(t.Venue),
			t.Symbol,
			t.Price.String(),
			t.Size.String(),
			string(t.Side),
			t.Seq,
			nullTime(t.ReceivedAt),
		)
	}

	return s.execBatch(ctx, batch, "insert raw trade")
}

// InsertBookTops appends snapshots in one transaction. Existing natural keys are skipped.
func (s *RawEventStore) InsertBookTops(ctx context.Context, books []domain.BookTop) (int, error) {
	if len(books) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, b := range books {
		if !b.Key().Valid() {
			return 0, storage.ErrInvalidInput
		}
		batch.Queue(insertBookTopSQL,
			b.EventTime,
			string(b.Venue),
			b.Symbol,
			nullDecimalArg(b.BidPrice),
			nullDecimalArg(b.BidSize),
			nullDecimalArg(b.AskPrice),
			nullDecimalArg(b.AskSize),
			b.Seq,
			nullTime(b.ReceivedAt),
		)
	}

	return s.execBatch(ctx, batch, "insert raw book")
}

// execBatch sends a batch inside a transaction and sums affected rows.
func (s *RawEventStore) execBatch(ctx context.Context, batch *pgx.Batch, op string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("%s: close batch: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return inserted, nil
}

// GetTradesByTimeRange retrieves trades with event time in [start, end] (inclusive).
func (s *RawEventStore) GetTradesByTimeRange(ctx context.Context, start, end time.Time) ([]domain.Trade, error) {
	query := `
		SELECT ts, venue, symbol, price::text, size::text, side, seq, received_at
		FROM raw_trades
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts ASC, venue ASC, symbol ASC, seq ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get raw trades by time range: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetBookTopsByTimeRange retrieves snapshots with event time in [start, end] (inclusive).
func (s *RawEventStore) GetBookTopsByTimeRange(ctx context.Context, start, end time.Time) ([]domain.BookTop, error) {
	query := `
		SELECT ts, venue, symbol, bid_price::text, bid_size::text, ask_price::text, ask_size::text, seq, received_at
		FROM raw_book_l1
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts ASC, venue ASC, symbol ASC, seq ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get raw book by time range: %w", err)
	}
	defer rows.Close()

	return scanBookTops(rows)
}

// scanTrades scans multiple rows into a slice of Trade.
func scanTrades(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade

	for rows.Next() {
		var (
			t           domain.Trade
			venue, side string
			price, size string
			receivedAt  *time.Time
		)
		if err := rows.Scan(&t.EventTime, &venue, &t.Symbol, &price, &size, &side, &t.Seq, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan raw trade row: %w", err)
		}

		var err error
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		if t.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("parse trade size: %w", err)
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

// scanBookTops scans multiple rows into a slice of BookTop.
func scanBookTops(rows pgx.Rows) ([]domain.BookTop, error) {
	var books []domain.BookTop

	for rows.Next() {
		var (
			b                                    domain.BookTop
			venue                                string
			bidPrice, bidSize, askPrice, askSize *string
			receivedAt                           *time.Time
		)
		if err := rows.Scan(&b.EventTime, &venue, &b.Symbol, &bidPrice, &bidSize, &askPrice, &askSize, &b.Seq, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan raw book row: %w", err)
		}

		var err error
		if b.BidPrice, err = parseNullDecimal(bidPrice); err != nil {
			return nil, err
		}
		if b.BidSize, err = parseNullDecimal(bidSize); err != nil {
			return nil, err
		}
		if b.AskPrice, err = parseNullDecimal(askPrice); err != nil {
			return nil, err
		}
		if b.AskSize, err = parseNullDecimal(askSize); err != nil {
			return nil, err
		}
		b.Venue = domain.Venue(venue)
		b.EventTime = b.EventTime.UTC()
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

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
