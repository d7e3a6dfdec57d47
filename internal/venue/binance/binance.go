// Package binance implements the venue adapter for Binance USD-M futures
// combined streams.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/venue"
)

// DefaultURL is the combined-stream endpoint for USD-M futures.
const DefaultURL = "wss://fstream.binance.com/stream"

// Config configures the adapter.
type Config struct {
	URL              string
	SubscribeTimeout time.Duration
	Conn             *venue.ConnConfig
}

// DefaultConfig returns default adapter configuration.
func DefaultConfig() Config {
	return Config{
		URL:              DefaultURL,
		SubscribeTimeout: 10 * time.Second,
	}
}

// Adapter implements venue.Adapter for Binance.
type Adapter struct {
	config    Config
	link      venue.Link
	requestID atomic.Int64
}

var _ venue.Adapter = (*Adapter)(nil)

// New creates an adapter. A nil config uses DefaultConfig.
func New(config *Config) *Adapter {
	cfg := DefaultConfig()
	if config != nil {
		if config.URL != "" {
			cfg.URL = config.URL
		}
		if config.SubscribeTimeout > 0 {
			cfg.SubscribeTimeout = config.SubscribeTimeout
		}
		cfg.Conn = config.Conn
	}
	return &Adapter{config: cfg}
}

// Venue returns binance_perps.
func (a *Adapter) Venue() domain.Venue {
	return domain.VenueBinancePerps
}

// Connect dials the stream endpoint, replacing any previous connection.
func (a *Adapter) Connect(ctx context.Context) error {
	conn, err := venue.Dial(ctx, a.config.URL, a.config.Conn)
	if err != nil {
		return err
	}
	a.link.Set(conn)
	return nil
}

// Subscribe requests trade and bookTicker streams for symbols and waits for the ack.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return &venue.ProtocolError{Venue: a.Venue().String(), Reason: "no symbols to subscribe"}
	}

	conn, err := a.link.Get()
	if err != nil {
		return err
	}

	params := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		sym := domain.NormalizeSymbol(s)
		params = append(params, sym+"@trade", sym+"@bookTicker")
	}

	id := a.requestID.Add(1)
	if err := conn.WriteJSON(request{Method: "SUBSCRIBE", Params: params, ID: id}); err != nil {
		return err
	}

	return conn.Await(ctx, a.config.SubscribeTimeout, func(frame []byte) (bool, error) {
		var resp envelope
		if err := json.Unmarshal(frame, &resp); err != nil || resp.ID == nil || *resp.ID != id {
			return false, nil
		}
		if resp.Error != nil {
			return false, &venue.ProtocolError{
				Venue:  a.Venue().String(),
				Reason: fmt.Sprintf("subscribe rejected: code=%d msg=%s", resp.Error.Code, resp.Error.Msg),
			}
		}
		return true, nil
	})
}

// ReadMessage returns the next raw frame.
func (a *Adapter) ReadMessage(ctx context.Context) ([]byte, error) {
	conn, err := a.link.Get()
	if err != nil {
		return nil, err
	}
	return conn.Read(ctx)
}

// Keepalive sends LIST_SUBSCRIPTIONS. Its reply parses as a heartbeat.
func (a *Adapter) Keepalive(ctx context.Context) error {
	conn, err := a.link.Get()
	if err != nil {
		return err
	}
	return conn.WriteJSON(request{Method: "LIST_SUBSCRIPTIONS", ID: a.requestID.Add(1)})
}

// Close closes the current connection.
func (a *Adapter) Close() error {
	return a.link.Close()
}

// ParseMessage converts one frame. It never panics.
func (a *Adapter) ParseMessage(raw []byte, receivedAt time.Time) venue.Message {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return venue.Unrecognized("%v: %v", venue.ErrMalformedMessage, err)
	}

	// Replies to requests carry an id
	if env.ID != nil {
		if env.Error != nil {
			return venue.Unrecognized("error reply id=%d: %s", *env.ID, env.Error.Msg)
		}
		return venue.Heartbeat()
	}

	payload := []byte(env.Data)
	if len(payload) == 0 {
		payload = raw
	}

	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return venue.Unrecognized("%v: %v", venue.ErrMalformedMessage, err)
	}

	stream := strings.ToLower(env.Stream)
	switch {
	case ev.Type == "trade":
		return a.parseTrade(&ev, stream, receivedAt)
	case ev.Type == "bookTicker", ev.Type == "" && strings.HasSuffix(stream, "@bookticker"):
		return a.parseBookTicker(&ev, stream, receivedAt)
	default:
		return venue.Unrecognized("unknown event type %q on stream %q", ev.Type, env.Stream)
	}
}

func (a *Adapter) parseTrade(ev *event, stream string, receivedAt time.Time) venue.Message {
	symbol := symbolOf(ev.Symbol, stream)
	if symbol == "" {
		return venue.Unrecognized("%v: trade without symbol", venue.ErrMalformedMessage)
	}

	price, err := decimal.NewFromString(ev.Price)
	if err != nil || !price.IsPositive() {
		return venue.Unrecognized("%v: trade price %q", venue.ErrMalformedMessage, ev.Price)
	}
	size, err := decimal.NewFromString(ev.Qty)
	if err != nil || size.IsNegative() {
		return venue.Unrecognized("%v: trade qty %q", venue.ErrMalformedMessage, ev.Qty)
	}

	ts := ev.TradeTime
	if ts == 0 {
		ts = ev.EventTime
	}
	if ts <= 0 {
		return venue.Unrecognized("%v: trade without timestamp", venue.ErrMalformedMessage)
	}

	// m=true: buyer is the maker, so the aggressor sold
	side := domain.SideBuy
	if ev.BuyerMaker {
		side = domain.SideSell
	}

	trade := domain.NewTrade(a.Venue(), symbol, domain.FromUnixMillis(ts), price, size, side, ev.TradeID, receivedAt)
	return venue.Message{Kind: venue.KindTrade, Trades: []domain.Trade{trade}}
}

func (a *Adapter) parseBookTicker(ev *event, stream string, receivedAt time.Time) venue.Message {
	symbol := symbolOf(ev.Symbol, stream)
	if symbol == "" {
		return venue.Unrecognized("%v: bookTicker without symbol", venue.ErrMalformedMessage)
	}

	var fields [4]decimal.NullDecimal
	for i, s := range []string{ev.BidPrice, ev.BidQty, ev.AskPrice, ev.AskQty} {
		v, err := domain.ParseNullDecimal(s)
		if err != nil {
			return venue.Unrecognized("%v: bookTicker field %q", venue.ErrMalformedMessage, s)
		}
		fields[i] = v
	}
	if !fields[0].Valid && !fields[2].Valid {
		return venue.Unrecognized("%v: bookTicker without prices", venue.ErrMalformedMessage)
	}

	ts := ev.EventTime
	if ts == 0 {
		ts = ev.TradeTime
	}
	if ts <= 0 {
		return venue.Unrecognized("%v: bookTicker without timestamp", venue.ErrMalformedMessage)
	}

	book := &domain.BookTop{
		EventTime:  domain.FromUnixMillis(ts),
		Venue:      a.Venue(),
		Symbol:     domain.NormalizeSymbol(symbol),
		BidPrice:   fields[0],
		BidSize:    fields[1],
		AskPrice:   fields[2],
		AskSize:    fields[3],
		Seq:        ev.UpdateID,
		ReceivedAt: domain.TruncateMillis(receivedAt),
	}
	return venue.Message{Kind: venue.KindBookTop, Book: book}
}

// symbolOf prefers the payload symbol and falls back to the stream name prefix.
func symbolOf(symbol, stream string) string {
	if symbol != "" {
		return domain.NormalizeSymbol(symbol)
	}
	if i := strings.IndexByte(stream, '@'); i > 0 {
		return domain.NormalizeSymbol(stream[:i])
	}
	return ""
}
