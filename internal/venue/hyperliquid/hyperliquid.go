// Package hyperliquid implements the venue adapter for Hyperliquid perps.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/venue"
)

// DefaultURL is the public websocket endpoint.
const DefaultURL = "wss://api.hyperliquid.xyz/ws"

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

// Adapter implements venue.Adapter for Hyperliquid.
type Adapter struct {
	config Config
	link   venue.Link
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

// Venue returns hyperliquid_perps.
func (a *Adapter) Venue() domain.Venue {
	return domain.VenueHyperliquidPerps
}

// Connect dials the endpoint, replacing any previous connection.
func (a *Adapter) Connect(ctx context.Context) error {
	conn, err := venue.Dial(ctx, a.config.URL, a.config.Conn)
	if err != nil {
		return err
	}
	a.link.Set(conn)
	return nil
}

// Subscribe requests trades and l2Book for each coin and waits for every ack.
// Symbols may be coins ("BTC") or canonical symbols ("btcusdt").
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return &venue.ProtocolError{Venue: a.Venue().String(), Reason: "no symbols to subscribe"}
	}

	conn, err := a.link.Get()
	if err != nil {
		return err
	}

	for _, s := range symbols {
		coin := CoinOf(s)
		for _, typ := range []string{"trades", "l2Book"} {
			req := request{Method: "subscribe", Subscription: &subscription{Type: typ, Coin: coin}}
			if err := conn.WriteJSON(req); err != nil {
				return err
			}
		}
	}

	want := 2 * len(symbols)
	acked := 0
	return conn.Await(ctx, a.config.SubscribeTimeout, func(frame []byte) (bool, error) {
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			return false, nil
		}
		switch env.Channel {
		case "subscriptionResponse":
			acked++
			return acked >= want, nil
		case "error":
			return false, &venue.ProtocolError{
				Venue:  a.Venue().String(),
				Reason: fmt.Sprintf("subscribe rejected: %s", strings.Trim(string(env.Data), `"`)),
			}
		default:
			return false, nil
		}
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

// Keepalive sends an application ping. The pong parses as a heartbeat.
func (a *Adapter) Keepalive(ctx context.Context) error {
	conn, err := a.link.Get()
	if err != nil {
		return err
	}
	return conn.WriteJSON(request{Method: "ping"})
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

	switch env.Channel {
	case "pong", "subscriptionResponse":
		return venue.Heartbeat()
	case "trades":
		return a.parseTrades(env.Data, receivedAt)
	case "l2Book":
		return a.parseBook(env.Data, receivedAt)
	case "error":
		return venue.Unrecognized("venue error: %s", strings.Trim(string(env.Data), `"`))
	default:
		return venue.Unrecognized("unknown channel %q", env.Channel)
	}
}

func (a *Adapter) parseTrades(data json.RawMessage, receivedAt time.Time) venue.Message {
	var raw []wsTrade
	if err := json.Unmarshal(data, &raw); err != nil {
		// Some deployments wrap the list as {"coin":..,"trades":[..]}
		var wrapped wsTradesWrap
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return venue.Unrecognized("%v: trades: %v", venue.ErrMalformedMessage, err)
		}
		raw = wrapped.Trades
		for i := range raw {
			if raw[i].Coin == "" {
				raw[i].Coin = wrapped.Coin
			}
		}
	}
	if len(raw) == 0 {
		return venue.Unrecognized("empty trades batch")
	}

	trades := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		symbol := SymbolOf(t.Coin)
		if symbol == "" {
			return venue.Unrecognized("%v: trade coin %q", venue.ErrMalformedMessage, t.Coin)
		}
		price, err := decimal.NewFromString(t.Px)
		if err != nil || !price.IsPositive() {
			return venue.Unrecognized("%v: trade px %q", venue.ErrMalformedMessage, t.Px)
		}
		size, err := decimal.NewFromString(t.Sz)
		if err != nil || size.IsNegative() {
			return venue.Unrecognized("%v: trade sz %q", venue.ErrMalformedMessage, t.Sz)
		}
		if t.Time <= 0 {
			return venue.Unrecognized("%v: trade without time", venue.ErrMalformedMessage)
		}
		side := domain.ParseSide(t.Side)
		if side == domain.SideUnknown {
			return venue.Unrecognized("%v: trade side %q", venue.ErrMalformedMessage, t.Side)
		}
		trades = append(trades, domain.NewTrade(a.Venue(), symbol, domain.FromUnixMillis(t.Time), price, size, side, t.Tid, receivedAt))
	}

	return venue.Message{Kind: venue.KindTrade, Trades: trades}
}

func (a *Adapter) parseBook(data json.RawMessage, receivedAt time.Time) venue.Message {
	var book wsBook
	if err := json.Unmarshal(data, &book); err != nil {
		return venue.Unrecognized("%v: l2Book: %v", venue.ErrMalformedMessage, err)
	}
	symbol := SymbolOf(book.Coin)
	if symbol == "" || book.Time <= 0 {
		return venue.Unrecognized("%v: l2Book without coin or time", venue.ErrMalformedMessage)
	}
	if len(book.Levels) != 2 {
		return venue.Unrecognized("%v: l2Book has %d sides", venue.ErrMalformedMessage, len(book.Levels))
	}

	bidPx, bidSz, err := bestLevel(book.Levels[0], func(px, best decimal.Decimal) bool { return px.GreaterThan(best) })
	if err != nil {
		return venue.Unrecognized("%v: l2Book bids: %v", venue.ErrMalformedMessage, err)
	}
	askPx, askSz, err := bestLevel(book.Levels[1], func(px, best decimal.Decimal) bool { return px.LessThan(best) })
	if err != nil {
		return venue.Unrecognized("%v: l2Book asks: %v", venue.ErrMalformedMessage, err)
	}
	if !bidPx.Valid && !askPx.Valid {
		return venue.Unrecognized("%v: l2Book empty on both sides", venue.ErrMalformedMessage)
	}

	top := &domain.BookTop{
		EventTime:  domain.FromUnixMillis(book.Time),
		Venue:      a.Venue(),
		Symbol:     symbol,
		BidPrice:   bidPx,
		BidSize:    bidSz,
		AskPrice:   askPx,
		AskSize:    askSz,
		ReceivedAt: domain.TruncateMillis(receivedAt),
	}
	return venue.Message{Kind: venue.KindBookTop, Book: top}
}

// bestLevel returns the level whose price wins under better.
// Levels are not assumed to be sorted.
func bestLevel(levels []wsLevel, better func(px, best decimal.Decimal) bool) (decimal.NullDecimal, decimal.NullDecimal, error) {
	var bestPx, bestSz decimal.NullDecimal
	for _, l := range levels {
		px, err := decimal.NewFromString(l.Px)
		if err != nil {
			return decimal.NullDecimal{}, decimal.NullDecimal{}, fmt.Errorf("px %q", l.Px)
		}
		sz, err := decimal.NewFromString(l.Sz)
		if err != nil {
			return decimal.NullDecimal{}, decimal.NullDecimal{}, fmt.Errorf("sz %q", l.Sz)
		}
		if !bestPx.Valid || better(px, bestPx.Decimal) {
			bestPx = domain.NullDecimal(px)
			bestSz = domain.NullDecimal(sz)
		}
	}
	return bestPx, bestSz, nil
}

// SymbolOf maps a coin to the canonical symbol, e.g. "BTC" to "btcusdt".
func SymbolOf(coin string) string {
	c := domain.NormalizeSymbol(coin)
	if c == "" || strings.HasSuffix(c, "usdt") {
		return c
	}
	return c + "usdt"
}

// CoinOf maps a configured symbol to the venue coin, e.g. "btcusdt" to "BTC".
func CoinOf(symbol string) string {
	return strings.ToUpper(strings.TrimSuffix(domain.NormalizeSymbol(symbol), "usdt"))
}
