package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/venue"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var receivedAt = time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)

func TestParseMessage_TradesBatch(t *testing.T) {
	a := New(nil)
	raw := `{"channel":"trades","data":[
		{"coin":"BTC","side":"B","px":"42000.5","sz":"0.1","time":1704067200100,"hash":"0xabc","tid":11},
		{"coin":"BTC","side":"A","px":"42000.0","sz":"0.25","time":1704067200101,"hash":"0xdef","tid":12}
	]}`

	msg := a.ParseMessage([]byte(raw), receivedAt)

	require.Equal(t, venue.KindTrade, msg.Kind, msg.Reason)
	require.Len(t, msg.Trades, 2)

	first := msg.Trades[0]
	assert.Equal(t, domain.VenueHyperliquidPerps, first.Venue)
	assert.Equal(t, "btcusdt", first.Symbol)
	assert.Equal(t, domain.SideBuy, first.Side)
	assert.Equal(t, int64(11), first.Seq)
	assert.True(t, first.Price.Equal(decimal.RequireFromString("42000.5")))

	assert.Equal(t, domain.SideSell, msg.Trades[1].Side)
	assert.Equal(t, time.UnixMilli(1704067200101).UTC(), msg.Trades[1].EventTime)
}

func TestParseMessage_WrappedTrades(t *testing.T) {
	a := New(nil)
	raw := `{"channel":"trades","data":{"coin":"ETH","trades":[{"side":"A","px":"2300","sz":"1","time":1704067200000,"tid":5}]}}`

	msg := a.ParseMessage([]byte(raw), receivedAt)

	require.Equal(t, venue.KindTrade, msg.Kind, msg.Reason)
	assert.Equal(t, "ethusdt", msg.Trades[0].Symbol)
}

func TestParseMessage_L2BookReducedToTop(t *testing.T) {
	a := New(nil)
	raw := `{"channel":"l2Book","data":{"coin":"ETH","time":1704067200500,"levels":[
		[{"px":"2299.5","sz":"4","n":2},{"px":"2300.0","sz":"1.5","n":1},{"px":"2298","sz":"10","n":3}],
		[{"px":"2300.5","sz":"2","n":1},{"px":"2300.2","sz":"0.7","n":1}]
	]}}`

	msg := a.ParseMessage([]byte(raw), receivedAt)

	require.Equal(t, venue.KindBookTop, msg.Kind, msg.Reason)
	b := msg.Book
	assert.Equal(t, "ethusdt", b.Symbol)
	assert.True(t, b.BidPrice.Decimal.Equal(decimal.RequireFromString("2300")))
	assert.True(t, b.BidSize.Decimal.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, b.AskPrice.Decimal.Equal(decimal.RequireFromString("2300.2")))
	assert.True(t, b.AskSize.Decimal.Equal(decimal.RequireFromString("0.7")))
	assert.Equal(t, time.UnixMilli(1704067200500).UTC(), b.EventTime)
}

func TestParseMessage_OneSidedBook(t *testing.T) {
	a := New(nil)
	raw := `{"channel":"l2Book","data":{"coin":"BTC","time":1704067200500,"levels":[[],[{"px":"42001","sz":"3","n":1}]]}}`

	msg := a.ParseMessage([]byte(raw), receivedAt)

	require.Equal(t, venue.KindBookTop, msg.Kind, msg.Reason)
	assert.False(t, msg.Book.HasBid())
	assert.True(t, msg.Book.HasAsk())
}

func TestParseMessage_Heartbeats(t *testing.T) {
	a := New(nil)

	assert.Equal(t, venue.KindHeartbeat, a.ParseMessage([]byte(`{"channel":"pong"}`), receivedAt).Kind)
	assert.Equal(t, venue.KindHeartbeat, a.ParseMessage([]byte(`{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`), receivedAt).Kind)
}

func TestParseMessage_Malformed(t *testing.T) {
	a := New(nil)

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `[1,2`},
		{"unknown channel", `{"channel":"candle","data":{}}`},
		{"venue error", `{"channel":"error","data":"Invalid subscription"}`},
		{"empty batch", `{"channel":"trades","data":[]}`},
		{"bad px", `{"channel":"trades","data":[{"coin":"BTC","side":"B","px":"x","sz":"1","time":1,"tid":1}]}`},
		{"bad side", `{"channel":"trades","data":[{"coin":"BTC","side":"Z","px":"1","sz":"1","time":1,"tid":1}]}`},
		{"one bad entry poisons batch", `{"channel":"trades","data":[{"coin":"BTC","side":"B","px":"1","sz":"1","time":1,"tid":1},{"coin":"BTC","side":"B","px":"1","sz":"1","time":0,"tid":2}]}`},
		{"book wrong sides", `{"channel":"l2Book","data":{"coin":"BTC","time":1,"levels":[[]]}}`},
		{"book empty", `{"channel":"l2Book","data":{"coin":"BTC","time":1,"levels":[[],[]]}}`},
		{"book bad size", `{"channel":"l2Book","data":{"coin":"BTC","time":1,"levels":[[{"px":"1","sz":"?"}],[]]}}`},
		{"book no time", `{"channel":"l2Book","data":{"coin":"BTC","levels":[[{"px":"1","sz":"1"}],[]]}}`},
		{"trade coin normalizes to nothing", `{"channel":"trades","data":[{"coin":"-","side":"B","px":"1","sz":"1","time":1,"tid":1}]}`},
		{"book coin normalizes to nothing", `{"channel":"l2Book","data":{"coin":" _ ","time":1,"levels":[[{"px":"1","sz":"1"}],[]]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := a.ParseMessage([]byte(tt.raw), receivedAt)
			assert.Equal(t, venue.KindUnrecognized, msg.Kind)
			assert.NotEmpty(t, msg.Reason)
			assert.Empty(t, msg.Trades)
			assert.Nil(t, msg.Book)
		})
	}
}

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "btcusdt", SymbolOf("BTC"))
	assert.Equal(t, "btcusdt", SymbolOf("btcusdt"))
	assert.Equal(t, "BTC", CoinOf("btcusdt"))
	assert.Equal(t, "ETH", CoinOf("ETH"))
	assert.Empty(t, SymbolOf("-"))
}

// fakeHyperliquid acks subscriptions with ack(sub) and answers pings.
func fakeHyperliquid(t *testing.T, ack func(sub subscription) string) (string, <-chan request) {
	t.Helper()
	requests := make(chan request, 16)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req request
			if err := json.Unmarshal(data, &req); err != nil {
				t.Errorf("unmarshal request: %v", err)
				return
			}
			requests <- req

			switch req.Method {
			case "subscribe":
				if req.Subscription.Type == "l2Book" {
					book := `{"channel":"l2Book","data":{"coin":"` + req.Subscription.Coin + `","time":1704067200500,"levels":[[{"px":"1","sz":"1","n":1}],[{"px":"2","sz":"1","n":1}]]}}`
					_ = c.WriteMessage(websocket.TextMessage, []byte(book))
				}
				_ = c.WriteMessage(websocket.TextMessage, []byte(ack(*req.Subscription)))
			case "ping":
				_ = c.WriteMessage(websocket.TextMessage, []byte(`{"channel":"pong"}`))
			}
		}
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http"), requests
}

func TestAdapter_SubscribeAndRead(t *testing.T) {
	url, requests := fakeHyperliquid(t, func(sub subscription) string {
		return `{"channel":"subscriptionResponse","data":{"method":"subscribe","subscription":{"type":"` + sub.Type + `","coin":"` + sub.Coin + `"}}}`
	})

	a := New(&Config{URL: url, SubscribeTimeout: 2 * time.Second})
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	defer a.Close()

	require.NoError(t, a.Subscribe(ctx, []string{"BTC"}))

	first := <-requests
	assert.Equal(t, "subscribe", first.Method)
	assert.Equal(t, subscription{Type: "trades", Coin: "BTC"}, *first.Subscription)
	second := <-requests
	assert.Equal(t, subscription{Type: "l2Book", Coin: "BTC"}, *second.Subscription)

	// The book that raced the ack is replayed
	frame, err := a.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, venue.KindBookTop, a.ParseMessage(frame, time.Now()).Kind)

	require.NoError(t, a.Keepalive(ctx))
	frame, err = a.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, venue.KindHeartbeat, a.ParseMessage(frame, time.Now()).Kind)
}

func TestAdapter_SubscribeRejected(t *testing.T) {
	url, _ := fakeHyperliquid(t, func(sub subscription) string {
		return `{"channel":"error","data":"Invalid subscription {\"type\":\"trades\",\"coin\":\"NOPE\"}"}`
	})

	a := New(&Config{URL: url, SubscribeTimeout: 2 * time.Second})
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	defer a.Close()

	err := a.Subscribe(ctx, []string{"NOPE"})
	require.Error(t, err)
	assert.True(t, venue.IsProtocolError(err))
}
