// Package venue defines the adapter contract that turns a venue's
// websocket protocol into canonical events, plus the shared connection.
package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// Kind classifies a parsed frame.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindTrade
	KindBookTop
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindBookTop:
		return "book_top"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unrecognized"
	}
}

// Message is the result of parsing one frame.
// Trades may hold several entries because some venues batch fills per frame.
type Message struct {
	Kind   Kind
	Trades []domain.Trade
	Book   *domain.BookTop
	Reason string // set for KindUnrecognized
}

// Unrecognized returns a Message explaining why a frame was dropped.
func Unrecognized(format string, args ...any) Message {
	return Message{Kind: KindUnrecognized, Reason: fmt.Sprintf(format, args...)}
}

// Heartbeat returns a heartbeat Message.
func Heartbeat() Message {
	return Message{Kind: KindHeartbeat}
}

// Adapter speaks one venue's wire protocol.
// Adapters never touch storage. Connect, Subscribe, Keepalive and
// ReadMessage are driven by a single supervisor; Close may be called
// concurrently to unblock a pending read.
type Adapter interface {
	Venue() domain.Venue
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	ReadMessage(ctx context.Context) ([]byte, error)
	ParseMessage(raw []byte, receivedAt time.Time) Message
	Keepalive(ctx context.Context) error
	Close() error
}
