package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// ComputeRawEventKey computes a deterministic raw event key using SHA256.
// Formula: SHA256(kind|venue|symbol|event_time_ms|seq)
// Returns hex-encoded hash (64 characters).
func ComputeRawEventKey(kind string, key domain.NaturalKey) string {
	data := fmt.Sprintf("%s|%s|%s|%d|%d",
		kind,
		string(key.Venue),
		key.Symbol,
		key.EventTime.UnixMilli(),
		key.Seq,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Raw event kinds used as the first key component.
const (
	KindTrade   = "trade"
	KindBookTop = "book_l1"
)

// TradeKey returns the raw event key of a trade.
func TradeKey(t domain.Trade) string {
	return ComputeRawEventKey(KindTrade, t.Key())
}

// BookTopKey returns the raw event key of a book snapshot.
func BookTopKey(b domain.BookTop) string {
	return ComputeRawEventKey(KindBookTop, b.Key())
}
