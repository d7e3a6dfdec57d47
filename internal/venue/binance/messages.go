package binance

import "encoding/json"

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id"`
}

// envelope covers combined-stream payloads and request replies.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *wsError        `json:"error"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// event is the union of trade and bookTicker payloads.
// Binance reuses letters with different case, so every key is declared exactly.
type event struct {
	Type       string `json:"e"`
	EventTime  int64  `json:"E"`
	TradeTime  int64  `json:"T"`
	Symbol     string `json:"s"`
	TradeID    int64  `json:"t"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	BuyerMaker bool   `json:"m"`
	Ignore     bool   `json:"M"`
	UpdateID   int64  `json:"u"`
	BidPrice   string `json:"b"`
	BidQty     string `json:"B"`
	AskPrice   string `json:"a"`
	AskQty     string `json:"A"`
}
