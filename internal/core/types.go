package core

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies an account owner.
type UserID int64

// StreamKind is the logical category of an upstream stream.
type StreamKind string

const (
	KindQuotes    StreamKind = "quotes"
	KindPositions StreamKind = "positions"
	KindOrders    StreamKind = "orders"
	KindBars      StreamKind = "bars"
)

// StreamEvent is one parsed upstream message, normalized for the event bus.
type StreamEvent struct {
	User      UserID
	Kind      StreamKind
	AccountID string
	Paper     bool
	Data      []byte
	At        time.Time
}

// QuoteTick is the subset of a quote message the alert engine evaluates.
// Numeric fields arrive as JSON strings from the upstream; decimal decodes both.
type QuoteTick struct {
	Symbol    string          `json:"Symbol"`
	Last      decimal.Decimal `json:"Last"`
	Bid       decimal.Decimal `json:"Bid"`
	Ask       decimal.Decimal `json:"Ask"`
	Heartbeat int             `json:"Heartbeat,omitempty"`
}

// IsHeartbeat reports whether the message is a keepalive rather than a tick.
func (q QuoteTick) IsHeartbeat() bool { return q.Heartbeat > 0 || q.Symbol == "" }

// PositionUpdate is the subset of a position message the loss engine evaluates.
type PositionUpdate struct {
	PositionID    string          `json:"PositionID"`
	Symbol        string          `json:"Symbol"`
	AccountID     string          `json:"AccountID"`
	Quantity      decimal.Decimal `json:"Quantity"`
	AveragePrice  decimal.Decimal `json:"AveragePrice"`
	UnrealizedPnL decimal.Decimal `json:"UnrealizedProfitLoss"`
	Heartbeat     int             `json:"Heartbeat,omitempty"`
	CachedAt      time.Time       `json:"-"`
}

// IsHeartbeat reports whether the message is a keepalive rather than an update.
func (p PositionUpdate) IsHeartbeat() bool { return p.Heartbeat > 0 || p.PositionID == "" }

// DecodeQuote parses a raw stream line into a QuoteTick.
func DecodeQuote(data []byte) (QuoteTick, error) {
	var q QuoteTick
	err := json.Unmarshal(data, &q)
	return q, err
}

// DecodePosition parses a raw stream line into a PositionUpdate.
func DecodePosition(data []byte) (PositionUpdate, error) {
	var p PositionUpdate
	err := json.Unmarshal(data, &p)
	return p, err
}
