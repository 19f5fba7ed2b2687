package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the ledger-recorded state of a trade.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

// PositionSide is the direction of a held position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Trade is one row of the external ledger: a trade the operator intends to
// hold (open) or has recorded as exited (closed).
type Trade struct {
	ID         string
	Instrument Instrument
	Side       PositionSide
	Quantity   decimal.Decimal // absolute, as recorded at entry
	Status     TradeStatus
	EntryPrice *decimal.Decimal
	ExitPrice  *decimal.Decimal
	EnteredAt  time.Time
	ExitedAt   *time.Time
	Notes      string
	Version    int64
}

// IsClosed reports whether the ledger records an exit for the trade.
func (t Trade) IsClosed() bool {
	return t.Status == TradeStatusClosed
}

// SignedQuantity returns the quantity with a negative sign for shorts.
func (t Trade) SignedQuantity() decimal.Decimal {
	if t.Side == SideShort {
		return t.Quantity.Abs().Neg()
	}
	return t.Quantity.Abs()
}

// ClosingSide is the order side that reduces this trade's position.
func (t Trade) ClosingSide() OrderSide {
	if t.Side == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// TradeClose carries the fields the ledger writer backfills on a closed trade.
type TradeClose struct {
	ExitPrice decimal.Decimal
	ExitedAt  time.Time
	Notes     string
}
