package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerPosition is the live position the broker reports for an instrument.
// Quantity is signed: positive long, negative short.
type BrokerPosition struct {
	Instrument Instrument
	Quantity   decimal.Decimal
	AvgCost    decimal.Decimal
	AsOf       time.Time
}

// IsFlat reports whether no quantity is held.
func (p BrokerPosition) IsFlat() bool {
	return p.Quantity.IsZero()
}

// ClosingSide is the order side that flattens the position.
func (p BrokerPosition) ClosingSide() OrderSide {
	if p.Quantity.IsNegative() {
		return OrderSideBuy
	}
	return OrderSideSell
}
