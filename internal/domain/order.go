package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() int64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderStatus tracks a broker order's lifecycle.
type OrderStatus string

const (
	OrderStatusWorking   OrderStatus = "working"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether the broker will not change the order any further.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// MarketOrderRequest asks the broker to trade at market.
type MarketOrderRequest struct {
	ClientOrderID string
	Instrument    Instrument
	Side          OrderSide
	Quantity      decimal.Decimal
}

// BrokerOrder is the broker's view of an order.
type BrokerOrder struct {
	ID             string
	ClientOrderID  string
	Instrument     Instrument
	Side           OrderSide
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Status         OrderStatus
	RejectReason   string
	UpdatedAt      time.Time
}

// Execution is a single fill reported on the broker's execution stream.
type Execution struct {
	ExecID        string
	OrderID       string
	ClientOrderID string
	Instrument    Instrument
	Side          OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Time          time.Time
}
