package gateway

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// --------------------------------------------------------------------------
// Gateway API DTOs
// --------------------------------------------------------------------------

// GatewayPosition is a position row as returned by GET /accounts/{id}/positions.
type GatewayPosition struct {
	Symbol   string          `json:"symbol"`
	SecType  string          `json:"sec_type"`
	Exchange string          `json:"exchange"`
	Currency string          `json:"currency"`
	Expiry   string          `json:"expiry,omitempty"` // options and futures
	Strike   string          `json:"strike,omitempty"`
	Right    string          `json:"right,omitempty"` // "C" or "P"
	Position decimal.Decimal `json:"position"`        // signed: negative is short
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// GatewayOrder is an order as returned by the orders endpoints.
type GatewayOrder struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	SecType        string          `json:"sec_type"`
	Exchange       string          `json:"exchange"`
	Currency       string          `json:"currency"`
	Expiry         string          `json:"expiry,omitempty"`
	Strike         string          `json:"strike,omitempty"`
	Right          string          `json:"right,omitempty"`
	Side           string          `json:"side"` // "BUY" or "SELL"
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Status         string          `json:"status"` // "PreSubmitted", "Submitted", "Filled", "Cancelled", "Rejected", "Inactive"
	RejectReason   string          `json:"reject_reason,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// GatewayOrderRequest is the body of POST /accounts/{id}/orders.
type GatewayOrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	SecType       string          `json:"sec_type"`
	Exchange      string          `json:"exchange,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Expiry        string          `json:"expiry,omitempty"`
	Strike        string          `json:"strike,omitempty"`
	Right         string          `json:"right,omitempty"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	OrderType     string          `json:"order_type"` // always "MKT"
	TimeInForce   string          `json:"tif"`
}

// GatewayError is the error body returned on non-2xx responses.
type GatewayError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// GatewayWSMessage is the envelope for execution stream messages.
type GatewayWSMessage struct {
	Type      string            `json:"type"` // "execution", "heartbeat", "error"
	Execution *GatewayExecution `json:"execution,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// GatewayExecution is a single fill pushed on the execution stream.
type GatewayExecution struct {
	ExecID        string          `json:"exec_id"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	SecType       string          `json:"sec_type"`
	Expiry        string          `json:"expiry,omitempty"`
	Strike        string          `json:"strike,omitempty"`
	Right         string          `json:"right,omitempty"`
	Side          string          `json:"side"`
	Shares        decimal.Decimal `json:"shares"`
	Price         decimal.Decimal `json:"price"`
	Time          time.Time       `json:"time"`
}

// GatewayWSSubscribe subscribes the connection to the account's executions.
type GatewayWSSubscribe struct {
	Action  string `json:"action"`
	Topic   string `json:"topic"`
	Account string `json:"account"`
}

// --------------------------------------------------------------------------
// Conversions
// --------------------------------------------------------------------------

// contract is the instrument description shared by every gateway DTO.
type contract struct {
	symbol, secType, exchange, currency string
	expiry, strike, right               string
}

func toInstrument(c contract) domain.Instrument {
	st := domain.SecType(strings.ToUpper(c.secType))
	if st == "" {
		st = domain.SecTypeStock
	}
	inst := domain.Instrument{
		Symbol:   strings.ToUpper(c.symbol),
		SecType:  st,
		Exchange: c.exchange,
		Currency: c.currency,
		Expiry:   c.expiry,
	}
	if st == domain.SecTypeOption {
		inst.Strike = domain.NormalizeStrike(c.strike)
		inst.Right = domain.OptionRight(strings.ToUpper(c.right))
	}
	return inst
}

// ToPosition converts a gateway position row to the domain type.
func (p GatewayPosition) ToPosition(asOf time.Time) domain.BrokerPosition {
	return domain.BrokerPosition{
		Instrument: toInstrument(contract{p.Symbol, p.SecType, p.Exchange, p.Currency, p.Expiry, p.Strike, p.Right}),
		Quantity:   p.Position,
		AvgCost:    p.AvgCost,
		AsOf:       asOf,
	}
}

// ToOrder converts a gateway order to the domain type.
func (o GatewayOrder) ToOrder() domain.BrokerOrder {
	return domain.BrokerOrder{
		ID:             o.OrderID,
		ClientOrderID:  o.ClientOrderID,
		Instrument:     toInstrument(contract{o.Symbol, o.SecType, o.Exchange, o.Currency, o.Expiry, o.Strike, o.Right}),
		Side:           parseSide(o.Side),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Status:         parseStatus(o.Status),
		RejectReason:   o.RejectReason,
		UpdatedAt:      o.UpdatedAt,
	}
}

// ToExecution converts a stream execution to the domain type.
func (e GatewayExecution) ToExecution() domain.Execution {
	return domain.Execution{
		ExecID:        e.ExecID,
		OrderID:       e.OrderID,
		ClientOrderID: e.ClientOrderID,
		Instrument:    toInstrument(contract{symbol: e.Symbol, secType: e.SecType, expiry: e.Expiry, strike: e.Strike, right: e.Right}),
		Side:          parseSide(e.Side),
		Quantity:      e.Shares,
		Price:         e.Price,
		Time:          e.Time,
	}
}

func newOrderRequest(req domain.MarketOrderRequest) GatewayOrderRequest {
	st := req.Instrument.SecType
	if st == "" {
		st = domain.SecTypeStock
	}
	side := "BUY"
	if req.Side == domain.OrderSideSell {
		side = "SELL"
	}
	return GatewayOrderRequest{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Instrument.Symbol,
		SecType:       string(st),
		Exchange:      req.Instrument.Exchange,
		Currency:      req.Instrument.Currency,
		Expiry:        req.Instrument.Expiry,
		Strike:        req.Instrument.Strike,
		Right:         string(req.Instrument.Right),
		Side:          side,
		Quantity:      req.Quantity,
		OrderType:     "MKT",
		TimeInForce:   "DAY",
	}
}

func parseSide(s string) domain.OrderSide {
	switch strings.ToUpper(s) {
	case "SELL", "SLD":
		return domain.OrderSideSell
	default:
		return domain.OrderSideBuy
	}
}

func parseStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return domain.OrderStatusFilled
	case "cancelled", "canceled", "apicancelled":
		return domain.OrderStatusCancelled
	case "rejected", "inactive":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusWorking
	}
}
