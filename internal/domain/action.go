package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionStatus tracks a reconciliation action's lifecycle.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusSubmitted ActionStatus = "submitted"
	ActionStatusFilled    ActionStatus = "filled"
	ActionStatusFailed    ActionStatus = "failed"
	// ActionStatusAborted marks an action that never reached the broker.
	ActionStatusAborted ActionStatus = "aborted"
)

// Active reports whether the action may still cause (or has caused) a broker
// order whose outcome is unknown.
func (s ActionStatus) Active() bool {
	return s == ActionStatusPending || s == ActionStatusSubmitted
}

// Valid reports whether s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionStatusPending, ActionStatusSubmitted, ActionStatusFilled,
		ActionStatusFailed, ActionStatusAborted:
		return true
	}
	return false
}

// Fill is a confirmed execution of a reconciliation order.
type Fill struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Time     time.Time       `json:"time"`
}

// Action is a ReconciliationAction: a single corrective market order that
// flattens the broker residual of a trade the ledger records as closed.
type Action struct {
	ID               string           `json:"id"`
	TradeID          string           `json:"trade_id"`
	Instrument       Instrument       `json:"instrument"`
	Side             OrderSide        `json:"side"`
	Quantity         decimal.Decimal  `json:"quantity"`
	ObservedPosition decimal.Decimal  `json:"observed_position"`
	Status           ActionStatus     `json:"status"`
	IdempotencyKey   string           `json:"idempotency_key"`
	BrokerOrderID    string           `json:"broker_order_id,omitempty"`
	FillPrice        *decimal.Decimal `json:"fill_price,omitempty"`
	FillQuantity     *decimal.Decimal `json:"fill_quantity,omitempty"`
	FilledAt         *time.Time       `json:"filled_at,omitempty"`
	Error            string           `json:"error,omitempty"`
	Acknowledged     bool             `json:"acknowledged"`
	PassID           string           `json:"pass_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Blocking reports whether the action prevents a new action for its trade.
// Failed actions block until an operator acknowledges them.
func (a Action) Blocking() bool {
	return a.Status.Active() || (a.Status == ActionStatusFailed && !a.Acknowledged)
}

// Fill returns the recorded fill, if any.
func (a Action) Fill() (Fill, bool) {
	if a.FillPrice == nil || a.FillQuantity == nil || a.FilledAt == nil {
		return Fill{}, false
	}
	return Fill{Price: *a.FillPrice, Quantity: *a.FillQuantity, Time: *a.FilledAt}, true
}

// SetFill records f on the action.
func (a *Action) SetFill(f Fill) {
	price, qty, at := f.Price, f.Quantity, f.Time
	a.FillPrice = &price
	a.FillQuantity = &qty
	a.FilledAt = &at
}

// ActionFilter narrows action listings.
type ActionFilter struct {
	Statuses []ActionStatus
	TradeID  string
	ListOpts
}
