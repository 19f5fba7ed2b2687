package domain

import "github.com/shopspring/decimal"

// DivergenceKind classifies a disagreement between ledger and broker.
type DivergenceKind string

const (
	// DivergenceLedgerClosedBrokerOpen is actionable: the residual is flattened.
	DivergenceLedgerClosedBrokerOpen DivergenceKind = "ledger_closed_broker_open"
	// DivergenceLedgerOpenBrokerFlat is reported only.
	DivergenceLedgerOpenBrokerFlat DivergenceKind = "ledger_open_broker_flat"
	// DivergenceResidualMismatch is reported only: open trades do not account
	// for the broker quantity and no closed trade explains the difference.
	DivergenceResidualMismatch DivergenceKind = "residual_mismatch"
	// DivergencePendingAction means an earlier action is unsettled.
	DivergencePendingAction DivergenceKind = "pending_action"
	// DivergenceOrderWorking means the broker already has a working order.
	DivergenceOrderWorking DivergenceKind = "broker_order_working"
	// DivergenceCovered means another closed trade on the same instrument
	// carries the action.
	DivergenceCovered DivergenceKind = "covered"
)

// Divergence is one finding of a detection pass.
type Divergence struct {
	Kind           DivergenceKind  `json:"kind"`
	TradeID        string          `json:"trade_id"`
	Instrument     Instrument      `json:"instrument"`
	LedgerStatus   TradeStatus     `json:"ledger_status"`
	BrokerQuantity decimal.Decimal `json:"broker_quantity"`
	Residual       decimal.Decimal `json:"residual"`
	Detail         string          `json:"detail,omitempty"`
	Action         *Action         `json:"action,omitempty"`
}

// Actionable reports whether the divergence carries a proposed action.
func (d Divergence) Actionable() bool {
	return d.Kind == DivergenceLedgerClosedBrokerOpen && d.Action != nil
}
