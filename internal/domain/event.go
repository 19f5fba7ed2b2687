package domain

import "time"

// EventType names a reconciliation lifecycle event.
type EventType string

const (
	EventDivergence     EventType = "divergence"
	EventActionCreated  EventType = "action_created"
	EventOrderSubmitted EventType = "order_submitted"
	EventOrderFilled    EventType = "order_filled"
	EventSubmissionFail EventType = "submission_failed"
	EventAmbiguousState EventType = "ambiguous_state"
	EventLedgerWritten  EventType = "ledger_written"
	EventWriteConflict  EventType = "write_conflict"
	EventTradeClosed    EventType = "trade_closed"
	EventExecution      EventType = "execution"
	EventPassCompleted  EventType = "pass_completed"
)

// EventChannel is the bus channel every reconciliation event is published on.
const EventChannel = "reconcile:events"

// EventStream keeps a bounded history of the same events.
const EventStream = "reconcile:history"

// Event is published on the signal bus and pushed to websocket clients.
type Event struct {
	Type      EventType      `json:"type"`
	TradeID   string         `json:"trade_id,omitempty"`
	ActionID  string         `json:"action_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
