package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore is the external system of record for trades.
type LedgerStore interface {
	ListTrades(ctx context.Context) ([]Trade, error)
	GetTrade(ctx context.Context, id string) (Trade, error)
	// UpdateTrade writes t if the stored version still equals t.Version and
	// returns the stored trade with its new version. A mismatch yields a
	// *WriteConflictError.
	UpdateTrade(ctx context.Context, t Trade) (Trade, error)
}

// ActionStore persists reconciliation actions.
type ActionStore interface {
	// Create inserts a pending action. It returns ErrAlreadyExists when the
	// trade already has a pending, submitted or unacknowledged failed action.
	Create(ctx context.Context, a Action) error
	GetByID(ctx context.Context, id string) (Action, error)
	// Transition persists a's mutable fields if the stored status is still
	// from. Otherwise it returns ErrStaleAction.
	Transition(ctx context.Context, a Action, from ActionStatus) error
	Acknowledge(ctx context.Context, id string) error
	ListUnsettled(ctx context.Context) ([]Action, error)
	List(ctx context.Context, filter ActionFilter) ([]Action, error)
}

// PendingWrite is a ledger write that lost an optimistic-concurrency race or
// failed transiently and is retried on its own. The broker order behind it
// has already filled.
type PendingWrite struct {
	ID            string    `json:"id"`
	ActionID      string    `json:"action_id"`
	TradeID       string    `json:"trade_id"`
	Fill          Fill      `json:"fill"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// WriteQueue persists pending ledger writes.
type WriteQueue interface {
	// Enqueue is idempotent per ActionID.
	Enqueue(ctx context.Context, w PendingWrite) error
	Due(ctx context.Context, now time.Time, limit int) ([]PendingWrite, error)
	Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	Complete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOpts) ([]PendingWrite, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// FillRecorder stores fills and pass summaries for later analysis.
type FillRecorder interface {
	RecordFill(ctx context.Context, a Action) error
	RecordPass(ctx context.Context, r PassReport) error
}
