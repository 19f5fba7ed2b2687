package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrOrderRejected  = errors.New("order rejected")
	ErrAmbiguousState = errors.New("ambiguous broker state")
	ErrWriteConflict  = errors.New("ledger write conflict")
	ErrTradeClosed    = errors.New("trade already closed")
	ErrStaleAction    = errors.New("action status changed concurrently")
	ErrInvalidTrade   = errors.New("invalid trade row")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrInvalidInput   = errors.New("invalid input")
)

// SubmissionError reports that the broker rejected a reconciliation order.
// It is surfaced to an operator and never retried automatically.
type SubmissionError struct {
	ActionID string
	TradeID  string
	Reason   string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected for trade %s (action %s): %s", e.TradeID, e.ActionID, e.Reason)
}

func (e *SubmissionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrOrderRejected}
	}
	return []error{ErrOrderRejected, e.Err}
}

// AmbiguousStateError reports that the broker position moved between
// detection and submission. The action is abandoned and detection re-run.
type AmbiguousStateError struct {
	TradeID    string
	Instrument Instrument
	Expected   decimal.Decimal
	Actual     decimal.Decimal
}

func (e *AmbiguousStateError) Error() string {
	return fmt.Sprintf("broker position for %s changed before submission (trade %s): expected %s, got %s",
		e.Instrument, e.TradeID, e.Expected, e.Actual)
}

func (e *AmbiguousStateError) Unwrap() error { return ErrAmbiguousState }

// WriteConflictError reports that the ledger row changed since it was read.
type WriteConflictError struct {
	TradeID         string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("ledger trade %s modified concurrently: expected version %d, found %d",
		e.TradeID, e.ExpectedVersion, e.ActualVersion)
}

func (e *WriteConflictError) Unwrap() error { return ErrWriteConflict }
