// Package executor turns proposed reconciliation actions into broker orders.
// Each action reaches the broker at most once: it is persisted as pending,
// re-validated against a fresh position read and moved to submitted before
// the order is sent with the action's idempotency key as client order ID.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
)

// OrderRateKey is the rate limiter key shared by every process submitting
// orders to the same broker account.
const OrderRateKey = "broker:orders"

// LockKey returns the per-trade lock key. Lock managers namespace it under
// "lock:".
func LockKey(tradeID string) string {
	return "trade:" + tradeID
}

// PositionReader re-reads the broker's net quantity on an instrument. It is
// implemented by *broker.StateReader.
type PositionReader interface {
	Position(ctx context.Context, inst domain.Instrument) (decimal.Decimal, error)
}

// FillWriter records a confirmed fill on the ledger. It is implemented by
// *ledger.Writer.
type FillWriter interface {
	RecordFill(ctx context.Context, a domain.Action, f domain.Fill) error
}

// Config tunes the actuator.
type Config struct {
	LockTTL          time.Duration
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	OrderRateLimit   int
	OrderRateWindow  time.Duration
}

// Result classifies what happened to an action.
type Result string

const (
	// ResultSkipped: no action was persisted or touched (lock held, active
	// action already exists, or a concurrent transition won).
	ResultSkipped Result = "skipped"
	// ResultAborted: the action never reached the broker.
	ResultAborted Result = "aborted"
	// ResultFailed: the broker rejected the order.
	ResultFailed Result = "failed"
	// ResultSubmitted: the order outcome or fill is still unknown.
	ResultSubmitted Result = "submitted"
	// ResultFilled: the order filled.
	ResultFilled Result = "filled"
)

// Outcome is the result of driving one action.
type Outcome struct {
	Action domain.Action
	Result Result
	// Err is the typed error behind a skipped, aborted or failed action, an
	// unknown submission outcome, or a ledger write that was queued.
	Err error
	// Created is set when this call persisted the action.
	Created bool
	// Submitted is set when this call sent the order to the broker.
	Submitted bool
	// LedgerWritten is set when the fill was written to the ledger.
	LedgerWritten bool
	// Resumed is set when the action came from an earlier pass.
	Resumed bool
}

// Actuator submits reconciliation orders and follows them to a fill.
type Actuator struct {
	gw       domain.BrokerGateway
	state    PositionReader
	actions  domain.ActionStore
	locks    domain.LockManager
	limiter  domain.RateLimiter
	ledger   FillWriter
	audit    domain.AuditStore
	recorder domain.FillRecorder
	events   *events.Publisher
	dedup    *Dedup
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewActuator creates an Actuator. limiter, audit and pub may be nil.
func NewActuator(
	gw domain.BrokerGateway,
	state PositionReader,
	actions domain.ActionStore,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	ledger FillWriter,
	audit domain.AuditStore,
	pub *events.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Actuator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = time.Second
	}
	if cfg.OrderRateWindow <= 0 {
		cfg.OrderRateWindow = time.Minute
	}
	return &Actuator{
		gw:      gw,
		state:   state,
		actions: actions,
		locks:   locks,
		limiter: limiter,
		ledger:  ledger,
		audit:   audit,
		events:  pub,
		dedup:   NewDedup(24 * time.Hour),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "actuator")),
		now:     time.Now,
	}
}

// SetFillRecorder enables fill analytics. r may be nil.
func (x *Actuator) SetFillRecorder(r domain.FillRecorder) {
	x.recorder = r
}

// Execute drives a proposed action from pending to a terminal state or, if
// the fill is not confirmed within the fill timeout, leaves it submitted for
// Resume. The returned error is non-nil only for infrastructure failures that
// left the action's state unknown; business outcomes are in Outcome.
func (x *Actuator) Execute(ctx context.Context, proposal domain.Action) (Outcome, error) {
	log := x.logger.With(
		slog.String("trade_id", proposal.TradeID),
		slog.String("instrument", proposal.Instrument.Key()),
	)

	unlock, err := x.locks.Acquire(ctx, LockKey(proposal.TradeID), x.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			log.InfoContext(ctx, "trade locked by another worker, skipping")
			return Outcome{Action: proposal, Result: ResultSkipped, Err: err}, nil
		}
		return Outcome{Action: proposal, Result: ResultSkipped, Err: err},
			fmt.Errorf("executor: lock trade %s: %w", proposal.TradeID, err)
	}
	defer unlock()

	// 1. Persist as pending. The store refuses a second active action.
	a := proposal
	now := x.now().UTC()
	if a.ID == "" {
		a.ID = domain.NewID()
	}
	if a.IdempotencyKey == "" {
		a.IdempotencyKey = domain.NewID()
	}
	a.Status = domain.ActionStatusPending
	a.CreatedAt, a.UpdatedAt = now, now
	if err := x.actions.Create(ctx, a); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			log.InfoContext(ctx, "active action already exists, skipping")
			return Outcome{Action: a, Result: ResultSkipped, Err: err}, nil
		}
		return Outcome{Action: a, Result: ResultSkipped, Err: err},
			fmt.Errorf("executor: create action: %w", err)
	}
	log = log.With(slog.String("action_id", a.ID))
	x.publish(ctx, domain.EventActionCreated, a, map[string]any{
		"side":     string(a.Side),
		"quantity": a.Quantity.String(),
	})
	x.auditLog(ctx, "action_created", a, nil)

	// 2. Re-validate against a fresh position read.
	pos, err := x.state.Position(ctx, a.Instrument)
	if err != nil {
		return x.abort(ctx, a, fmt.Errorf("executor: revalidate position: %w", err))
	}
	if !pos.Equal(a.ObservedPosition) {
		return x.abort(ctx, a, &domain.AmbiguousStateError{
			TradeID:    a.TradeID,
			Instrument: a.Instrument,
			Expected:   a.ObservedPosition,
			Actual:     pos,
		})
	}

	// 3. Broker order rate limit.
	if x.limiter != nil && x.cfg.OrderRateLimit > 0 {
		ok, err := x.limiter.Allow(ctx, OrderRateKey, x.cfg.OrderRateLimit, x.cfg.OrderRateWindow)
		if err != nil {
			return x.abort(ctx, a, fmt.Errorf("executor: rate limiter: %w", err))
		}
		if !ok {
			return x.abort(ctx, a, fmt.Errorf("executor: broker order budget exhausted: %w", domain.ErrRateLimited))
		}
	}

	// 4. Mark submitted before the broker sees the order.
	a.Status = domain.ActionStatusSubmitted
	a.UpdatedAt = x.now().UTC()
	if err := x.actions.Transition(ctx, a, domain.ActionStatusPending); err != nil {
		if errors.Is(err, domain.ErrStaleAction) {
			log.WarnContext(ctx, "action changed before submission, skipping")
			return Outcome{Action: a, Result: ResultSkipped, Err: err, Created: true}, nil
		}
		a.Status = domain.ActionStatusPending
		return x.abort(ctx, a, fmt.Errorf("executor: mark submitted: %w", err))
	}

	// 5. Submit exactly once.
	order, err := x.gw.SubmitMarketOrder(ctx, domain.MarketOrderRequest{
		ClientOrderID: a.IdempotencyKey,
		Instrument:    a.Instrument,
		Side:          a.Side,
		Quantity:      a.Quantity,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrOrderRejected):
		out := x.fail(ctx, a, order.ID, err)
		out.Created, out.Submitted = true, true
		return out, nil
	case errors.Is(err, domain.ErrRateLimited):
		// The gateway refused the request before accepting it.
		out, aerr := x.abort(ctx, a, err)
		out.Created = true
		return out, aerr
	default:
		log.WarnContext(ctx, "order submission outcome unknown, will resolve by client order id",
			slog.String("client_order_id", a.IdempotencyKey),
			slog.String("error", err.Error()),
		)
		x.auditLog(ctx, "order_submit_unknown", a, map[string]any{"error": err.Error()})
		return Outcome{Action: a, Result: ResultSubmitted, Err: err, Created: true, Submitted: true}, nil
	}

	a.BrokerOrderID = order.ID
	a.UpdatedAt = x.now().UTC()
	if err := x.actions.Transition(ctx, a, domain.ActionStatusSubmitted); err != nil {
		log.ErrorContext(ctx, "failed to persist broker order id",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
	log.InfoContext(ctx, "reconciliation order submitted",
		slog.String("order_id", order.ID),
		slog.String("side", string(a.Side)),
		slog.String("quantity", a.Quantity.String()),
	)
	x.publish(ctx, domain.EventOrderSubmitted, a, map[string]any{"order_id": order.ID})
	x.auditLog(ctx, "order_submitted", a, map[string]any{"order_id": order.ID})

	// 6. Await the fill.
	out := x.await(ctx, a, order)
	out.Created, out.Submitted = true, true
	return out, nil
}

// Resume resolves actions left pending or submitted by earlier passes. It
// never submits: submitted actions are looked up at the broker, pending ones
// never reached it and are aborted.
func (x *Actuator) Resume(ctx context.Context) ([]Outcome, error) {
	x.dedup.Cleanup()

	unsettled, err := x.actions.ListUnsettled(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: list unsettled: %w", err)
	}

	var outcomes []Outcome
	for _, a := range unsettled {
		if !a.Status.Active() {
			continue
		}
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		out, err := x.resumeOne(ctx, a)
		if err != nil {
			x.logger.WarnContext(ctx, "resume failed",
				slog.String("action_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
		if out.Result != ResultSkipped {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

// ResumeAction resolves a single submitted action, e.g. when an execution
// for its client order ID arrives on the stream.
func (x *Actuator) ResumeAction(ctx context.Context, actionID string) (Outcome, error) {
	a, err := x.actions.GetByID(ctx, actionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: get action %s: %w", actionID, err)
	}
	if !a.Status.Active() {
		return Outcome{Action: a, Result: ResultSkipped}, nil
	}
	return x.resumeOne(ctx, a)
}

func (x *Actuator) resumeOne(ctx context.Context, a domain.Action) (Outcome, error) {
	unlock, err := x.locks.Acquire(ctx, LockKey(a.TradeID), x.cfg.LockTTL)
	if err != nil {
		return Outcome{Action: a, Result: ResultSkipped, Err: err}, nil
	}
	defer unlock()

	// Re-read under the lock; another worker may have settled it.
	a, err = x.actions.GetByID(ctx, a.ID)
	if err != nil {
		return Outcome{Action: a, Result: ResultSkipped, Err: err}, err
	}

	switch a.Status {
	case domain.ActionStatusPending:
		out, err := x.abort(ctx, a, errors.New("executor: interrupted before submission"))
		out.Resumed = true
		return out, err
	case domain.ActionStatusSubmitted:
	default:
		return Outcome{Action: a, Result: ResultSkipped}, nil
	}

	var order domain.BrokerOrder
	if a.BrokerOrderID != "" {
		order, err = x.gw.Order(ctx, a.BrokerOrderID)
	} else {
		order, err = x.gw.OrderByClientID(ctx, a.IdempotencyKey)
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound) && a.BrokerOrderID == "":
		// The lock was held across the submission attempt, so the request
		// can no longer be in flight: the broker never received it.
		out := x.fail(ctx, a, "", fmt.Errorf("executor: order %s not found at broker: %w", a.IdempotencyKey, err))
		out.Resumed = true
		return out, nil
	default:
		return Outcome{Action: a, Result: ResultSubmitted, Err: err, Resumed: true},
			fmt.Errorf("executor: look up order for action %s: %w", a.ID, err)
	}

	if a.BrokerOrderID == "" {
		a.BrokerOrderID = order.ID
		a.UpdatedAt = x.now().UTC()
		if err := x.actions.Transition(ctx, a, domain.ActionStatusSubmitted); err != nil {
			return Outcome{Action: a, Result: ResultSkipped, Err: err}, nil
		}
	}

	out := x.settle(ctx, a, order)
	out.Resumed = true
	return out, nil
}

// await polls the order until it is terminal or the fill timeout elapses.
func (x *Actuator) await(ctx context.Context, a domain.Action, order domain.BrokerOrder) Outcome {
	deadline := x.now().Add(x.cfg.FillTimeout)
	wait := x.cfg.FillPollInterval

	for !order.Status.Terminal() {
		if !x.now().Before(deadline) {
			x.logger.WarnContext(ctx, "fill not confirmed before timeout, leaving submitted",
				slog.String("action_id", a.ID),
				slog.String("order_id", a.BrokerOrderID),
			)
			return Outcome{Action: a, Result: ResultSubmitted}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Outcome{Action: a, Result: ResultSubmitted, Err: ctx.Err()}
		case <-t.C:
		}
		if wait < 4*x.cfg.FillPollInterval {
			wait *= 2
		}

		next, err := x.gw.Order(ctx, a.BrokerOrderID)
		if err != nil {
			x.logger.WarnContext(ctx, "poll order status failed",
				slog.String("order_id", a.BrokerOrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		order = next
	}
	return x.settle(ctx, a, order)
}

// settle moves a submitted action to its terminal state from the broker's
// view of the order.
func (x *Actuator) settle(ctx context.Context, a domain.Action, order domain.BrokerOrder) Outcome {
	switch order.Status {
	case domain.OrderStatusFilled:
		return x.complete(ctx, a, fillOf(order, x.now()))
	case domain.OrderStatusCancelled, domain.OrderStatusRejected:
		if order.FilledQuantity.IsPositive() {
			// Partially filled then cancelled: record what filled; the
			// remaining residual is re-detected on the next pass.
			return x.complete(ctx, a, fillOf(order, x.now()))
		}
		reason := order.RejectReason
		if reason == "" {
			reason = string(order.Status)
		}
		return x.fail(ctx, a, order.ID, fmt.Errorf("%s: %w", reason, domain.ErrOrderRejected))
	default:
		return Outcome{Action: a, Result: ResultSubmitted}
	}
}

// complete records the fill once per action and hands it to the ledger.
func (x *Actuator) complete(ctx context.Context, a domain.Action, f domain.Fill) Outcome {
	key := "fill:" + a.ID
	if x.dedup.IsDuplicate(key) {
		return Outcome{Action: a, Result: ResultFilled}
	}

	a.SetFill(f)
	a.Status = domain.ActionStatusFilled
	a.Error = ""
	a.UpdatedAt = x.now().UTC()
	if err := x.actions.Transition(ctx, a, domain.ActionStatusSubmitted); err != nil {
		if !errors.Is(err, domain.ErrStaleAction) {
			x.dedup.Forget(key)
		}
		x.logger.WarnContext(ctx, "could not mark action filled",
			slog.String("action_id", a.ID),
			slog.String("error", err.Error()),
		)
		return Outcome{Action: a, Result: ResultSkipped, Err: err}
	}

	x.logger.InfoContext(ctx, "reconciliation order filled",
		slog.String("action_id", a.ID),
		slog.String("trade_id", a.TradeID),
		slog.String("price", f.Price.String()),
		slog.String("quantity", f.Quantity.String()),
	)
	x.publish(ctx, domain.EventOrderFilled, a, map[string]any{
		"price":    f.Price.String(),
		"quantity": f.Quantity.String(),
	})
	x.auditLog(ctx, "order_filled", a, map[string]any{"price": f.Price.String()})
	if x.recorder != nil {
		if err := x.recorder.RecordFill(ctx, a); err != nil {
			x.logger.WarnContext(ctx, "fill analytics record failed", slog.String("error", err.Error()))
		}
	}

	out := Outcome{Action: a, Result: ResultFilled}
	if err := x.ledger.RecordFill(ctx, a, f); err != nil {
		out.Err = err
		return out
	}
	out.LedgerWritten = true
	return out
}

// fail marks the action failed after a broker rejection. It is never retried.
func (x *Actuator) fail(ctx context.Context, a domain.Action, orderID string, cause error) Outcome {
	from := a.Status
	subErr := &domain.SubmissionError{
		ActionID: a.ID,
		TradeID:  a.TradeID,
		Reason:   cause.Error(),
		Err:      cause,
	}
	if orderID != "" {
		a.BrokerOrderID = orderID
	}
	a.Status = domain.ActionStatusFailed
	a.Error = cause.Error()
	a.UpdatedAt = x.now().UTC()
	if err := x.actions.Transition(ctx, a, from); err != nil {
		x.logger.ErrorContext(ctx, "failed to persist failed action",
			slog.String("action_id", a.ID),
			slog.String("error", err.Error()),
		)
	}

	x.logger.ErrorContext(ctx, "reconciliation order rejected",
		slog.String("action_id", a.ID),
		slog.String("trade_id", a.TradeID),
		slog.String("reason", cause.Error()),
	)
	x.publish(ctx, domain.EventSubmissionFail, a, map[string]any{"reason": cause.Error()})
	x.auditLog(ctx, "submission_failed", a, map[string]any{"reason": cause.Error()})
	return Outcome{Action: a, Result: ResultFailed, Err: subErr}
}

// abort marks an action that never reached the broker.
func (x *Actuator) abort(ctx context.Context, a domain.Action, cause error) (Outcome, error) {
	from := a.Status
	a.Status = domain.ActionStatusAborted
	a.Error = cause.Error()
	a.UpdatedAt = x.now().UTC()

	var stateErr error
	if err := x.actions.Transition(ctx, a, from); err != nil {
		stateErr = fmt.Errorf("executor: mark aborted: %w", err)
	}

	var ambiguous *domain.AmbiguousStateError
	if errors.As(cause, &ambiguous) {
		x.logger.WarnContext(ctx, "broker position moved before submission",
			slog.String("action_id", a.ID),
			slog.String("trade_id", a.TradeID),
			slog.String("expected", ambiguous.Expected.String()),
			slog.String("actual", ambiguous.Actual.String()),
		)
		x.publish(ctx, domain.EventAmbiguousState, a, map[string]any{
			"expected": ambiguous.Expected.String(),
			"actual":   ambiguous.Actual.String(),
		})
	} else {
		x.logger.WarnContext(ctx, "action aborted",
			slog.String("action_id", a.ID),
			slog.String("error", cause.Error()),
		)
	}
	x.auditLog(ctx, "action_aborted", a, map[string]any{"reason": cause.Error()})
	return Outcome{Action: a, Result: ResultAborted, Err: cause, Created: true}, stateErr
}

func (x *Actuator) publish(ctx context.Context, typ domain.EventType, a domain.Action, detail map[string]any) {
	if err := x.events.Publish(ctx, domain.Event{
		Type:     typ,
		TradeID:  a.TradeID,
		ActionID: a.ID,
		Detail:   detail,
	}); err != nil {
		x.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
	}
}

func (x *Actuator) auditLog(ctx context.Context, event string, a domain.Action, extra map[string]any) {
	if x.audit == nil {
		return
	}
	detail := map[string]any{
		"action_id":  a.ID,
		"trade_id":   a.TradeID,
		"instrument": a.Instrument.Key(),
		"status":     string(a.Status),
	}
	for k, v := range extra {
		detail[k] = v
	}
	if err := x.audit.Log(ctx, event, detail); err != nil {
		x.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}

func fillOf(o domain.BrokerOrder, now time.Time) domain.Fill {
	qty := o.FilledQuantity
	if !qty.IsPositive() {
		qty = o.Quantity
	}
	at := o.UpdatedAt
	if at.IsZero() {
		at = now
	}
	return domain.Fill{
		Price:    o.AvgFillPrice,
		Quantity: qty.Abs(),
		Time:     at.UTC(),
	}
}
