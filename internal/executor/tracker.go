package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
)

// Tracker consumes the broker execution stream. Every execution is published
// once; executions for our own client order IDs settle the matching action
// without waiting for the next pass.
type Tracker struct {
	source   domain.ExecutionSource
	actions  domain.ActionStore
	actuator *Actuator
	events   *events.Publisher
	dedup    *Dedup
	logger   *slog.Logger

	cleanupInterval time.Duration
}

// NewTracker creates a Tracker.
func NewTracker(
	source domain.ExecutionSource,
	actions domain.ActionStore,
	actuator *Actuator,
	pub *events.Publisher,
	logger *slog.Logger,
) *Tracker {
	return &Tracker{
		source:          source,
		actions:         actions,
		actuator:        actuator,
		events:          pub,
		dedup:           NewDedup(24 * time.Hour),
		logger:          logger.With(slog.String("component", "execution_tracker")),
		cleanupInterval: 10 * time.Minute,
	}
}

// Run processes executions until ctx is cancelled or the stream closes.
func (t *Tracker) Run(ctx context.Context) error {
	execs, err := t.source.Executions(ctx)
	if err != nil {
		return err
	}
	t.logger.Info("execution tracker started")
	defer t.logger.Info("execution tracker stopped")

	cleanup := time.NewTicker(t.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ex, ok := <-execs:
			if !ok {
				return nil
			}
			t.handle(ctx, ex)
		case <-cleanup.C:
			t.dedup.Cleanup()
		}
	}
}

func (t *Tracker) handle(ctx context.Context, ex domain.Execution) {
	if ex.ExecID != "" && t.dedup.IsDuplicate(ex.ExecID) {
		t.logger.DebugContext(ctx, "duplicate execution", slog.String("exec_id", ex.ExecID))
		return
	}

	log := t.logger.With(
		slog.String("exec_id", ex.ExecID),
		slog.String("order_id", ex.OrderID),
		slog.String("instrument", ex.Instrument.Key()),
	)
	log.InfoContext(ctx, "execution received",
		slog.String("side", string(ex.Side)),
		slog.String("quantity", ex.Quantity.String()),
		slog.String("price", ex.Price.String()),
	)

	a, found := t.actionFor(ctx, ex)
	ev := domain.Event{
		Type: domain.EventExecution,
		Detail: map[string]any{
			"exec_id":    ex.ExecID,
			"order_id":   ex.OrderID,
			"instrument": ex.Instrument.Key(),
			"side":       string(ex.Side),
			"quantity":   ex.Quantity.String(),
			"price":      ex.Price.String(),
		},
	}
	if found {
		ev.TradeID, ev.ActionID = a.TradeID, a.ID
	}
	if err := t.events.Publish(ctx, ev); err != nil {
		log.WarnContext(ctx, "publish execution failed", slog.String("error", err.Error()))
	}
	if !found {
		return
	}

	out, err := t.actuator.ResumeAction(ctx, a.ID)
	if err != nil {
		log.WarnContext(ctx, "settle from execution failed",
			slog.String("action_id", a.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	log.DebugContext(ctx, "action settled from execution",
		slog.String("action_id", a.ID),
		slog.String("result", string(out.Result)),
	)
}

// actionFor finds the submitted action whose idempotency key is the
// execution's client order ID.
func (t *Tracker) actionFor(ctx context.Context, ex domain.Execution) (domain.Action, bool) {
	if ex.ClientOrderID == "" && ex.OrderID == "" {
		return domain.Action{}, false
	}
	submitted, err := t.actions.List(ctx, domain.ActionFilter{
		Statuses: []domain.ActionStatus{domain.ActionStatusSubmitted},
	})
	if err != nil {
		t.logger.WarnContext(ctx, "list submitted actions failed", slog.String("error", err.Error()))
		return domain.Action{}, false
	}
	for _, a := range submitted {
		if (ex.ClientOrderID != "" && a.IdempotencyKey == ex.ClientOrderID) ||
			(ex.OrderID != "" && a.BrokerOrderID == ex.OrderID) {
			return a, true
		}
	}
	return domain.Action{}, false
}
