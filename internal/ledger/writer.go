package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
	"github.com/alanyoungcy/ledgersync/internal/notify"
)

// WriterConfig tunes the write-retry queue.
type WriterConfig struct {
	RetryBackoff time.Duration
	RetryMax     time.Duration
	BatchSize    int
}

// Writer records realized fills on ledger trades. Writes are conditional on
// the version read; a lost race parks the fill in the write queue so only the
// bookkeeping is retried, never the order.
type Writer struct {
	store    domain.LedgerStore
	queue    domain.WriteQueue
	audit    domain.AuditStore
	events   *events.Publisher
	notifier *notify.Notifier
	cfg      WriterConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewWriter creates a Writer. audit and pub may be nil.
func NewWriter(
	store domain.LedgerStore,
	queue domain.WriteQueue,
	audit domain.AuditStore,
	pub *events.Publisher,
	cfg WriterConfig,
	logger *slog.Logger,
) *Writer {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.RetryMax < cfg.RetryBackoff {
		cfg.RetryMax = cfg.RetryBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Writer{
		store:  store,
		queue:  queue,
		audit:  audit,
		events: pub,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ledger_writer")),
		now:    time.Now,
	}
}

// SetNotifier enables operator alerts when a queued write is finally applied.
func (w *Writer) SetNotifier(n *notify.Notifier) {
	w.notifier = n
}

// marker tags the notes of a trade once a fill has been written, making the
// write idempotent across retries.
func marker(actionID string) string {
	return "[ls:" + actionID + "]"
}

// RecordFill backfills the realized exit of a.TradeID. On any failure the fill
// is queued for a later write-only retry and the error is returned; a
// *domain.WriteConflictError signals a lost optimistic-concurrency race.
func (w *Writer) RecordFill(ctx context.Context, a domain.Action, f domain.Fill) error {
	err := w.apply(ctx, a.ID, a.TradeID, f)
	if err == nil {
		w.logger.InfoContext(ctx, "ledger updated with fill",
			slog.String("trade_id", a.TradeID),
			slog.String("action_id", a.ID),
			slog.String("price", f.Price.String()),
		)
		return nil
	}

	w.logger.WarnContext(ctx, "ledger write failed; queued for retry",
		slog.String("trade_id", a.TradeID),
		slog.String("action_id", a.ID),
		slog.String("error", err.Error()),
	)
	pw := domain.PendingWrite{
		ID:            domain.NewID(),
		ActionID:      a.ID,
		TradeID:       a.TradeID,
		Fill:          f,
		Attempts:      1,
		LastError:     err.Error(),
		NextAttemptAt: w.now().Add(w.cfg.RetryBackoff),
		CreatedAt:     w.now(),
	}
	if qerr := w.queue.Enqueue(ctx, pw); qerr != nil {
		return errors.Join(
			fmt.Errorf("ledger: record fill: %w", err),
			fmt.Errorf("ledger: enqueue retry: %w", qerr),
		)
	}
	w.auditLog(ctx, "ledger_write_queued", map[string]any{
		"trade_id":  a.TradeID,
		"action_id": a.ID,
		"error":     err.Error(),
	})
	return fmt.Errorf("ledger: record fill: %w", err)
}

func (w *Writer) apply(ctx context.Context, actionID, tradeID string, f domain.Fill) error {
	t, err := w.store.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	tag := marker(actionID)
	if strings.Contains(t.Notes, tag) {
		return nil
	}

	// The operator's exit price stands; a residual fill on an already-priced
	// trade is only recorded in the notes.
	note := fmt.Sprintf("%s flattened %s @ %s", tag, f.Quantity.String(), f.Price.String())
	if t.ExitPrice == nil {
		price := f.Price
		t.ExitPrice = &price
	} else {
		note = fmt.Sprintf("%s residual %s @ %s", tag, f.Quantity.String(), f.Price.String())
	}
	if t.ExitedAt == nil {
		at := f.Time
		t.ExitedAt = &at
	}
	t.Status = domain.TradeStatusClosed
	t.Notes = appendNote(t.Notes, note)

	if _, err := w.store.UpdateTrade(ctx, t); err != nil {
		return err
	}

	w.publish(ctx, domain.Event{
		Type:     domain.EventLedgerWritten,
		TradeID:  tradeID,
		ActionID: actionID,
		Detail: map[string]any{
			"exit_price": t.ExitPrice.String(),
			"fill_price": f.Price.String(),
			"quantity":   f.Quantity.String(),
		},
	})
	w.auditLog(ctx, "ledger_written", map[string]any{
		"trade_id":   tradeID,
		"action_id":  actionID,
		"exit_price": t.ExitPrice.String(),
		"fill_price": f.Price.String(),
	})
	return nil
}

func (w *Writer) publish(ctx context.Context, ev domain.Event) {
	if err := w.events.Publish(ctx, ev); err != nil {
		w.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", string(ev.Type)),
			slog.String("trade_id", ev.TradeID),
			slog.String("error", err.Error()),
		)
	}
}

// CloseTrade records an operator-initiated exit: the trade moves from open to
// closed with the current time as exit date. A closed trade yields
// domain.ErrTradeClosed.
func (w *Writer) CloseTrade(ctx context.Context, tradeID, reason string) (domain.Trade, error) {
	t, err := w.store.GetTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("ledger: close trade: %w", err)
	}
	if t.IsClosed() {
		return domain.Trade{}, fmt.Errorf("ledger: close trade %s: %w", tradeID, domain.ErrTradeClosed)
	}

	at := w.now().UTC()
	t.Status = domain.TradeStatusClosed
	t.ExitedAt = &at
	if reason == "" {
		reason = "force close"
	}
	t.Notes = appendNote(t.Notes, reason)

	out, err := w.store.UpdateTrade(ctx, t)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("ledger: close trade: %w", err)
	}

	w.publish(ctx, domain.Event{
		Type:    domain.EventTradeClosed,
		TradeID: tradeID,
		Detail:  map[string]any{"reason": reason},
	})
	w.auditLog(ctx, "trade_closed", map[string]any{"trade_id": tradeID, "reason": reason})
	w.logger.InfoContext(ctx, "trade closed in ledger",
		slog.String("trade_id", tradeID),
		slog.String("reason", reason),
	)
	return out, nil
}

// RetryResult counts the outcome of one RetryPending sweep.
type RetryResult struct {
	Applied     int
	Rescheduled int
}

// RetryPending re-applies due queued writes. It never touches the broker.
func (w *Writer) RetryPending(ctx context.Context) (RetryResult, error) {
	var res RetryResult

	due, err := w.queue.Due(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("ledger: list due writes: %w", err)
	}

	for _, pw := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := w.apply(ctx, pw.ActionID, pw.TradeID, pw.Fill); err != nil {
			attempts := pw.Attempts + 1
			next := w.now().Add(w.backoff(attempts))
			if rerr := w.queue.Reschedule(ctx, pw.ID, attempts, next, err.Error()); rerr != nil {
				return res, fmt.Errorf("ledger: reschedule write %s: %w", pw.ID, rerr)
			}
			res.Rescheduled++

			var conflict *domain.WriteConflictError
			level := slog.LevelWarn
			if !errors.As(err, &conflict) {
				level = slog.LevelError
			}
			w.logger.Log(ctx, level, "queued ledger write failed",
				slog.String("trade_id", pw.TradeID),
				slog.String("action_id", pw.ActionID),
				slog.Int("attempts", attempts),
				slog.Time("next_attempt", next),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := w.queue.Complete(ctx, pw.ID); err != nil {
			return res, fmt.Errorf("ledger: complete write %s: %w", pw.ID, err)
		}
		res.Applied++
		if err := w.notifier.Notify(ctx, notify.LedgerWritten(pw.TradeID)); err != nil {
			w.logger.WarnContext(ctx, "notify ledger write failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// Run retries queued writes every interval until ctx is done.
func (w *Writer) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := w.RetryPending(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.ErrorContext(ctx, "write retry sweep failed", slog.String("error", err.Error()))
				continue
			}
			if res.Applied+res.Rescheduled > 0 {
				w.logger.InfoContext(ctx, "write retry sweep",
					slog.Int("applied", res.Applied),
					slog.Int("rescheduled", res.Rescheduled),
				)
			}
		}
	}
}

func (w *Writer) backoff(attempts int) time.Duration {
	d := w.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.RetryMax {
			return w.cfg.RetryMax
		}
	}
	return d
}

func (w *Writer) auditLog(ctx context.Context, event string, detail map[string]any) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Log(ctx, event, detail); err != nil {
		w.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func appendNote(notes, add string) string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return add
	}
	return notes + "; " + add
}
