package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ledgersync/internal/broker"
	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
	"github.com/alanyoungcy/ledgersync/internal/executor"
	"github.com/alanyoungcy/ledgersync/internal/ledger"
	"github.com/alanyoungcy/ledgersync/internal/notify"
)

// Options restricts a single pass.
type Options struct {
	// DryRun detects divergences without creating or resuming actions.
	DryRun bool
	// TradeIDs limits the pass to the instruments these trades are on.
	TradeIDs []string
}

// PassObserver receives every finished pass report, e.g. to export metrics.
type PassObserver interface {
	ObservePass(r domain.PassReport)
}

// Config tunes the engine.
type Config struct {
	// Concurrency bounds how many instruments are actuated at once.
	Concurrency int
}

// Engine runs reconciliation passes: resume, read, detect, act, report.
type Engine struct {
	ledger   *ledger.Reader
	writer   *ledger.Writer
	broker   *broker.StateReader
	actions  domain.ActionStore
	actuator *executor.Actuator
	events   *events.Publisher
	notifier *notify.Notifier
	archiver domain.ReportArchiver
	recorder domain.FillRecorder
	observer PassObserver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	passMu sync.Mutex

	// notified remembers report-only divergences already sent to operators
	// so an unchanged finding is not re-sent every pass.
	notifiedMu sync.Mutex
	notified   map[string]bool
}

// NewEngine creates an Engine. pub and notifier may be nil.
func NewEngine(
	reader *ledger.Reader,
	writer *ledger.Writer,
	state *broker.StateReader,
	actions domain.ActionStore,
	actuator *executor.Actuator,
	pub *events.Publisher,
	notifier *notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Engine{
		ledger:   reader,
		writer:   writer,
		broker:   state,
		actions:  actions,
		actuator: actuator,
		events:   pub,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "reconcile_engine")),
		now:      time.Now,
		notified: make(map[string]bool),
	}
}

// SetArchiver stores every non-dry-run pass report. a may be nil.
func (e *Engine) SetArchiver(a domain.ReportArchiver) { e.archiver = a }

// SetFillRecorder records pass summaries for analytics. r may be nil.
func (e *Engine) SetFillRecorder(r domain.FillRecorder) { e.recorder = r }

// SetObserver registers o for finished passes. o may be nil.
func (e *Engine) SetObserver(o PassObserver) { e.observer = o }

// RunPass performs one reconciliation pass. Passes are serialised within the
// process; the per-trade lock serialises them across processes. The returned
// error is set only when the pass could not read its inputs.
func (e *Engine) RunPass(ctx context.Context, opts Options) (domain.PassReport, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	report := domain.PassReport{
		PassID:    domain.NewID(),
		DryRun:    opts.DryRun,
		StartedAt: e.now().UTC(),
	}
	log := e.logger.With(slog.String("pass_id", report.PassID))

	// 1. Resume actions left unsettled by earlier passes.
	if !opts.DryRun {
		resumed, err := e.actuator.Resume(ctx)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			log.ErrorContext(ctx, "resume unsettled actions failed", slog.String("error", err.Error()))
		}
		for _, out := range resumed {
			e.tally(ctx, &report, out)
		}
	}

	// 2. Read both sides.
	led, err := e.ledger.Snapshot(ctx)
	if err != nil {
		return e.abandon(ctx, report, fmt.Errorf("reconcile: %w", err))
	}
	brk, err := e.broker.Snapshot(ctx)
	if err != nil {
		return e.abandon(ctx, report, fmt.Errorf("reconcile: %w", err))
	}
	unsettled, err := e.actions.ListUnsettled(ctx)
	if err != nil {
		return e.abandon(ctx, report, fmt.Errorf("reconcile: list unsettled: %w", err))
	}
	report.TradesRead = len(led.Trades)
	report.SkippedRows = led.Skipped
	report.PositionsRead = len(brk.Positions)

	// 3. Detect.
	divs := Detect(led, brk, unsettled, report.PassID)
	if len(opts.TradeIDs) > 0 {
		divs = restrict(divs, led, opts.TradeIDs)
	}
	report.Divergences = divs
	for _, d := range divs {
		e.publish(ctx, domain.Event{
			Type:    domain.EventDivergence,
			TradeID: d.TradeID,
			Detail: map[string]any{
				"kind":            string(d.Kind),
				"instrument":      d.Instrument.Key(),
				"broker_quantity": d.BrokerQuantity.String(),
				"residual":        d.Residual.String(),
			},
		})
	}
	if opts.DryRun {
		report.FinishedAt = e.now().UTC()
		log.InfoContext(ctx, "dry-run pass complete", slog.Int("divergences", len(divs)))
		return report, nil
	}
	e.notifyReportOnly(ctx, report.PassID, divs)

	// 4. Act: instruments concurrently, trades on one instrument in order.
	groups := groupByInstrument(divs)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, group := range groups {
		g.Go(func() error {
			for _, d := range group {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				out, err := e.actuator.Execute(gctx, *d.Action)
				mu.Lock()
				if err != nil {
					report.Errors = append(report.Errors, err.Error())
				}
				e.tally(gctx, &report, out)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	// 5. Report.
	report.FinishedAt = e.now().UTC()
	e.finish(ctx, report)
	log.InfoContext(ctx, "reconciliation pass complete",
		slog.Int("trades", report.TradesRead),
		slog.Int("positions", report.PositionsRead),
		slog.Int("divergences", len(report.Divergences)),
		slog.Int("created", report.Created),
		slog.Int("filled", report.Filled),
		slog.Int("failed", report.Failed),
		slog.Int("aborted", report.Aborted),
		slog.Duration("duration", report.Duration()),
	)
	return report, nil
}

// ForceClose closes an open trade in the ledger and runs a pass restricted to
// it, so a still-open broker position is flattened right away.
func (e *Engine) ForceClose(ctx context.Context, tradeID, reason string) (domain.PassReport, error) {
	t, err := e.writer.CloseTrade(ctx, tradeID, reason)
	if err != nil {
		return domain.PassReport{}, fmt.Errorf("reconcile: force close: %w", err)
	}
	if err := e.notifier.Notify(ctx, notify.TradeClosed(t, reason)); err != nil {
		e.logger.WarnContext(ctx, "notify trade closed failed", slog.String("error", err.Error()))
	}
	return e.RunPass(ctx, Options{TradeIDs: []string{tradeID}})
}

// Run performs a pass immediately and then every interval until ctx is done.
// A failed pass is logged; the loop keeps going.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.logger.Info("reconciliation loop started", slog.Duration("interval", interval))
	defer e.logger.Info("reconciliation loop stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunPass(ctx, Options{}); err != nil && ctx.Err() == nil {
			e.logger.ErrorContext(ctx, "reconciliation pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tally folds one actuator outcome into the report and alerts operators on
// outcomes that need them.
func (e *Engine) tally(ctx context.Context, r *domain.PassReport, out executor.Outcome) {
	if out.Created {
		r.Created++
	}
	if out.Submitted {
		r.Submitted++
	}
	if out.Resumed {
		r.Resumed++
	}
	if out.LedgerWritten {
		r.LedgerWrites++
	}

	switch out.Result {
	case executor.ResultFilled:
		r.Filled++
		e.alert(ctx, notify.TradeFlattened(out.Action))
		if errors.Is(out.Err, domain.ErrWriteConflict) {
			r.WriteConflicts++
			e.alert(ctx, notify.WriteConflict(out.Action, out.Err))
		} else if out.Err != nil {
			r.Errors = append(r.Errors, out.Err.Error())
		}
	case executor.ResultFailed:
		r.Failed++
		e.alert(ctx, notify.SubmissionFailed(out.Action, out.Err))
	case executor.ResultAborted:
		r.Aborted++
		var amb *domain.AmbiguousStateError
		if errors.As(out.Err, &amb) {
			e.alert(ctx, notify.AmbiguousState(amb))
		} else if out.Err != nil {
			r.Errors = append(r.Errors, out.Err.Error())
		}
	}
}

func (e *Engine) alert(ctx context.Context, m notify.Message) {
	if err := e.notifier.Notify(ctx, m); err != nil {
		e.logger.WarnContext(ctx, "notify failed",
			slog.String("event", string(m.Event)),
			slog.String("error", err.Error()),
		)
	}
}

// notifyReportOnly alerts on report-only divergences not seen in the previous
// pass. Findings that disappear are forgotten so a recurrence alerts again.
func (e *Engine) notifyReportOnly(ctx context.Context, passID string, divs []domain.Divergence) {
	e.notifiedMu.Lock()
	seen := make(map[string]bool)
	var fresh []domain.Divergence
	for _, d := range divs {
		if !ReportOnly(d) {
			continue
		}
		sig := string(d.Kind) + "|" + d.TradeID + "|" + d.BrokerQuantity.String()
		seen[sig] = true
		if !e.notified[sig] {
			fresh = append(fresh, d)
		}
	}
	e.notified = seen
	e.notifiedMu.Unlock()

	if len(fresh) > 0 {
		e.alert(ctx, notify.Divergences(passID, fresh))
	}
}

// abandon finishes a pass that could not read its inputs.
func (e *Engine) abandon(ctx context.Context, r domain.PassReport, err error) (domain.PassReport, error) {
	r.Errors = append(r.Errors, err.Error())
	r.FinishedAt = e.now().UTC()
	e.logger.ErrorContext(ctx, "reconciliation pass abandoned",
		slog.String("pass_id", r.PassID),
		slog.String("error", err.Error()),
	)
	if !r.DryRun {
		e.finish(ctx, r)
	}
	return r, err
}

// finish publishes, archives and records a completed pass.
func (e *Engine) finish(ctx context.Context, r domain.PassReport) {
	e.publish(ctx, domain.Event{
		Type: domain.EventPassCompleted,
		Detail: map[string]any{
			"pass_id":     r.PassID,
			"divergences": len(r.Divergences),
			"created":     r.Created,
			"filled":      r.Filled,
			"failed":      r.Failed,
			"aborted":     r.Aborted,
			"errors":      len(r.Errors),
		},
	})
	if e.archiver != nil {
		if _, err := e.archiver.ArchivePass(ctx, r); err != nil {
			e.logger.WarnContext(ctx, "archive pass report failed", slog.String("error", err.Error()))
		}
	}
	if e.recorder != nil {
		if err := e.recorder.RecordPass(ctx, r); err != nil {
			e.logger.WarnContext(ctx, "record pass failed", slog.String("error", err.Error()))
		}
	}
	if e.observer != nil {
		e.observer.ObservePass(r)
	}
}

func (e *Engine) publish(ctx context.Context, ev domain.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// restrict keeps divergences on the instruments of the given trades. The
// whole instrument is kept because its residual depends on every trade on it.
func restrict(divs []domain.Divergence, led ledger.Snapshot, tradeIDs []string) []domain.Divergence {
	keys := make(map[string]bool, len(tradeIDs))
	for _, id := range tradeIDs {
		if t, ok := led.Get(id); ok {
			keys[t.Instrument.Key()] = true
		}
	}
	out := divs[:0:0]
	for _, d := range divs {
		if keys[d.Instrument.Key()] {
			out = append(out, d)
		}
	}
	return out
}

// groupByInstrument returns the actionable divergences grouped by instrument
// key, groups in key order.
func groupByInstrument(divs []domain.Divergence) [][]domain.Divergence {
	byKey := make(map[string][]domain.Divergence)
	for _, d := range divs {
		if d.Actionable() {
			k := d.Action.Instrument.Key()
			byKey[k] = append(byKey[k], d)
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	groups := make([][]domain.Divergence, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, byKey[k])
	}
	return groups
}
