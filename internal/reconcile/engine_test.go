package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/broker"
	cachemem "github.com/alanyoungcy/ledgersync/internal/cache/memory"
	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
	"github.com/alanyoungcy/ledgersync/internal/executor"
	"github.com/alanyoungcy/ledgersync/internal/ledger"
	"github.com/alanyoungcy/ledgersync/internal/notify"
	"github.com/alanyoungcy/ledgersync/internal/platform/paper"
	"github.com/alanyoungcy/ledgersync/internal/store/memory"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

type memArchive struct {
	mu      sync.Mutex
	reports []domain.PassReport
}

func (a *memArchive) ArchivePass(_ context.Context, r domain.PassReport) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return "reports/" + r.PassID + ".json", nil
}

type fixture struct {
	broker  *paper.Broker
	ledger  *memory.LedgerStore
	actions *memory.ActionStore
	sender  *recordingSender
	archive *memArchive
	engine  *Engine
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, trades ...domain.Trade) *fixture {
	t.Helper()
	f := &fixture{
		broker:  paper.New(),
		ledger:  memory.NewLedgerStore(trades...),
		actions: memory.NewActionStore(),
		sender:  &recordingSender{},
		archive: &memArchive{},
	}
	logger := testLogger()
	bus := cachemem.NewSignalBus(0)
	pub := events.NewPublisher(bus)
	queue := memory.NewWriteQueue()
	audit := memory.NewAuditStore()

	writer := ledger.NewWriter(f.ledger, queue, audit, pub, ledger.WriterConfig{}, logger)
	state := broker.NewStateReader(f.broker, logger)
	act := executor.NewActuator(f.broker, state, f.actions, cachemem.NewLockManager(), cachemem.NewRateLimiter(),
		writer, audit, pub, executor.Config{
			FillTimeout:      200 * time.Millisecond,
			FillPollInterval: 5 * time.Millisecond,
			OrderRateLimit:   100,
		}, logger)
	notifier := notify.NewNotifier([]notify.Sender{f.sender}, nil, logger)

	f.engine = NewEngine(
		ledger.NewReader(f.ledger, nil, logger),
		writer,
		state,
		f.actions,
		act,
		pub,
		notifier,
		Config{Concurrency: 2},
		logger,
	)
	f.engine.SetArchiver(f.archive)
	return f
}

func (f *fixture) position(t *testing.T, inst domain.Instrument) decimal.Decimal {
	t.Helper()
	p, err := broker.NewStateReader(f.broker, testLogger()).Position(context.Background(), inst)
	require.NoError(t, err)
	return p
}

func TestRunPass_FlattensClosedTradeOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, closedTrade("T1", aapl, domain.SideLong, 100, at(2)))
	f.broker.SetPosition(aapl, d(100))
	f.broker.SetPrice(aapl, decimal.RequireFromString("201.5"))

	report, err := f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, 1, report.Filled)
	assert.Equal(t, 1, report.LedgerWrites)
	assert.Empty(t, report.Errors)
	assert.True(t, f.position(t, aapl).IsZero())

	tr, err := f.ledger.GetTrade(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, tr.ExitPrice)
	assert.True(t, tr.ExitPrice.Equal(decimal.RequireFromString("201.5")))

	// Repeated passes find nothing left to do.
	for i := 0; i < 3; i++ {
		again, err := f.engine.RunPass(ctx, Options{})
		require.NoError(t, err)
		assert.Zero(t, again.Created)
		assert.Empty(t, again.Divergences)
	}
	assert.Equal(t, 1, f.broker.Submissions())
	assert.Len(t, f.archive.reports, 4)
	assert.Contains(t, f.sender.Titles(), "Position flattened")
}

func TestRunPass_DryRunCreatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, closedTrade("T1", aapl, domain.SideLong, 100, at(2)))
	f.broker.SetPosition(aapl, d(100))

	report, err := f.engine.RunPass(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Divergences, 1)
	assert.True(t, report.Divergences[0].Actionable())
	assert.Zero(t, report.Created)
	assert.Zero(t, f.broker.Submissions())

	all, err := f.actions.List(ctx, domain.ActionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.archive.reports)
}

func TestRunPass_PositionMovedAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, closedTrade("T1", aapl, domain.SideLong, 100, at(2)))
	f.broker.SetPosition(aapl, d(100))
	// The first read is the pass snapshot; the second is the re-validation.
	reads := 0
	f.broker.BeforePositions = func() {
		if reads++; reads == 2 {
			f.broker.SetPosition(aapl, d(60))
		}
	}

	report, err := f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Aborted)
	assert.Zero(t, f.broker.Submissions())
	assert.Contains(t, f.sender.Titles(), "Broker position changed")

	// The next pass detects against the new position.
	report, err = f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Filled)
	assert.True(t, f.position(t, aapl).IsZero())
}

func TestRunPass_RejectionBlocksUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, closedTrade("T1", aapl, domain.SideLong, 100, at(2)))
	f.broker.SetPosition(aapl, d(100))
	f.broker.Halt(aapl, "trading halted")

	report, err := f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, f.sender.Titles(), "Reconciliation order rejected")

	report, err = f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, report.Divergences, 1)
	assert.Equal(t, domain.DivergencePendingAction, report.Divergences[0].Kind)
	assert.Equal(t, 1, f.broker.Submissions())

	failed, err := f.actions.List(ctx, domain.ActionFilter{Statuses: []domain.ActionStatus{domain.ActionStatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NoError(t, f.actions.Acknowledge(ctx, failed[0].ID))

	report, err = f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 2, f.broker.Submissions())
}

func TestRunPass_ManyInstrumentsConcurrently(t *testing.T) {
	ctx := context.Background()
	var trades []domain.Trade
	insts := []domain.Instrument{aapl, msft,
		{Symbol: "NVDA", SecType: domain.SecTypeStock},
		{Symbol: "ES", SecType: domain.SecTypeFuture},
		{Symbol: "TSLA", SecType: domain.SecTypeStock},
	}
	f := newFixture(t)
	for i, inst := range insts {
		tr := closedTrade("T"+inst.Symbol, inst, domain.SideLong, int64(10*(i+1)), at(2))
		trades = append(trades, tr)
		f.ledger.Put(tr)
		f.broker.SetPosition(inst, d(int64(10*(i+1))))
	}

	report, err := f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, len(trades), report.Filled)
	for _, inst := range insts {
		assert.True(t, f.position(t, inst).IsZero(), inst.Key())
	}
}

func TestRunPass_ReportOnlyNotifiedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTrade("T1", aapl, domain.SideLong, 100))

	for i := 0; i < 3; i++ {
		report, err := f.engine.RunPass(ctx, Options{})
		require.NoError(t, err)
		require.Len(t, report.Divergences, 1)
		assert.Equal(t, domain.DivergenceLedgerOpenBrokerFlat, report.Divergences[0].Kind)
	}
	assert.Equal(t, []string{"Ledger and broker disagree"}, f.sender.Titles())
	assert.Zero(t, f.broker.Submissions())
}

func TestRunPass_ResumesSubmittedAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, closedTrade("T1", aapl, domain.SideLong, 100, at(2)))
	f.broker.SetPosition(aapl, d(100))
	f.broker.SetAutoFill(false)

	report, err := f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Submitted)
	assert.Zero(t, report.Filled)

	working, err := f.broker.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.NoError(t, f.broker.Fill(working[0].ID))

	report, err = f.engine.RunPass(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 1, report.Filled)
	assert.Zero(t, report.Created)
	assert.Equal(t, 1, f.broker.Submissions())
}

func TestForceClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		openTrade("T1", aapl, domain.SideLong, 100),
		openTrade("T2", msft, domain.SideLong, 5),
	)
	f.broker.SetPosition(aapl, d(100))
	f.broker.SetPosition(msft, d(5))

	report, err := f.engine.ForceClose(ctx, "T1", "stop hit")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Filled)
	assert.True(t, f.position(t, aapl).IsZero())
	assert.True(t, f.position(t, msft).Equal(d(5)))

	tr, err := f.ledger.GetTrade(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, tr.IsClosed())
	assert.Contains(t, tr.Notes, "stop hit")
	assert.Contains(t, f.sender.Titles(), "Trade closed")

	_, err = f.engine.ForceClose(ctx, "T1", "again")
	assert.ErrorIs(t, err, domain.ErrTradeClosed)
}
