package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newAction(id, tradeID string, created time.Time) domain.Action {
	return domain.Action{
		ID:               id,
		TradeID:          tradeID,
		Instrument:       domain.Instrument{Symbol: "ES", SecType: domain.SecTypeFuture, Exchange: "CME"},
		Side:             domain.OrderSideBuy,
		Quantity:         decimal.NewFromInt(2),
		ObservedPosition: decimal.NewFromInt(-2),
		Status:           domain.ActionStatusPending,
		IdempotencyKey:   "key-" + id,
		CreatedAt:        created,
	}
}

func TestActionStore_BlockingInvariant(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore(openTestDB(t))
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	a := newAction("A1", "T1", t0)
	require.NoError(t, s.Create(ctx, a))
	assert.ErrorIs(t, s.Create(ctx, newAction("A2", "T1", t0)), domain.ErrAlreadyExists)
	assert.ErrorIs(t, s.Create(ctx, newAction("A1", "T2", t0)), domain.ErrAlreadyExists, "duplicate id")
	require.NoError(t, s.Create(ctx, newAction("A3", "T2", t0.Add(time.Second))))

	a.Status = domain.ActionStatusFailed
	a.Error = "margin"
	require.NoError(t, s.Transition(ctx, a, domain.ActionStatusPending))
	assert.ErrorIs(t, s.Transition(ctx, a, domain.ActionStatusPending), domain.ErrStaleAction)
	assert.ErrorIs(t, s.Create(ctx, newAction("A2", "T1", t0)), domain.ErrAlreadyExists)

	unsettled, err := s.ListUnsettled(ctx)
	require.NoError(t, err)
	require.Len(t, unsettled, 2)
	assert.Equal(t, "A1", unsettled[0].ID)

	require.NoError(t, s.Acknowledge(ctx, "A1"))
	require.NoError(t, s.Create(ctx, newAction("A2", "T1", t0.Add(2*time.Second))))

	got, err := s.GetByID(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, got.Acknowledged)
	assert.Equal(t, "margin", got.Error)
	assert.Equal(t, domain.SecTypeFuture, got.Instrument.SecType)
	assert.True(t, got.ObservedPosition.Equal(decimal.NewFromInt(-2)))
	assert.Equal(t, t0, got.CreatedAt)
}

func TestActionStore_FillRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore(openTestDB(t))

	a := newAction("A1", "T1", time.Now().UTC())
	require.NoError(t, s.Create(ctx, a))
	a.Status = domain.ActionStatusSubmitted
	require.NoError(t, s.Transition(ctx, a, domain.ActionStatusPending))

	filledAt := time.Date(2026, 10, 3, 9, 30, 0, 123456789, time.UTC)
	a.Status = domain.ActionStatusFilled
	a.BrokerOrderID = "O-9"
	a.SetFill(domain.Fill{Price: decimal.RequireFromString("5012.25"), Quantity: decimal.NewFromInt(2), Time: filledAt})
	require.NoError(t, s.Transition(ctx, a, domain.ActionStatusSubmitted))

	got, err := s.GetByID(ctx, "A1")
	require.NoError(t, err)
	fill, ok := got.Fill()
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("5012.25")))
	assert.Equal(t, filledAt, fill.Time)
	assert.Equal(t, "O-9", got.BrokerOrderID)

	_, err = s.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestActionStore_KeepsOptionContract(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore(openTestDB(t))

	a := newAction("A1", "T1", time.Now().UTC())
	a.Instrument = domain.Instrument{
		Symbol: "SPY", SecType: domain.SecTypeOption,
		Expiry: "20261231", Strike: "100", Right: domain.RightPut,
	}
	require.NoError(t, s.Create(ctx, a))

	got, err := s.GetByID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, a.Instrument, got.Instrument)
	assert.Equal(t, "OPT:SPY:20261231:100:P", got.Instrument.Key())
}

func TestActionStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore(openTestDB(t))
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"A1", "A2", "A3"} {
		require.NoError(t, s.Create(ctx, newAction(id, "T"+id, t0.Add(time.Duration(i)*time.Minute))))
	}
	a2, err := s.GetByID(ctx, "A2")
	require.NoError(t, err)
	a2.Status = domain.ActionStatusAborted
	require.NoError(t, s.Transition(ctx, a2, domain.ActionStatusPending))

	all, err := s.List(ctx, domain.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "A3", all[0].ID, "newest first")

	pending, err := s.List(ctx, domain.ActionFilter{Statuses: []domain.ActionStatus{domain.ActionStatusPending}})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	paged, err := s.List(ctx, domain.ActionFilter{ListOpts: domain.ListOpts{Offset: 1}})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "A2", paged[0].ID)

	byTrade, err := s.List(ctx, domain.ActionFilter{TradeID: "TA1"})
	require.NoError(t, err)
	require.Len(t, byTrade, 1)
}

func TestWriteQueue(t *testing.T) {
	ctx := context.Background()
	q := NewWriteQueue(openTestDB(t))
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	w := domain.PendingWrite{
		ID: "W1", ActionID: "A1", TradeID: "T1",
		Fill:          domain.Fill{Price: decimal.RequireFromString("1.0855"), Quantity: decimal.NewFromInt(10000), Time: now},
		Attempts:      1,
		NextAttemptAt: now,
	}
	require.NoError(t, q.Enqueue(ctx, w))
	w.ID = "W2"
	require.NoError(t, q.Enqueue(ctx, w))

	due, err := q.Due(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "W1", due[0].ID)
	assert.True(t, due[0].Fill.Price.Equal(decimal.RequireFromString("1.0855")))

	require.NoError(t, q.Reschedule(ctx, "W1", 2, now.Add(time.Minute), "conflict"))
	due, err = q.Due(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = q.Due(ctx, now.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)

	require.NoError(t, q.Complete(ctx, "W1"))
	assert.ErrorIs(t, q.Complete(ctx, "W1"), domain.ErrNotFound)
	assert.ErrorIs(t, q.Reschedule(ctx, "W1", 3, now, ""), domain.ErrNotFound)
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore(openTestDB(t))

	require.NoError(t, s.Log(ctx, "action_created", map[string]any{"trade_id": "T1"}))
	require.NoError(t, s.Log(ctx, "order_submitted", map[string]any{"trade_id": "T1", "order_id": "O1"}))
	require.NoError(t, s.Log(ctx, "order_filled", nil))

	entries, err := s.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "order_filled", entries[0].Event)
	assert.Equal(t, "O1", entries[1].Detail["order_id"])
}
