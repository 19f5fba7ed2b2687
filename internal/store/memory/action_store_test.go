package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

func newAction(id, tradeID string) domain.Action {
	return domain.Action{
		ID:             id,
		TradeID:        tradeID,
		Instrument:     domain.Instrument{Symbol: "AAPL", SecType: domain.SecTypeStock},
		Side:           domain.OrderSideSell,
		Quantity:       decimal.NewFromInt(100),
		Status:         domain.ActionStatusPending,
		IdempotencyKey: id,
	}
}

func TestActionStore_OneActivePerTrade(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()

	require.NoError(t, s.Create(ctx, newAction("a1", "t1")))
	assert.ErrorIs(t, s.Create(ctx, newAction("a2", "t1")), domain.ErrAlreadyExists)
	require.NoError(t, s.Create(ctx, newAction("a3", "t2")))

	a, err := s.GetByID(ctx, "a1")
	require.NoError(t, err)
	a.Status = domain.ActionStatusSubmitted
	require.NoError(t, s.Transition(ctx, a, domain.ActionStatusPending))
	assert.ErrorIs(t, s.Create(ctx, newAction("a2", "t1")), domain.ErrAlreadyExists)

	a.Status = domain.ActionStatusFilled
	require.NoError(t, s.Transition(ctx, a, domain.ActionStatusSubmitted))
	assert.NoError(t, s.Create(ctx, newAction("a2", "t1")))
}

func TestActionStore_TransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	require.NoError(t, s.Create(ctx, newAction("a1", "t1")))

	a, err := s.GetByID(ctx, "a1")
	require.NoError(t, err)
	a.Status = domain.ActionStatusSubmitted
	require.NoError(t, s.Transition(ctx, a, domain.ActionStatusPending))
	assert.ErrorIs(t, s.Transition(ctx, a, domain.ActionStatusPending), domain.ErrStaleAction)
	assert.ErrorIs(t, s.Transition(ctx, newAction("missing", "t9"), domain.ActionStatusPending), domain.ErrNotFound)
}

func TestActionStore_UnsettledAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	require.NoError(t, s.Create(ctx, newAction("a1", "t1")))
	require.NoError(t, s.Create(ctx, newAction("a2", "t2")))

	a2, _ := s.GetByID(ctx, "a2")
	a2.Status = domain.ActionStatusFailed
	a2.Error = "halted"
	require.NoError(t, s.Transition(ctx, a2, domain.ActionStatusPending))

	unsettled, err := s.ListUnsettled(ctx)
	require.NoError(t, err)
	require.Len(t, unsettled, 2)
	assert.ErrorIs(t, s.Create(ctx, newAction("a3", "t2")), domain.ErrAlreadyExists)

	assert.ErrorIs(t, s.Acknowledge(ctx, "a1"), domain.ErrNotFound)
	require.NoError(t, s.Acknowledge(ctx, "a2"))
	assert.NoError(t, s.Create(ctx, newAction("a3", "t2")))

	unsettled, err = s.ListUnsettled(ctx)
	require.NoError(t, err)
	require.Len(t, unsettled, 2)
	assert.Equal(t, "a1", unsettled[0].ID)
	assert.Equal(t, "a3", unsettled[1].ID)

	failed, err := s.List(ctx, domain.ActionFilter{Statuses: []domain.ActionStatus{domain.ActionStatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Acknowledged)
}

func TestActionStore_ListPagination(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.Create(ctx, newAction(id, "t-"+id)))
	}

	page, err := s.List(ctx, domain.ActionFilter{ListOpts: domain.ListOpts{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a3", page[0].ID)

	page, err = s.List(ctx, domain.ActionFilter{ListOpts: domain.ListOpts{Limit: 2, Offset: 2}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a1", page[0].ID)
}

func TestLedgerStore_OptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore(domain.Trade{ID: "t1", Status: domain.TradeStatusOpen})

	tr, err := s.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tr.Version)

	tr.Notes = "first"
	updated, err := s.UpdateTrade(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	tr.Notes = "stale"
	_, err = s.UpdateTrade(ctx, tr)
	var conflict *domain.WriteConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.ExpectedVersion)
	assert.Equal(t, int64(2), conflict.ActualVersion)
	assert.ErrorIs(t, err, domain.ErrWriteConflict)
}
