package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/broker"
	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/ledger"
)

var (
	aapl = domain.Instrument{Symbol: "AAPL", SecType: domain.SecTypeStock}
	msft = domain.Instrument{Symbol: "MSFT", SecType: domain.SecTypeStock}
)

func d(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func at(day int) *time.Time {
	t := time.Date(2026, 10, day, 15, 0, 0, 0, time.UTC)
	return &t
}

func closedTrade(id string, inst domain.Instrument, side domain.PositionSide, qty int64, exited *time.Time) domain.Trade {
	return domain.Trade{
		ID: id, Instrument: inst, Side: side, Quantity: d(qty),
		Status: domain.TradeStatusClosed, EnteredAt: *at(1), ExitedAt: exited,
	}
}

func openTrade(id string, inst domain.Instrument, side domain.PositionSide, qty int64) domain.Trade {
	return domain.Trade{
		ID: id, Instrument: inst, Side: side, Quantity: d(qty),
		Status: domain.TradeStatusOpen, EnteredAt: *at(1),
	}
}

func brokerSnap(positions map[domain.Instrument]int64, working ...domain.BrokerOrder) broker.Snapshot {
	s := broker.Snapshot{
		Positions: make(map[string]domain.BrokerPosition),
		Working:   make(map[string][]domain.BrokerOrder),
	}
	for inst, q := range positions {
		s.Positions[inst.Key()] = domain.BrokerPosition{Instrument: inst, Quantity: d(q)}
	}
	for _, o := range working {
		s.Working[o.Instrument.Key()] = append(s.Working[o.Instrument.Key()], o)
	}
	return s
}

func actionable(divs []domain.Divergence) []domain.Divergence {
	var out []domain.Divergence
	for _, dv := range divs {
		if dv.Actionable() {
			out = append(out, dv)
		}
	}
	return out
}

func TestDetect_ClosedLongBrokerOpen(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{closedTrade("T1", aapl, domain.SideLong, 100, at(2))})
	divs := Detect(led, brokerSnap(map[domain.Instrument]int64{aapl: 100}), nil, "P1")

	require.Len(t, divs, 1)
	dv := divs[0]
	assert.Equal(t, domain.DivergenceLedgerClosedBrokerOpen, dv.Kind)
	require.NotNil(t, dv.Action)
	assert.Equal(t, "T1", dv.Action.TradeID)
	assert.Equal(t, domain.OrderSideSell, dv.Action.Side)
	assert.True(t, dv.Action.Quantity.Equal(d(100)))
	assert.True(t, dv.Action.ObservedPosition.Equal(d(100)))
	assert.Equal(t, domain.ActionStatusPending, dv.Action.Status)
	assert.Equal(t, "P1", dv.Action.PassID)
	assert.Empty(t, dv.Action.ID)
}

func TestDetect_ClosedShortBuysBack(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{closedTrade("T1", aapl, domain.SideShort, 50, at(2))})
	divs := Detect(led, brokerSnap(map[domain.Instrument]int64{aapl: -50}), nil, "P1")

	require.Len(t, actionable(divs), 1)
	a := divs[0].Action
	assert.Equal(t, domain.OrderSideBuy, a.Side)
	assert.True(t, a.Quantity.Equal(d(50)))
	assert.True(t, a.ObservedPosition.Equal(d(-50)))
}

func TestDetect_ConsistentStates(t *testing.T) {
	tests := []struct {
		name   string
		trades []domain.Trade
		pos    map[domain.Instrument]int64
	}{
		{"closed and flat", []domain.Trade{closedTrade("T1", aapl, domain.SideLong, 100, at(2))}, nil},
		{"open and held", []domain.Trade{openTrade("T1", aapl, domain.SideLong, 100)}, map[domain.Instrument]int64{aapl: 100}},
		{
			"closed trade fully replaced by open trade",
			[]domain.Trade{closedTrade("T1", aapl, domain.SideLong, 100, at(2)), openTrade("T2", aapl, domain.SideLong, 40)},
			map[domain.Instrument]int64{aapl: 40},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			divs := Detect(ledger.NewSnapshot(tt.trades), brokerSnap(tt.pos), nil, "P1")
			assert.Empty(t, divs)
		})
	}
}

func TestDetect_OpenButFlatIsReportOnly(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{openTrade("T1", aapl, domain.SideLong, 100)})
	divs := Detect(led, brokerSnap(nil), nil, "P1")

	require.Len(t, divs, 1)
	assert.Equal(t, domain.DivergenceLedgerOpenBrokerFlat, divs[0].Kind)
	assert.Nil(t, divs[0].Action)
	assert.True(t, ReportOnly(divs[0]))
}

func TestDetect_ResidualWithoutClosedTrade(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{openTrade("T1", aapl, domain.SideLong, 100)})
	divs := Detect(led, brokerSnap(map[domain.Instrument]int64{aapl: 150}), nil, "P1")

	require.Len(t, divs, 1)
	assert.Equal(t, domain.DivergenceResidualMismatch, divs[0].Kind)
	assert.True(t, divs[0].Residual.Equal(d(50)))
	assert.Empty(t, actionable(divs))
}

func TestDetect_SharedInstrumentSingleAction(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{
		closedTrade("T1", aapl, domain.SideLong, 60, at(3)),
		closedTrade("T2", aapl, domain.SideLong, 40, at(5)),
		openTrade("T3", aapl, domain.SideLong, 30),
	})
	divs := Detect(led, brokerSnap(map[domain.Instrument]int64{aapl: 130}), nil, "P1")

	acts := actionable(divs)
	require.Len(t, acts, 1)
	assert.Equal(t, "T2", acts[0].Action.TradeID, "most recently exited trade carries the action")
	assert.True(t, acts[0].Action.Quantity.Equal(d(100)), "open trade quantity is left alone")

	require.Len(t, divs, 2)
	assert.Equal(t, "T1", divs[0].TradeID)
	assert.Equal(t, domain.DivergenceCovered, divs[0].Kind)
	assert.Contains(t, divs[0].Detail, "T2")
}

func TestDetect_UnsettledActionBlocks(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{
		closedTrade("T1", aapl, domain.SideLong, 60, at(3)),
		closedTrade("T2", aapl, domain.SideLong, 40, at(5)),
	})
	pos := brokerSnap(map[domain.Instrument]int64{aapl: 100})

	tests := []struct {
		name   string
		action domain.Action
		blocks bool
	}{
		{"submitted on carrier", domain.Action{ID: "A1", TradeID: "T2", Instrument: aapl, Status: domain.ActionStatusSubmitted}, true},
		{"pending on other trade", domain.Action{ID: "A1", TradeID: "T1", Instrument: aapl, Status: domain.ActionStatusPending}, true},
		{"failed unacknowledged", domain.Action{ID: "A1", TradeID: "T2", Instrument: aapl, Status: domain.ActionStatusFailed}, true},
		{"failed acknowledged", domain.Action{ID: "A1", TradeID: "T2", Instrument: aapl, Status: domain.ActionStatusFailed, Acknowledged: true}, false},
		{"other instrument", domain.Action{ID: "A1", TradeID: "T9", Instrument: msft, Status: domain.ActionStatusSubmitted}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			divs := Detect(led, pos, []domain.Action{tt.action}, "P1")
			if tt.blocks {
				assert.Empty(t, actionable(divs))
				last := divs[len(divs)-1]
				assert.Equal(t, domain.DivergencePendingAction, last.Kind)
				assert.Equal(t, "T2", last.TradeID)
			} else {
				assert.Len(t, actionable(divs), 1)
			}
		})
	}
}

func TestDetect_WorkingOrderBlocks(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{closedTrade("T1", aapl, domain.SideLong, 100, at(2))})
	working := domain.BrokerOrder{ID: "O7", Instrument: aapl, Status: domain.OrderStatusWorking}
	divs := Detect(led, brokerSnap(map[domain.Instrument]int64{aapl: 100}, working), nil, "P1")

	require.Len(t, divs, 1)
	assert.Equal(t, domain.DivergenceOrderWorking, divs[0].Kind)
	assert.Contains(t, divs[0].Detail, "O7")
}

func TestDetect_DeterministicOrder(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{
		openTrade("T9", msft, domain.SideLong, 10),
		closedTrade("T5", aapl, domain.SideLong, 100, at(2)),
		openTrade("T2", msft, domain.SideLong, 10),
	})
	pos := brokerSnap(map[domain.Instrument]int64{aapl: 100})

	first := Detect(led, pos, nil, "P1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Detect(led, pos, nil, "P1"))
	}
	require.Len(t, first, 3)
	assert.Equal(t, []string{"T5", "T2", "T9"}, []string{first[0].TradeID, first[1].TradeID, first[2].TradeID})
}

func TestDetect_UsesBrokerContract(t *testing.T) {
	routed := domain.Instrument{Symbol: "AAPL", SecType: domain.SecTypeStock, Exchange: "SMART", Currency: "USD"}
	led := ledger.NewSnapshot([]domain.Trade{closedTrade("T1", aapl, domain.SideLong, 100, at(2))})
	divs := Detect(led, brokerSnap(map[domain.Instrument]int64{routed: 100}), nil, "P1")

	require.Len(t, actionable(divs), 1)
	assert.Equal(t, "SMART", divs[0].Action.Instrument.Exchange)
}

func TestDetect_NeverGrowsOrReversesPosition(t *testing.T) {
	tests := []struct {
		name     string
		trades   []domain.Trade
		pos      int64
		residual int64
	}{
		{
			name: "open trades exceed the broker position",
			trades: []domain.Trade{
				openTrade("T1", aapl, domain.SideLong, 100),
				closedTrade("T2", aapl, domain.SideLong, 50, at(2)),
			},
			pos:      50,
			residual: -50,
		},
		{
			name: "open short against a long broker position",
			trades: []domain.Trade{
				openTrade("T1", aapl, domain.SideShort, 100),
				closedTrade("T2", aapl, domain.SideLong, 50, at(2)),
			},
			pos:      50,
			residual: 150,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			led := ledger.NewSnapshot(tt.trades)
			divs := Detect(led, brokerSnap(map[domain.Instrument]int64{aapl: tt.pos}), nil, "P1")

			assert.Empty(t, actionable(divs))
			require.Len(t, divs, 1)
			assert.Equal(t, domain.DivergenceResidualMismatch, divs[0].Kind)
			assert.Equal(t, "T1", divs[0].TradeID)
			assert.True(t, divs[0].Residual.Equal(d(tt.residual)))
			assert.True(t, ReportOnly(divs[0]))
		})
	}
}

func TestDetect_PartialResidualStillFlattens(t *testing.T) {
	led := ledger.NewSnapshot([]domain.Trade{
		openTrade("T1", aapl, domain.SideShort, 20),
		closedTrade("T2", aapl, domain.SideShort, 30, at(2)),
	})
	divs := Detect(led, brokerSnap(map[domain.Instrument]int64{aapl: -50}), nil, "P1")

	acts := actionable(divs)
	require.Len(t, acts, 1)
	assert.Equal(t, domain.OrderSideBuy, acts[0].Action.Side)
	assert.True(t, acts[0].Action.Quantity.Equal(d(30)))
}

func TestDetect_OptionStrikesOnOneUnderlying(t *testing.T) {
	put := func(strike string) domain.Instrument {
		return domain.Instrument{Symbol: "SPY", SecType: domain.SecTypeOption, Expiry: "20261231", Strike: strike, Right: domain.RightPut}
	}
	led := ledger.NewSnapshot([]domain.Trade{
		closedTrade("T1", put("100"), domain.SideLong, 2, at(2)),
		openTrade("T2", put("110"), domain.SideLong, 3),
	})
	brk := brokerSnap(map[domain.Instrument]int64{put("100"): 2, put("110"): 3})

	divs := Detect(led, brk, nil, "P1")

	require.Len(t, divs, 1)
	require.NotNil(t, divs[0].Action)
	assert.Equal(t, "T1", divs[0].TradeID)
	assert.Equal(t, "OPT:SPY:20261231:100:P", divs[0].Action.Instrument.Key())
	assert.True(t, divs[0].Action.Quantity.Equal(d(2)))
}
