// Package reconcile compares the ledger with the broker's live state and
// drives the corrective orders that bring them back in line.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ledgersync/internal/broker"
	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/ledger"
)

// Detect compares a ledger snapshot with a broker snapshot and returns every
// divergence, ordered by instrument key then trade ID. Actionable divergences
// carry a pending action proposal with ObservedPosition set to the broker
// quantity the proposal was computed from.
//
// Per instrument, the residual is the broker quantity minus the signed sum of
// the open ledger trades. A non-zero residual with closed trades on the
// instrument yields a single flattening action attributed to the most
// recently exited trade; other closed trades are reported as covered. No
// action is proposed while an unsettled action touches the instrument or the
// broker has a working order on it.
func Detect(led ledger.Snapshot, brk broker.Snapshot, unsettled []domain.Action, passID string) []domain.Divergence {
	blockedTrades := make(map[string]domain.Action, len(unsettled))
	blockedInst := make(map[string]domain.Action, len(unsettled))
	for _, a := range unsettled {
		if !a.Blocking() {
			continue
		}
		blockedTrades[a.TradeID] = a
		blockedInst[a.Instrument.Key()] = a
	}

	var out []domain.Divergence
	for _, key := range led.InstrumentKeys() {
		out = append(out, detectInstrument(key, led.ByInstrument(key), brk, blockedTrades, blockedInst, passID)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := out[i].Instrument.Key(), out[j].Instrument.Key()
		if ki != kj {
			return ki < kj
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

func detectInstrument(
	key string,
	trades []domain.Trade,
	brk broker.Snapshot,
	blockedTrades, blockedInst map[string]domain.Action,
	passID string,
) []domain.Divergence {
	trades = append([]domain.Trade(nil), trades...)
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })

	qty := brk.Quantity(key)
	openSum := decimal.Zero
	var open, closed []domain.Trade
	for _, t := range trades {
		if t.IsClosed() {
			closed = append(closed, t)
		} else {
			open = append(open, t)
			openSum = openSum.Add(t.SignedQuantity())
		}
	}
	residual := qty.Sub(openSum)

	div := func(kind domain.DivergenceKind, t domain.Trade, detail string) domain.Divergence {
		return domain.Divergence{
			Kind:           kind,
			TradeID:        t.ID,
			Instrument:     t.Instrument,
			LedgerStatus:   t.Status,
			BrokerQuantity: qty,
			Residual:       residual,
			Detail:         detail,
		}
	}

	var out []domain.Divergence
	if qty.IsZero() {
		for _, t := range open {
			out = append(out, div(domain.DivergenceLedgerOpenBrokerFlat, t,
				fmt.Sprintf("ledger holds %s, broker is flat", t.SignedQuantity())))
		}
		return out
	}
	if residual.IsZero() {
		return out
	}
	// A closing order may only shrink the broker position toward zero. A
	// residual of the other sign, or larger than the position, would add to
	// or reverse it.
	flattens := residual.Sign() == qty.Sign() && residual.Abs().LessThanOrEqual(qty.Abs())
	if len(closed) == 0 || !flattens {
		subject := trades[0]
		if len(open) > 0 {
			subject = open[0]
		}
		out = append(out, div(domain.DivergenceResidualMismatch, subject,
			fmt.Sprintf("broker holds %s, open trades account for %s", qty, openSum)))
		return out
	}

	carrier := latestExit(closed)
	for _, t := range closed {
		if t.ID != carrier.ID {
			out = append(out, div(domain.DivergenceCovered, t, "covered by trade "+carrier.ID))
		}
	}

	if a, ok := blockedTrades[carrier.ID]; ok {
		out = append(out, div(domain.DivergencePendingAction, carrier,
			fmt.Sprintf("action %s is %s", a.ID, a.Status)))
		return out
	}
	if a, ok := blockedInst[key]; ok {
		out = append(out, div(domain.DivergencePendingAction, carrier,
			fmt.Sprintf("action %s for trade %s is %s", a.ID, a.TradeID, a.Status)))
		return out
	}
	if brk.HasWorkingOrder(key) {
		out = append(out, div(domain.DivergenceOrderWorking, carrier,
			fmt.Sprintf("broker order %s is working", brk.Working[key][0].ID)))
		return out
	}

	inst := carrier.Instrument
	if p, ok := brk.Positions[key]; ok {
		// The broker's contract carries routing details the ledger lacks.
		inst = p.Instrument
	}
	side := domain.OrderSideSell
	if residual.IsNegative() {
		side = domain.OrderSideBuy
	}
	d := div(domain.DivergenceLedgerClosedBrokerOpen, carrier,
		fmt.Sprintf("ledger closed, broker holds %s", qty))
	d.Action = &domain.Action{
		TradeID:          carrier.ID,
		Instrument:       inst,
		Side:             side,
		Quantity:         residual.Abs(),
		ObservedPosition: qty,
		Status:           domain.ActionStatusPending,
		PassID:           passID,
	}
	return append(out, d)
}

// latestExit returns the closed trade with the latest exit time; ties go to
// the greater trade ID.
func latestExit(closed []domain.Trade) domain.Trade {
	best := closed[0]
	for _, t := range closed[1:] {
		switch {
		case best.ExitedAt == nil && t.ExitedAt != nil:
			best = t
		case best.ExitedAt != nil && t.ExitedAt != nil && !t.ExitedAt.Before(*best.ExitedAt):
			best = t
		case best.ExitedAt == nil && t.ExitedAt == nil:
			best = t
		}
	}
	return best
}

// ReportOnly reports whether d needs operator attention rather than an order.
func ReportOnly(d domain.Divergence) bool {
	return d.Kind == domain.DivergenceLedgerOpenBrokerFlat || d.Kind == domain.DivergenceResidualMismatch
}
