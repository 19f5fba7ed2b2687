// Package broker reads live positions and working orders from the broker
// execution gateway.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Snapshot is the broker's live state at one point in time.
type Snapshot struct {
	Positions map[string]domain.BrokerPosition
	Working   map[string][]domain.BrokerOrder
	AsOf      time.Time
}

// Quantity returns the signed position for an instrument key (zero if flat).
func (s Snapshot) Quantity(key string) decimal.Decimal {
	return s.Positions[key].Quantity
}

// HasWorkingOrder reports whether an order is still live on the instrument.
func (s Snapshot) HasWorkingOrder(key string) bool {
	return len(s.Working[key]) > 0
}

// StateReader fetches live positions and working orders.
type StateReader struct {
	gw     domain.BrokerGateway
	logger *slog.Logger
	now    func() time.Time
}

// NewStateReader creates a StateReader.
func NewStateReader(gw domain.BrokerGateway, logger *slog.Logger) *StateReader {
	return &StateReader{
		gw:     gw,
		logger: logger.With(slog.String("component", "broker_state")),
		now:    time.Now,
	}
}

// Snapshot reads every position and working order. Flat positions are
// dropped; quantities reported on the same instrument are summed.
func (r *StateReader) Snapshot(ctx context.Context) (Snapshot, error) {
	positions, err := r.gw.Positions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("broker: positions: %w", err)
	}
	orders, err := r.gw.OpenOrders(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("broker: open orders: %w", err)
	}

	snap := Snapshot{
		Positions: netPositions(positions),
		Working:   make(map[string][]domain.BrokerOrder),
		AsOf:      r.now().UTC(),
	}
	for _, o := range orders {
		if o.Status.Terminal() {
			continue
		}
		k := o.Instrument.Key()
		snap.Working[k] = append(snap.Working[k], o)
	}

	r.logger.DebugContext(ctx, "broker snapshot",
		slog.Int("positions", len(snap.Positions)),
		slog.Int("working_orders", len(orders)),
	)
	return snap, nil
}

// Position performs a fresh read of the net quantity held on inst, used to
// re-validate state immediately before acting on it. It nets positions the
// same way Snapshot does.
func (r *StateReader) Position(ctx context.Context, inst domain.Instrument) (decimal.Decimal, error) {
	positions, err := r.gw.Positions(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker: position %s: %w", inst, err)
	}
	return netPositions(positions)[inst.Key()].Quantity, nil
}

// netPositions sums positions reported on the same instrument key, across
// exchanges or accounts, and drops the flat ones.
func netPositions(positions []domain.BrokerPosition) map[string]domain.BrokerPosition {
	out := make(map[string]domain.BrokerPosition, len(positions))
	for _, p := range positions {
		k := p.Instrument.Key()
		if prev, ok := out[k]; ok {
			p.Quantity = p.Quantity.Add(prev.Quantity)
		}
		out[k] = p
	}
	for k, p := range out {
		if p.IsFlat() {
			delete(out, k)
		}
	}
	return out
}
