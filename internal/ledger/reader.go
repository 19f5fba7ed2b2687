// Package ledger reads the external trade ledger and writes realized fills
// back to it under optimistic concurrency.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Snapshot is the ledger's view of every trade at one point in time.
type Snapshot struct {
	Trades  []domain.Trade
	Skipped int
	byInst  map[string][]domain.Trade
}

// ByInstrument returns the trades recorded on an instrument key.
func (s Snapshot) ByInstrument(key string) []domain.Trade {
	return s.byInst[key]
}

// InstrumentKeys returns the instrument keys present in the snapshot, sorted.
func (s Snapshot) InstrumentKeys() []string {
	keys := make([]string, 0, len(s.byInst))
	for k := range s.byInst {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a trade by ID.
func (s Snapshot) Get(id string) (domain.Trade, bool) {
	for _, t := range s.Trades {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Trade{}, false
}

// NewSnapshot indexes trades by instrument.
func NewSnapshot(trades []domain.Trade) Snapshot {
	s := Snapshot{Trades: trades, byInst: make(map[string][]domain.Trade)}
	for _, t := range trades {
		k := t.Instrument.Key()
		s.byInst[k] = append(s.byInst[k], t)
	}
	return s
}

// Reader fetches the ledger's view of which trades are open or closed.
type Reader struct {
	store   domain.LedgerStore
	symbols *SymbolMap
	logger  *slog.Logger
}

// NewReader creates a Reader. symbols may be nil.
func NewReader(store domain.LedgerStore, symbols *SymbolMap, logger *slog.Logger) *Reader {
	return &Reader{
		store:   store,
		symbols: symbols,
		logger:  logger.With(slog.String("component", "ledger_reader")),
	}
}

// Snapshot reads every trade, maps ledger symbols to broker instruments and
// drops rows that do not describe a usable trade. Dropped rows are counted
// and logged.
func (r *Reader) Snapshot(ctx context.Context) (Snapshot, error) {
	trades, err := r.store.ListTrades(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: list trades: %w", err)
	}

	valid := make([]domain.Trade, 0, len(trades))
	skipped := 0
	for _, t := range trades {
		if err := Validate(t); err != nil {
			skipped++
			r.logger.WarnContext(ctx, "skipping ledger row",
				slog.String("trade_id", t.ID),
				slog.String("symbol", t.Instrument.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		t.Instrument = r.symbols.Resolve(t.Instrument)
		valid = append(valid, t)
	}

	snap := NewSnapshot(valid)
	snap.Skipped = skipped
	r.logger.DebugContext(ctx, "ledger snapshot",
		slog.Int("trades", len(valid)),
		slog.Int("skipped", skipped),
	)
	return snap, nil
}

// Trade reads a single trade with its instrument resolved.
func (r *Reader) Trade(ctx context.Context, id string) (domain.Trade, error) {
	t, err := r.store.GetTrade(ctx, id)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("ledger: get trade %s: %w", id, err)
	}
	t.Instrument = r.symbols.Resolve(t.Instrument)
	return t, nil
}

// Validate reports why t cannot take part in reconciliation.
func Validate(t domain.Trade) error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: missing id", domain.ErrInvalidTrade)
	case t.Instrument.Symbol == "":
		return fmt.Errorf("%w: missing symbol", domain.ErrInvalidTrade)
	case !t.Instrument.IsContractComplete():
		return fmt.Errorf("%w: option needs expiry, strike and right", domain.ErrInvalidTrade)
	case !t.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidTrade)
	case t.Status != domain.TradeStatusOpen && t.Status != domain.TradeStatusClosed:
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTrade, t.Status)
	case t.Side != domain.SideLong && t.Side != domain.SideShort:
		return fmt.Errorf("%w: unknown side %q", domain.ErrInvalidTrade, t.Side)
	}
	return nil
}
