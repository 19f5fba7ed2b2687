// Package memory provides in-process implementations of the domain stores,
// used by the memory drivers and by tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// LedgerStore is an in-memory implementation of domain.LedgerStore.
type LedgerStore struct {
	mu     sync.RWMutex
	trades map[string]domain.Trade
}

// NewLedgerStore creates a ledger seeded with trades.
func NewLedgerStore(trades ...domain.Trade) *LedgerStore {
	s := &LedgerStore{trades: make(map[string]domain.Trade, len(trades))}
	for _, t := range trades {
		s.Put(t)
	}
	return s
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)

// Put inserts or replaces a trade as an external editor would, bumping its
// version.
func (s *LedgerStore) Put(t domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.trades[t.ID]; ok && t.Version <= prev.Version {
		t.Version = prev.Version + 1
	}
	if t.Version == 0 {
		t.Version = 1
	}
	s.trades[t.ID] = t
}

// ListTrades returns every trade ordered by entry time, then ID.
func (s *LedgerStore) ListTrades(_ context.Context) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].EnteredAt.Before(out[j].EnteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetTrade returns a trade by ID.
func (s *LedgerStore) GetTrade(_ context.Context, id string) (domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}

// UpdateTrade writes t when its version matches the stored one.
func (s *LedgerStore) UpdateTrade(_ context.Context, t domain.Trade) (domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.trades[t.ID]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	if cur.Version != t.Version {
		return domain.Trade{}, &domain.WriteConflictError{
			TradeID:         t.ID,
			ExpectedVersion: t.Version,
			ActualVersion:   cur.Version,
		}
	}
	t.Version = cur.Version + 1
	s.trades[t.ID] = t
	return t, nil
}
