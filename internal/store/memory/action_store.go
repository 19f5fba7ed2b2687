package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// ActionStore is an in-memory implementation of domain.ActionStore.
type ActionStore struct {
	mu      sync.RWMutex
	actions map[string]domain.Action
	now     func() time.Time
}

// NewActionStore creates an empty ActionStore.
func NewActionStore() *ActionStore {
	return &ActionStore{actions: make(map[string]domain.Action), now: time.Now}
}

// Compile-time interface check.
var _ domain.ActionStore = (*ActionStore)(nil)

// Create inserts a, rejecting it while the trade has an active or an
// unacknowledged failed action.
func (s *ActionStore) Create(_ context.Context, a domain.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actions[a.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, other := range s.actions {
		if other.TradeID == a.TradeID && other.Blocking() {
			return domain.ErrAlreadyExists
		}
	}
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.actions[a.ID] = a
	return nil
}

// GetByID returns an action by ID.
func (s *ActionStore) GetByID(_ context.Context, id string) (domain.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[id]
	if !ok {
		return domain.Action{}, domain.ErrNotFound
	}
	return a, nil
}

// Transition persists a if the stored status still equals from.
func (s *ActionStore) Transition(_ context.Context, a domain.Action, from domain.ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.actions[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != from {
		return domain.ErrStaleAction
	}
	a.TradeID = cur.TradeID
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = s.now().UTC()
	s.actions[a.ID] = a
	return nil
}

// Acknowledge marks a failed action as reviewed.
func (s *ActionStore) Acknowledge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok || a.Status != domain.ActionStatusFailed {
		return domain.ErrNotFound
	}
	a.Acknowledged = true
	a.UpdatedAt = s.now().UTC()
	s.actions[id] = a
	return nil
}

// ListUnsettled returns every action that blocks new actions for its trade.
func (s *ActionStore) ListUnsettled(_ context.Context) ([]domain.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Action
	for _, a := range s.actions {
		if a.Blocking() {
			out = append(out, a)
		}
	}
	sortActions(out)
	return out, nil
}

// List returns actions matching filter, newest first.
func (s *ActionStore) List(_ context.Context, filter domain.ActionFilter) ([]domain.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make(map[domain.ActionStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}

	var out []domain.Action
	for _, a := range s.actions {
		if len(statuses) > 0 && !statuses[a.Status] {
			continue
		}
		if filter.TradeID != "" && a.TradeID != filter.TradeID {
			continue
		}
		if filter.Since != nil && a.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !a.CreatedAt.Before(*filter.Until) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, filter.ListOpts), nil
}

func sortActions(as []domain.Action) {
	sort.Slice(as, func(i, j int) bool { return as[i].ID < as[j].ID })
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
