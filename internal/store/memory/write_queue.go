package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// WriteQueue is an in-memory implementation of domain.WriteQueue.
type WriteQueue struct {
	mu      sync.RWMutex
	entries map[string]domain.PendingWrite
}

// NewWriteQueue creates an empty WriteQueue.
func NewWriteQueue() *WriteQueue {
	return &WriteQueue{entries: make(map[string]domain.PendingWrite)}
}

// Compile-time interface check.
var _ domain.WriteQueue = (*WriteQueue)(nil)

// Enqueue adds w unless an entry for the same action is already queued.
func (q *WriteQueue) Enqueue(_ context.Context, w domain.PendingWrite) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.ActionID == w.ActionID {
			return nil
		}
	}
	q.entries[w.ID] = w
	return nil
}

// Due returns up to limit entries whose next attempt is at or before now.
func (q *WriteQueue) Due(_ context.Context, now time.Time, limit int) ([]domain.PendingWrite, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []domain.PendingWrite
	for _, e := range q.entries {
		if !e.NextAttemptAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reschedule records a failed attempt.
func (q *WriteQueue) Reschedule(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Attempts = attempts
	e.NextAttemptAt = next
	e.LastError = lastErr
	q.entries[id] = e
	return nil
}

// Complete removes an applied entry.
func (q *WriteQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return domain.ErrNotFound
	}
	delete(q.entries, id)
	return nil
}

// List returns queued entries, oldest first.
func (q *WriteQueue) List(_ context.Context, opts domain.ListOpts) ([]domain.PendingWrite, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]domain.PendingWrite, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts), nil
}
