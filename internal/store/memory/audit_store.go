package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// AuditStore is an in-memory append-only audit log.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

// Events returns the event names logged so far, oldest first.
func (s *AuditStore) Events() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Event
	}
	return out
}
