package executor

import (
	"sync"
	"time"
)

// Dedup remembers keys (execution IDs, fill confirmations per action) for a
// time-to-live window so the same broker event is acted on once. It is safe
// for concurrent use.
type Dedup struct {
	seen map[string]time.Time // key -> first seen time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a key as a duplicate if it was seen
// within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate returns true if key was seen within the TTL window. Otherwise
// the key is recorded and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if first, ok := d.seen[key]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget drops key so it can be processed again, e.g. after the handler
// failed before persisting anything.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// Cleanup removes expired entries. Call periodically.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
}

// Len returns the number of remembered keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
