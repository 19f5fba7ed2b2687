// Package memory provides single-process implementations of the cache
// interfaces for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// LockManager is an in-process domain.LockManager.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	seq   uint64
	now   func() time.Time
}

type lockEntry struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lockEntry), now: time.Now}
}

// Acquire takes the lock for key until unlock is called or ttl elapses.
func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.locks[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("memory: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	m.seq++
	token := m.seq
	m.locks[key] = lockEntry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e, ok := m.locks[key]; ok && e.token == token {
				delete(m.locks, key)
			}
		})
	}, nil
}

// Held reports whether key is currently locked.
func (m *LockManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	return ok && m.now().Before(e.expires)
}

// RateLimiter is an in-process sliding-window domain.RateLimiter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

// Allow counts one request for key if fewer than limit fell in the window.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)
	kept := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.hits[key] = kept
		return false, nil
	}
	r.hits[key] = append(kept, now)
	return true, nil
}

// SignalBus is an in-process domain.SignalBus. Publish fans out to current
// subscribers without blocking; slow subscribers drop messages.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	maxLen  int
	seq     int64
}

// NewSignalBus creates a SignalBus keeping up to maxLen entries per stream.
func NewSignalBus(maxLen int) *SignalBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &SignalBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to every subscriber of channel.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel until ctx is
// done.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends payload to stream.
func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatInt(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count messages after lastID. "0", "0-0" and ""
// read from the beginning; "$" returns nothing.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lastID == "$" {
		return nil, nil
	}
	after := streamSeq(lastID)
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if streamSeq(m.ID) <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(head, 10, 64)
	return n
}

// Compile-time interface checks.
var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
)
