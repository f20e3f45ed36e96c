package dedup

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Deduper backed by a map with periodic expiry.
// Suitable for single-instance deployments; a restart forgets all keys.
type Memory struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMemory creates an in-memory dedup set. A non-positive ttl falls back
// to DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		ttl:    ttl,
		seen:   make(map[string]time.Time),
		stopCh: make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Seen records the key and reports whether it was already present and
// unexpired.
func (m *Memory) Seen(ctx context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.seen[key]; ok && now.Sub(at) < m.ttl {
		return true, nil
	}
	m.seen[key] = now
	return false, nil
}

// Clear removes the key.
func (m *Memory) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// Close stops the expiry sweeper.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

// Size returns the number of tracked keys, expired or not.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			m.mu.Lock()
			for key, at := range m.seen {
				if at.Before(cutoff) {
					delete(m.seen, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
