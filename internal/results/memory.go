package results

import (
	"bytes"
	"context"
	"sync"
	"time"

	"sqllab/internal/domain"
)

var _ domain.ResultsBackend = (*MemoryBackend)(nil)

type memoryEntry struct {
	payload  []byte
	storedAt time.Time
}

// MemoryBackend is the in-process results backend used for development and
// tests. It honors the same TTL and conflict semantics as the Redis one.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryBackend creates a MemoryBackend. ttl <= 0 means no expiry.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.now = now
}

func (b *MemoryBackend) expired(e memoryEntry) bool {
	return b.ttl > 0 && b.now().Sub(e.storedAt) > b.ttl
}

// Store implements domain.ResultsBackend.
func (b *MemoryBackend) Store(_ context.Context, key string, payload []byte) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok && !b.expired(e) {
		if !bytes.Equal(e.payload, payload) {
			return time.Time{}, &domain.ResultsConflictError{Key: key, StoredAt: e.storedAt}
		}
		return e.storedAt, nil
	}

	e := memoryEntry{payload: append([]byte(nil), payload...), storedAt: b.now()}
	b.entries[key] = e
	return e.storedAt, nil
}

// Load implements domain.ResultsBackend.
func (b *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || b.expired(e) {
		delete(b.entries, key)
		return nil, domain.ErrNotFound("results for key %s not found", key)
	}
	return append([]byte(nil), e.payload...), nil
}

// Delete implements domain.ResultsBackend.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// StartJanitor sweeps expired entries every interval until the returned
// stop function is called. Redis expires server-side and needs none.
func (b *MemoryBackend) StartJanitor(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Sweep()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Sweep drops expired entries and reports how many were removed.
func (b *MemoryBackend) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for k, e := range b.entries {
		if b.expired(e) {
			delete(b.entries, k)
			removed++
		}
	}
	return removed
}
