package commandqueue

import (
	"context"
	"sync"
	"time"
)

// dedupCache remembers task keys for a bounded time so redelivered work is
// rejected instead of executed twice.
type dedupCache struct {
	entries map[string]time.Time
	ttl     time.Duration
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// newDedupCache creates a new deduplication cache
func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go cache.cleanup(ctx)

	return cache
}

func (dc *dedupCache) Stop() {
	dc.cancel()
}

// Mark records key and reports whether it was already present and unexpired.
func (dc *dedupCache) Mark(key string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := time.Now()
	if seen, ok := dc.entries[key]; ok && now.Sub(seen) <= dc.ttl {
		return true
	}
	dc.entries[key] = now
	return false
}

// cleanup periodically removes expired entries
func (dc *dedupCache) cleanup(ctx context.Context) {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for key, seen := range dc.entries {
				if now.Sub(seen) > dc.ttl {
					delete(dc.entries, key)
				}
			}
			dc.mu.Unlock()
		}
	}
}

// Size returns the number of entries in the cache
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
