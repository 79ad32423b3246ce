// Package ratelimit provides per-contact sliding-window admission control.
//
// Invariants:
// - Only admissions inside [now-window, now] are retained for a contact.
// - The number of admissions inside the window never exceeds the limit.
// - A rejected call never records a timestamp.
//
// Usage:
//
//	limiter := ratelimit.New(2, time.Minute)
//	if !limiter.Admit("contact-1", time.Now()) {
//		return // dropped
//	}
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of admissions allowed per contact per window.
	DefaultLimit = 2

	// DefaultWindow is the trailing window admissions are counted over.
	DefaultWindow = time.Minute
)

// Limiter enforces a per-contact sliding-window limit.
//
// Limiter is safe for concurrent use. In the bridge a contact's window is only
// mutated by that contact's serialized pipeline, but the periodic sweep walks
// every window from its own goroutine.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string][]time.Time
}

// New returns a Limiter that admits at most limit calls per contact within
// window. Non-positive values fall back to DefaultLimit and DefaultWindow.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string][]time.Time),
	}
}

// Admit prunes the contact's window, then records now and returns true when
// fewer than limit admissions remain. Otherwise it returns false and leaves the
// window untouched apart from pruning.
func (l *Limiter) Admit(contactID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	valid := l.pruneLocked(contactID, now)
	if len(valid) >= l.limit {
		return false
	}

	l.windows[contactID] = append(valid, now)
	return true
}

// Count returns the number of admissions inside the window at now.
func (l *Limiter) Count(contactID string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pruneLocked(contactID, now))
}

// Remaining returns how many more admissions the contact has at now.
func (l *Limiter) Remaining(contactID string, now time.Time) int {
	rem := l.limit - l.Count(contactID, now)
	if rem < 0 {
		return 0
	}
	return rem
}

// Sweep prunes every window and forgets contacts whose window is empty.
// It returns the number of contacts removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for contactID := range l.windows {
		if len(l.pruneLocked(contactID, now)) == 0 {
			delete(l.windows, contactID)
			removed++
		}
	}
	return removed
}

// Contacts returns the number of contacts currently tracked.
func (l *Limiter) Contacts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Limit returns the configured admission limit.
func (l *Limiter) Limit() int {
	return l.limit
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// pruneLocked drops timestamps older than now-window and stores the result.
func (l *Limiter) pruneLocked(contactID string, now time.Time) []time.Time {
	existing, ok := l.windows[contactID]
	if !ok {
		return nil
	}

	cutoff := now.Add(-l.window)
	valid := existing[:0] // reuse backing array
	for _, t := range existing {
		if !t.Before(cutoff) {
			valid = append(valid, t)
		}
	}
	l.windows[contactID] = valid
	return valid
}
