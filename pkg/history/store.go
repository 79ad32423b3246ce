// Package history keeps a bounded, per-contact record of conversation turns.
package history

import (
	"sync"
	"time"
)

const (
	// DefaultCapacity is the number of entries retained per contact.
	DefaultCapacity = 10

	// DefaultContextSize is the number of entries handed to the prompt builder.
	DefaultContextSize = 6
)

// Direction tells whether a turn was received from or sent to the contact.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Entry is one conversation turn.
type Entry struct {
	ContactID string    `json:"-"`
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store holds per-contact turns in arrival order, evicting the oldest entry once
// a contact reaches capacity.
type Store struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string][]Entry
}

// NewStore creates a Store. capacity <= 0 uses DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[string][]Entry),
	}
}

// Append records an entry for the contact.
func (s *Store) Append(contactID string, entry Entry) {
	entry.ContactID = contactID

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.entries[contactID], entry)
	if over := len(list) - s.capacity; over > 0 {
		// copy into a fresh slice so evicted entries are not pinned
		trimmed := make([]Entry, s.capacity)
		copy(trimmed, list[over:])
		list = trimmed
	}
	s.entries[contactID] = list
}

// RecentContext returns up to k of the contact's most recent entries, oldest
// first. It never mutates the store.
func (s *Store) RecentContext(contactID string, k int) []Entry {
	if k <= 0 {
		return []Entry{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[contactID]
	if len(list) > k {
		list = list[len(list)-k:]
	}
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

// Len returns the number of entries held for the contact.
func (s *Store) Len(contactID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[contactID])
}

// Contacts returns the number of contacts with history.
func (s *Store) Contacts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Capacity returns the per-contact cap.
func (s *Store) Capacity() int {
	return s.capacity
}

// Snapshot returns a deep copy of all history keyed by contact.
func (s *Store) Snapshot() map[string][]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Entry, len(s.entries))
	for contactID, list := range s.entries {
		cp := make([]Entry, len(list))
		copy(cp, list)
		out[contactID] = cp
	}
	return out
}

// Restore replaces the store contents. Lists longer than capacity keep only
// their newest entries.
func (s *Store) Restore(data map[string][]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string][]Entry, len(data))
	for contactID, list := range data {
		if len(list) > s.capacity {
			list = list[len(list)-s.capacity:]
		}
		cp := make([]Entry, len(list))
		for i, e := range list {
			e.ContactID = contactID
			cp[i] = e
		}
		s.entries[contactID] = cp
	}
}

// Clear drops all history.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]Entry)
}
