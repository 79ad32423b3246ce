package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/sandesh/pkg/commandqueue"
	"github.com/harun/sandesh/pkg/completion"
	"github.com/harun/sandesh/pkg/history"
	"github.com/harun/sandesh/pkg/ratelimit"
	"github.com/harun/sandesh/pkg/respcache"
	"github.com/harun/sandesh/pkg/shadow"
)

// MessageStats counts a session's traffic.
type MessageStats struct {
	Received uint64 `json:"received"`
	Sent     uint64 `json:"sent"`
	Errors   uint64 `json:"errors"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID             string       `json:"id"`
	Transport      string       `json:"transport"`
	State          State        `json:"state"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	MessageStats   MessageStats `json:"messageStats"`
	IsActive       bool         `json:"isActive"`
	Challenge      string       `json:"challenge,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
	InFlight       int          `json:"inFlight"`
	Restored       bool         `json:"restored,omitempty"`
}

// Session is one transport connection and the conversation state it owns.
// Only the Registry creates and mutates sessions.
type Session struct {
	id            string
	transportName string
	transport     Transport
	createdAt     time.Time

	mu             sync.RWMutex
	state          State
	lastActivityAt time.Time
	isActive       bool
	restored       bool
	connected      bool
	challenge      string
	lastError      string
	completer      completion.Provider

	received atomic.Uint64
	sent     atomic.Uint64
	errors   atomic.Uint64

	limiter *ratelimit.Limiter
	history *history.Store
	cache   *respcache.Cache
	lanes   *commandqueue.CommandQueue

	inbox  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// touch advances lastActivityAt, never moving it backwards.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
	s.mu.Unlock()
}

func (s *Session) getCompleter() completion.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completer
}

// Snapshot copies the session's observable fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		ID:             s.id,
		Transport:      s.transportName,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		IsActive:       s.isActive,
		Challenge:      s.challenge,
		LastError:      s.lastError,
		Restored:       s.restored,
	}
	s.mu.RUnlock()

	snap.MessageStats = MessageStats{
		Received: s.received.Load(),
		Sent:     s.sent.Load(),
		Errors:   s.errors.Load(),
	}
	snap.InFlight = s.lanes.InFlight()
	return snap
}

func (s *Session) record() shadow.Record {
	snap := s.Snapshot()
	return shadow.Record{
		Version:        shadow.Version,
		ID:             snap.ID,
		Transport:      snap.Transport,
		State:          string(snap.State),
		CreatedAt:      snap.CreatedAt,
		LastActivityAt: snap.LastActivityAt,
		MessageStats: shadow.MessageStats{
			Received: snap.MessageStats.Received,
			Sent:     snap.MessageStats.Sent,
			Errors:   snap.MessageStats.Errors,
		},
		IsActive: snap.IsActive,
	}
}
