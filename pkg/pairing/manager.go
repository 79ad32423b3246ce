// Package pairing issues and checks one-time pairing codes for sessions.
package pairing

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// DefaultTTL is how long an issued code stays valid.
	DefaultTTL = time.Hour
	// CodeLength is the length of a pairing code.
	CodeLength = 8
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	ErrRequestNotFound = errors.New("pairing: no pending code")
	ErrExpired         = errors.New("pairing: code expired")
	ErrCodeMismatch    = errors.New("pairing: code does not match")
)

// Pending is an issued code waiting for confirmation.
type Pending struct {
	SessionID string    `json:"sessionId"`
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Options configures a Manager.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

// Manager holds at most one pending code per session.
type Manager struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]Pending
}

// NewManager creates a Manager. Zero options take the defaults.
func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		ttl:     opts.TTL,
		now:     opts.Now,
		pending: make(map[string]Pending),
	}
}

// Issue generates a fresh code for sessionID, replacing any pending one.
func (m *Manager) Issue(sessionID string) (Pending, error) {
	code, err := gonanoid.Generate(codeAlphabet, CodeLength)
	if err != nil {
		return Pending{}, fmt.Errorf("failed to generate pairing code: %w", err)
	}

	now := m.now()
	p := Pending{SessionID: sessionID, Code: code, IssuedAt: now, ExpiresAt: now.Add(m.ttl)}

	m.mu.Lock()
	m.pending[sessionID] = p
	m.mu.Unlock()
	return p, nil
}

// Get returns the pending code for sessionID.
func (m *Manager) Get(sessionID string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(sessionID)
}

func (m *Manager) getLocked(sessionID string) (Pending, error) {
	p, ok := m.pending[sessionID]
	if !ok {
		return Pending{}, ErrRequestNotFound
	}
	if !m.now().Before(p.ExpiresAt) {
		delete(m.pending, sessionID)
		return Pending{}, ErrExpired
	}
	return p, nil
}

// Confirm checks code against the pending one. Any outcome other than
// ErrRequestNotFound consumes the pending code.
func (m *Manager) Confirm(sessionID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	delete(m.pending, sessionID)

	if subtle.ConstantTimeCompare([]byte(code), []byte(p.Code)) != 1 {
		return ErrCodeMismatch
	}
	return nil
}

// Remove forgets the pending code for sessionID.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.pending, sessionID)
	m.mu.Unlock()
}

// Len returns the number of pending codes, expired ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PruneExpired drops expired codes and returns how many were removed.
func (m *Manager) PruneExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, p := range m.pending {
		if !now.Before(p.ExpiresAt) {
			delete(m.pending, id)
			removed++
		}
	}
	return removed
}
