// Package loopback is an in-process transport. Inbound messages and pairing
// confirmations arrive through method calls, typically from the gateway, and
// outbound replies are handed to registered listeners.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/pairing"
	"github.com/harun/sandesh/pkg/typing"
)

// Name is the transport name sessions refer to.
const Name = "loopback"

// CodeLength is the length of a pairing challenge.
const CodeLength = pairing.CodeLength

var (
	ErrNotConnected  = errors.New("loopback: session not connected")
	ErrWrongCode     = errors.New("loopback: pairing code does not match")
	ErrAlreadyPaired = errors.New("loopback: session already paired")
	ErrNotPaired     = errors.New("loopback: session not paired")
)

// Outbound is a reply delivered by the bridge.
type Outbound struct {
	SessionID string    `json:"sessionId"`
	ContactID string    `json:"contactId"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
}

// Config configures the loopback transport.
type Config struct {
	// AutoPair skips the challenge and reports reused credentials on connect.
	AutoPair     bool
	// ChallengeTTL bounds how long a pairing code is accepted.
	ChallengeTTL time.Duration
	Logger       *zerolog.Logger
}

type peer struct {
	sink     bridge.EventSink
	ctx      context.Context
	paired   bool
	presence map[string]typing.Presence
}

// Transport serves any number of sessions.
type Transport struct {
	cfg    Config
	logger zerolog.Logger
	codes  *pairing.Manager

	mu        sync.Mutex
	peers     map[string]*peer
	sent      []Outbound
	listeners []func(Outbound)
	msgSeq    uint64
}

// New creates a loopback transport.
func New(cfg Config) *Transport {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "loopback").Logger(),
		codes:  pairing.NewManager(pairing.Options{TTL: cfg.ChallengeTTL}),
		peers:  make(map[string]*peer),
	}
}

func (t *Transport) Name() string {
	return Name
}

// OnOutbound registers fn to receive every delivered reply.
func (t *Transport) OnOutbound(fn func(Outbound)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Connect issues a pairing challenge, or authenticates at once with AutoPair.
func (t *Transport) Connect(ctx context.Context, sessionID string, sink bridge.EventSink) error {
	p := &peer{sink: sink, ctx: ctx, presence: make(map[string]typing.Presence)}
	var challenge string
	if !t.cfg.AutoPair {
		pending, err := t.codes.Issue(sessionID)
		if err != nil {
			return err
		}
		challenge = pending.Code
	}

	t.mu.Lock()
	t.peers[sessionID] = p
	t.mu.Unlock()

	go func() {
		if t.cfg.AutoPair {
			t.authenticate(sessionID, p)
			return
		}
		t.logger.Info().Str("session_id", sessionID).Msg("Pairing challenge issued")
		_ = sink(ctx, bridge.Event{Kind: bridge.EventPaired, Challenge: challenge})
	}()
	return nil
}

func (t *Transport) authenticate(sessionID string, p *peer) {
	if err := p.sink(p.ctx, bridge.Event{Kind: bridge.EventAuthenticated}); err != nil {
		return
	}
	_ = p.sink(p.ctx, bridge.Event{Kind: bridge.EventReady})
	t.logger.Info().Str("session_id", sessionID).Msg("Loopback session paired")
}

func (t *Transport) peer(sessionID string) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}
	return p, nil
}

// Challenge returns the pending pairing code for sessionID.
func (t *Transport) Challenge(sessionID string) (string, error) {
	p, err := t.peer(sessionID)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	paired := p.paired
	t.mu.Unlock()
	if paired || t.cfg.AutoPair {
		return "", ErrAlreadyPaired
	}

	pending, err := t.codes.Get(sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotPaired, err)
	}
	return pending.Code, nil
}

// Pair confirms the challenge for sessionID. A wrong code fails pairing.
func (t *Transport) Pair(ctx context.Context, sessionID, code string) error {
	p, err := t.peer(sessionID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	paired := p.paired
	t.mu.Unlock()
	if paired || t.cfg.AutoPair {
		return ErrAlreadyPaired
	}

	switch err := t.codes.Confirm(sessionID, code); {
	case errors.Is(err, pairing.ErrRequestNotFound):
		return ErrAlreadyPaired
	case err != nil:
		t.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Pairing code rejected")
		_ = p.sink(ctx, bridge.Event{Kind: bridge.EventDisconnected, Reason: "pairing code rejected"})
		return fmt.Errorf("%w: %w", ErrWrongCode, err)
	}

	t.mu.Lock()
	p.paired = true
	t.mu.Unlock()

	if err := p.sink(ctx, bridge.Event{Kind: bridge.EventAuthenticated}); err != nil {
		return err
	}
	return p.sink(ctx, bridge.Event{Kind: bridge.EventReady})
}

// Inject publishes an inbound message for sessionID. An empty ID is
// generated; ReceivedAt defaults to now.
func (t *Transport) Inject(ctx context.Context, sessionID string, msg bridge.Message) (bridge.Message, error) {
	p, err := t.peer(sessionID)
	if err != nil {
		return msg, err
	}

	t.mu.Lock()
	ready := p.paired || t.cfg.AutoPair
	t.msgSeq++
	seq := t.msgSeq
	t.mu.Unlock()

	if !ready {
		return msg, ErrNotPaired
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("loopback-%d", seq)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	return msg, p.sink(ctx, bridge.Event{Kind: bridge.EventMessage, Message: &msg})
}

// Drop reports a lost connection for sessionID.
func (t *Transport) Drop(ctx context.Context, sessionID, reason string) error {
	p, err := t.peer(sessionID)
	if err != nil {
		return err
	}
	return p.sink(ctx, bridge.Event{Kind: bridge.EventDisconnected, Reason: reason})
}

// Disconnect forgets sessionID.
func (t *Transport) Disconnect(_ context.Context, sessionID string) error {
	t.mu.Lock()
	delete(t.peers, sessionID)
	t.mu.Unlock()
	t.codes.Remove(sessionID)
	return nil
}

// SendText records the reply and hands it to outbound listeners.
func (t *Transport) SendText(_ context.Context, sessionID, contactID, text string) error {
	if _, err := t.peer(sessionID); err != nil {
		return err
	}

	out := Outbound{SessionID: sessionID, ContactID: contactID, Text: text, SentAt: time.Now()}

	t.mu.Lock()
	t.sent = append(t.sent, out)
	listeners := append([]func(Outbound){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(out)
	}
	return nil
}

// SetPresence records the presence shown to contactID.
func (t *Transport) SetPresence(_ context.Context, sessionID, contactID string, presence typing.Presence) error {
	p, err := t.peer(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	p.presence[contactID] = presence
	t.mu.Unlock()
	return nil
}

// Presence returns the last presence set for contactID.
func (t *Transport) Presence(sessionID, contactID string) typing.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[sessionID]; ok {
		return p.presence[contactID]
	}
	return ""
}

// PruneChallenges drops pairing codes that expired unanswered.
func (t *Transport) PruneChallenges() int {
	return t.codes.PruneExpired()
}

// Sent returns every reply delivered so far.
func (t *Transport) Sent() []Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Outbound(nil), t.sent...)
}
