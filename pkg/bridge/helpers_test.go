package bridge

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandesh/pkg/completion"
	"github.com/harun/sandesh/pkg/fallback"
	"github.com/harun/sandesh/pkg/prompt"
	"github.com/harun/sandesh/pkg/typing"
)

type sentMessage struct {
	SessionID string
	ContactID string
	Text      string
}

// fakeTransport records outbound traffic and hands its sink to the test.
type fakeTransport struct {
	mu           sync.Mutex
	sinks        map[string]EventSink
	sent         []sentMessage
	presence     []typing.Presence
	sendErr      error
	connectErr   error
	disconnected []string
	// sendGate, when set, holds every SendText until it is closed.
	sendGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sinks: make(map[string]EventSink)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(ctx context.Context, sessionID string, sink EventSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.sinks[sessionID] = sink
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, sessionID)
	delete(f.sinks, sessionID)
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, sessionID, contactID, text string) error {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{SessionID: sessionID, ContactID: contactID, Text: text})
	return nil
}

func (f *fakeTransport) SetPresence(ctx context.Context, sessionID, contactID string, presence typing.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, presence)
	return nil
}

func (f *fakeTransport) emit(t *testing.T, sessionID string, ev Event) {
	t.Helper()
	f.mu.Lock()
	sink := f.sinks[sessionID]
	f.mu.Unlock()
	require.NotNil(t, sink, "session %s is not connected", sessionID)
	require.NoError(t, sink(context.Background(), ev))
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Complete(ctx context.Context, payload prompt.Payload) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) Name() string { return "mock" }

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	registry  *Registry
	transport *fakeTransport
	provider  *mockProvider
	clock     *clock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	logger := zerolog.Nop()
	h := &harness{
		transport: newFakeTransport(),
		provider:  &mockProvider{},
		clock:     newClock(),
	}

	cfg := DefaultConfig()
	cfg.Logger = &logger
	cfg.Now = h.clock.Now
	cfg.Typing = typing.New(typing.Config{}, rand.NewSource(1))
	cfg.Fallback = fallback.New(rand.NewSource(1))
	cfg.Transports = map[string]Transport{"fake": h.transport}
	cfg.NewCompleter = func() (completion.Provider, error) { return h.provider, nil }
	if mutate != nil {
		mutate(&cfg)
	}

	h.registry = New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.registry.Close(ctx)
	})
	return h
}

func (h *harness) waitState(t *testing.T, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := h.registry.Get(id)
		return err == nil && snap.State == want
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

// ready creates a session and walks it to READY through transport events.
func (h *harness) ready(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	snap, err := h.registry.Create(ctx, "fake")
	require.NoError(t, err)
	require.NoError(t, h.registry.Initialize(ctx, snap.ID))

	h.transport.emit(t, snap.ID, Event{Kind: EventAuthenticated})
	h.transport.emit(t, snap.ID, Event{Kind: EventReady})
	h.waitState(t, snap.ID, StateReady)
	return snap.ID
}

var errBoom = errors.New("boom")
