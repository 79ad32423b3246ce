// Package matrix attaches bridge sessions to a Matrix account. Each joined
// room is one contact.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/typing"
)

// Name is the transport name sessions refer to.
const Name = "matrix"

// typingTimeout bounds how long the homeserver shows the indicator if the
// idle call never arrives.
const typingTimeout = 10 * time.Second

var (
	// ErrBusy is returned when the account is already attached to a session.
	ErrBusy = errors.New("matrix: account already attached to a session")
	// ErrNotConnected is returned for sessions without a live client.
	ErrNotConnected = errors.New("matrix: session not connected")
)

// Config holds Matrix client configuration
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Logger      *zerolog.Logger
}

// Transport drives one Matrix account for at most one session at a time.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	sessionID string
	client    *mautrix.Client
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Transport. Credentials are checked when a session connects.
func New(cfg Config) *Transport {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "matrix").Logger(),
	}
}

func (t *Transport) Name() string {
	return Name
}

// Connect validates the access token and starts syncing in the background.
func (t *Transport) Connect(ctx context.Context, sessionID string, sink bridge.EventSink) error {
	if t.cfg.Homeserver == "" || t.cfg.AccessToken == "" {
		return fmt.Errorf("homeserver and access token are required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID != "" {
		return fmt.Errorf("%w: %s", ErrBusy, t.sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.sessionID = sessionID
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(runCtx, sessionID, sink, t.done)
	return nil
}

func (t *Transport) run(ctx context.Context, sessionID string, sink bridge.EventSink, done chan struct{}) {
	defer close(done)
	logger := t.logger.With().Str("session_id", sessionID).Logger()

	fail := func(err error) {
		logger.Error().Err(err).Msg("Matrix login failed")
		_ = sink(ctx, bridge.Event{Kind: bridge.EventTransportError, Detail: err.Error()})
		t.release(sessionID)
	}

	client, err := mautrix.NewClient(t.cfg.Homeserver, id.UserID(t.cfg.UserID), t.cfg.AccessToken)
	if err != nil {
		fail(fmt.Errorf("failed to create Matrix client: %w", err))
		return
	}
	client.Log = logger

	who, err := client.Whoami(ctx)
	if err != nil {
		fail(fmt.Errorf("failed to verify access token: %w", err))
		return
	}
	client.UserID = who.UserID

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	logger.Info().Str("user_id", who.UserID.String()).Msg("Matrix account authenticated")

	if err := sink(ctx, bridge.Event{Kind: bridge.EventAuthenticated}); err != nil {
		return
	}
	if err := sink(ctx, bridge.Event{Kind: bridge.EventReady}); err != nil {
		return
	}

	// the first sync replays room history; only messages sent after the
	// session connected are answered
	since := time.Now().UnixMilli()

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(evtCtx context.Context, evt *event.Event) {
		msg := toMessage(evt, who.UserID, since)
		if msg == nil {
			return
		}
		logger.Debug().Str("contact_id", msg.ContactID).Str("message_id", msg.ID).Msg("Message received")
		if err := sink(ctx, bridge.Event{Kind: bridge.EventMessage, Message: msg}); err != nil {
			logger.Debug().Err(err).Msg("Dropping message, session is closing")
		}
	})

	err = client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return
	}
	reason := "sync stopped"
	if err != nil {
		reason = err.Error()
	}
	logger.Warn().Str("reason", reason).Msg("Matrix sync ended")
	_ = sink(ctx, bridge.Event{Kind: bridge.EventDisconnected, Reason: reason})
}

// toMessage converts a room message into an inbound message. Non-text
// messages and messages older than since yield nil.
func toMessage(evt *event.Event, self id.UserID, since int64) *bridge.Message {
	if evt == nil || evt.Timestamp < since {
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText || content.Body == "" {
		return nil
	}

	return &bridge.Message{
		ID:        evt.ID.String(),
		ContactID: evt.RoomID.String(),
		Text:      content.Body,
		Sender: bridge.Sender{
			Name:     evt.Sender.Localpart(),
			FromSelf: evt.Sender == self,
			Meta: map[string]string{
				"user_id": evt.Sender.String(),
			},
		},
		ReceivedAt: time.UnixMilli(evt.Timestamp),
	}
}

func (t *Transport) release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == sessionID {
		t.sessionID = ""
		t.client = nil
		t.cancel = nil
	}
}

// Disconnect stops syncing for sessionID.
func (t *Transport) Disconnect(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	if t.sessionID != sessionID {
		t.mu.Unlock()
		return nil
	}
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.release(sessionID)
	t.logger.Info().Str("session_id", sessionID).Msg("Matrix account detached")
	return nil
}

func (t *Transport) getClient(sessionID string) (*mautrix.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != sessionID || t.client == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}
	return t.client, nil
}

// SendText sends a text message to the room identified by contactID.
func (t *Transport) SendText(ctx context.Context, sessionID, contactID, text string) error {
	client, err := t.getClient(sessionID)
	if err != nil {
		return err
	}
	if _, err := client.SendText(ctx, id.RoomID(contactID), text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SetPresence toggles the room typing indicator.
func (t *Transport) SetPresence(ctx context.Context, sessionID, contactID string, presence typing.Presence) error {
	client, err := t.getClient(sessionID)
	if err != nil {
		return err
	}
	isTyping := presence == typing.PresenceTyping
	if _, err := client.UserTyping(ctx, id.RoomID(contactID), isTyping, typingTimeout); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}
