// Package telegram attaches bridge sessions to a Telegram bot account.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/typing"
)

// Name is the transport name sessions refer to.
const Name = "telegram"

// maxMessageLength is Telegram's limit for one text message.
const maxMessageLength = 4096

var (
	// ErrBusy is returned when the bot is already attached to another session.
	ErrBusy = errors.New("telegram: bot already attached to a session")
	// ErrNotConnected is returned for sessions without a live bot.
	ErrNotConnected = errors.New("telegram: session not connected")
)

// Config configures the bot account.
type Config struct {
	BotToken string
	// APIEndpoint overrides tgbotapi.APIEndpoint.
	APIEndpoint string
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	Logger      *zerolog.Logger
}

// Transport drives one bot token. Telegram allows a single long-poll
// consumer per token, so at most one session is attached at a time.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	sessionID string
	api       *tgbotapi.BotAPI
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Transport. The token is checked when a session connects.
func New(cfg Config) *Transport {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

func (t *Transport) Name() string {
	return Name
}

// Connect authenticates the bot in the background and starts polling
// updates for sessionID.
func (t *Transport) Connect(ctx context.Context, sessionID string, sink bridge.EventSink) error {
	if t.cfg.BotToken == "" {
		return fmt.Errorf("bot token is required")
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

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.cfg.BotToken, t.cfg.APIEndpoint)
	if err != nil {
		logger.Error().Err(err).Msg("Telegram bot authentication failed")
		_ = sink(ctx, bridge.Event{Kind: bridge.EventTransportError, Detail: err.Error()})
		t.release(sessionID)
		return
	}

	t.mu.Lock()
	t.api = api
	t.mu.Unlock()

	logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	if err := sink(ctx, bridge.Event{Kind: bridge.EventAuthenticated}); err != nil {
		return
	}
	if err := sink(ctx, bridge.Event{Kind: bridge.EventReady}); err != nil {
		return
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.PollTimeout
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				_ = sink(ctx, bridge.Event{Kind: bridge.EventDisconnected, Reason: "update channel closed"})
				return
			}
			msg := toMessage(update, api.Self)
			if msg == nil {
				continue
			}
			logger.Debug().Str("contact_id", msg.ContactID).Str("message_id", msg.ID).Msg("Message received")
			if err := sink(ctx, bridge.Event{Kind: bridge.EventMessage, Message: msg}); err != nil {
				return
			}
		}
	}
}

// release forgets sessionID if it is still the attached session.
func (t *Transport) release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == sessionID {
		t.sessionID = ""
		t.api = nil
		t.cancel = nil
	}
}

// Disconnect stops polling for sessionID.
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
	t.logger.Info().Str("session_id", sessionID).Msg("Telegram bot detached")
	return nil
}

func (t *Transport) client(sessionID string) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != sessionID || t.api == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}
	return t.api, nil
}

// SendText sends text to the chat identified by contactID, split into
// Telegram-sized chunks.
func (t *Transport) SendText(ctx context.Context, sessionID, contactID, text string) error {
	api, err := t.client(sessionID)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(contactID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", contactID, err)
	}

	for _, chunk := range splitMessage(text, maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	t.logger.Debug().Str("session_id", sessionID).Int64("chat_id", chatID).Msg("Message sent")
	return nil
}

// SetPresence shows the typing action. Telegram clears it on its own, so
// idle is a no-op.
func (t *Transport) SetPresence(ctx context.Context, sessionID, contactID string, presence typing.Presence) error {
	if presence != typing.PresenceTyping {
		return nil
	}
	api, err := t.client(sessionID)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(contactID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", contactID, err)
	}
	if _, err := api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// newline and space boundaries.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == '\n' || runes[i] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
