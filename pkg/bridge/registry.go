// Package bridge owns chat sessions: their connection state machine, inbound
// event handling and the reply pipeline.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/internal/tracing"
	"github.com/harun/sandesh/pkg/commandqueue"
	"github.com/harun/sandesh/pkg/completion"
	"github.com/harun/sandesh/pkg/fallback"
	"github.com/harun/sandesh/pkg/history"
	"github.com/harun/sandesh/pkg/moderation"
	"github.com/harun/sandesh/pkg/prompt"
	"github.com/harun/sandesh/pkg/ratelimit"
	"github.com/harun/sandesh/pkg/respcache"
	"github.com/harun/sandesh/pkg/shadow"
	"github.com/harun/sandesh/pkg/typing"
)

// Config configures a Registry. Zero values take the defaults from
// DefaultConfig.
type Config struct {
	RateLimit   int
	RateWindow  time.Duration
	HistorySize int
	ContextSize int
	CacheTTL    time.Duration
	InboxSize   int

	// StaleAge is how long an ERROR or DISCONNECTED session may sit idle
	// before the sweep destroys it.
	StaleAge time.Duration
	// PurgeAge is how long a destroyed session stays listed before the sweep
	// drops it from the index and the shadow store.
	PurgeAge time.Duration

	IgnoredContacts []string

	// NewCompleter builds the AI client for a session during Initialize.
	NewCompleter func() (completion.Provider, error)
	// CacheBackend returns the response cache backend for a session. Nil
	// uses an in-process backend.
	CacheBackend func(sessionID string) respcache.Backend

	Prompt     *prompt.Builder
	Fallback   *fallback.Policy
	// Moderation screens completions. A blocked completion is replaced by
	// the fallback reply and never cached.
	Moderation *moderation.Filter
	Typing     *typing.Simulator
	Store      shadow.Store
	Transports map[string]Transport

	Logger *zerolog.Logger
	Now    func() time.Time
}

// DefaultConfig returns a Config with the default limits.
func DefaultConfig() Config {
	return Config{
		RateLimit:       ratelimit.DefaultLimit,
		RateWindow:      ratelimit.DefaultWindow,
		HistorySize:     history.DefaultCapacity,
		ContextSize:     history.DefaultContextSize,
		CacheTTL:        respcache.DefaultTTL,
		InboxSize:       64,
		StaleAge:        30 * time.Minute,
		PurgeAge:        24 * time.Hour,
		IgnoredContacts: []string{"status@broadcast"},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ContextSize <= 0 {
		c.ContextSize = d.ContextSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.StaleAge <= 0 {
		c.StaleAge = d.StaleAge
	}
	if c.PurgeAge <= 0 {
		c.PurgeAge = d.PurgeAge
	}
	if c.IgnoredContacts == nil {
		c.IgnoredContacts = d.IgnoredContacts
	}
	if c.Prompt == nil {
		c.Prompt = prompt.NewBuilder(prompt.DefaultPersona())
	}
	if c.Fallback == nil {
		c.Fallback = fallback.New(nil)
	}
	if c.Typing == nil {
		c.Typing = typing.New(typing.DefaultConfig(), nil)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Registry indexes sessions by id.
type Registry struct {
	cfg     Config
	logger  zerolog.Logger
	ignored map[string]struct{}

	mu       sync.RWMutex
	sessions map[string]*Session
	// retired maps purged ids to their purge time for one more PurgeAge.
	retired  map[string]time.Time
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.RWMutex
	subs   map[int]func(Notification)
	subSeq int

	persistMu sync.Mutex
}

// New creates an empty Registry. Call Open to restore persisted sessions.
func New(cfg Config) *Registry {
	cfg.applyDefaults()
	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ignored := make(map[string]struct{}, len(cfg.IgnoredContacts))
	for _, c := range cfg.IgnoredContacts {
		ignored[c] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		logger:   logger.With().Str("component", "bridge").Logger(),
		ignored:  ignored,
		sessions: make(map[string]*Session),
		retired:  make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func(Notification)),
	}
}

func (r *Registry) now() time.Time {
	return r.cfg.Now()
}

// Open restores sessions from the shadow store.
func (r *Registry) Open(ctx context.Context) error {
	if r.cfg.Store == nil {
		return nil
	}
	n, err := r.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}
	r.logger.Info().Int("sessions", n).Msg("Registry opened")
	return nil
}

// Close persists every session and stops their workers. Session states are
// left as they are so the next Open sees them.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	persistErr := r.Persist(ctx)

	for _, s := range sessions {
		s.mu.RLock()
		connected := s.connected
		s.mu.RUnlock()
		if connected && s.transport != nil {
			if err := s.transport.Disconnect(ctx, s.id); err != nil {
				r.logger.Warn().Err(err).Str("session_id", s.id).Msg("Failed to disconnect transport")
			}
		}
		s.cancel()
		s.lanes.Abort()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.lanes.Wait(5 * time.Second)
	}
	r.cancel()

	observability.SetActiveSessions(0)
	r.logger.Info().Int("sessions", len(sessions)).Msg("Registry closed")
	return persistErr
}

func (r *Registry) newSession(id, transportName string, transport Transport, createdAt time.Time) *Session {
	ctx, cancel := context.WithCancel(r.ctx)

	var backend respcache.Backend = respcache.NewMemoryBackend(r.cfg.Now)
	if r.cfg.CacheBackend != nil {
		backend = r.cfg.CacheBackend(id)
	}
	cacheLogger := r.logger.With().Str("session_id", id).Logger()

	return &Session{
		id:             id,
		transportName:  transportName,
		transport:      transport,
		createdAt:      createdAt,
		state:          StateCreated,
		lastActivityAt: createdAt,
		isActive:       true,
		limiter:        ratelimit.New(r.cfg.RateLimit, r.cfg.RateWindow),
		history:        history.NewStore(r.cfg.HistorySize),
		cache:          respcache.New(respcache.Config{Backend: backend, TTL: r.cfg.CacheTTL, Logger: &cacheLogger}),
		lanes:          commandqueue.New(ctx, commandqueue.Config{Name: "session", MaxPending: r.cfg.InboxSize}),
		inbox:          make(chan Event, r.cfg.InboxSize),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Create registers a new session on the named transport in CREATED state.
func (r *Registry) Create(ctx context.Context, transportName string) (Snapshot, error) {
	transport, ok := r.cfg.Transports[transportName]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTransport, transportName)
	}

	now := r.now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Snapshot{}, ErrRegistryClosed
	}
	var id string
	for {
		var err error
		id, err = NewSessionID(now)
		if err != nil {
			r.mu.Unlock()
			return Snapshot{}, err
		}
		_, live := r.sessions[id]
		_, gone := r.retired[id]
		if !live && !gone {
			break
		}
	}
	s := r.newSession(id, transportName, transport, now)
	r.sessions[id] = s
	active := r.activeLocked()
	r.mu.Unlock()

	go r.worker(s)

	observability.SetActiveSessions(active)
	observability.RecordSessionTransition(string(StateCreated))
	observability.RecordSessionAudit(ctx, "create", id, "success", map[string]interface{}{"transport": transportName})
	r.logger.Info().Str("session_id", id).Str("transport", transportName).Msg("Session created")

	snap := s.Snapshot()
	r.notify(Notification{Kind: NotifyCreated, SessionID: id, State: StateCreated})
	return snap, nil
}

// Initialize moves a CREATED session to INITIALIZING, builds its AI client
// and connects its transport. A missing AI credential moves the session to
// ERROR and returns ErrMissingCredential.
func (r *Registry) Initialize(ctx context.Context, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.RLock()
	restored := s.restored
	s.mu.RUnlock()
	if restored {
		return fmt.Errorf("%w: restored session %s cannot be initialized", ErrInvalidTransition, id)
	}

	if err := r.fire(ctx, s, TriggerInitialize); err != nil {
		return err
	}

	completer, err := r.buildCompleter()
	if err != nil {
		r.fail(ctx, s, err)
		if errors.Is(err, completion.ErrMissingCredential) {
			return fmt.Errorf("session %s: %w", id, err)
		}
		return fmt.Errorf("session %s: failed to build completer: %w", id, err)
	}

	s.mu.Lock()
	s.completer = completer
	s.mu.Unlock()

	sink := func(ctx context.Context, ev Event) error {
		return r.Publish(ctx, id, ev)
	}
	if err := s.transport.Connect(s.ctx, id, sink); err != nil {
		r.fail(ctx, s, err)
		return fmt.Errorf("session %s: failed to connect %s: %w", id, s.transportName, err)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (r *Registry) buildCompleter() (completion.Provider, error) {
	if r.cfg.NewCompleter == nil {
		return nil, ErrMissingCredential
	}
	return r.cfg.NewCompleter()
}

// fail records err and moves s to ERROR.
func (r *Registry) fail(ctx context.Context, s *Session, err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()

	if ferr := r.fire(ctx, s, TriggerAuthFailure); ferr != nil {
		r.logger.Debug().Err(ferr).Str("session_id", s.id).Msg("Failure ignored in current state")
	}
}

// fire applies trigger to s.
func (r *Registry) fire(ctx context.Context, s *Session, trigger Trigger) error {
	s.mu.Lock()
	from := s.state
	to, err := Next(from, trigger)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	s.state = to
	if to != StateQRPending {
		s.challenge = ""
	}
	s.mu.Unlock()

	observability.RecordSessionTransition(string(to))
	observability.RecordSessionAudit(ctx, string(trigger), s.id, "success", map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	r.logger.Info().
		Str("session_id", s.id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", string(trigger)).
		Msg("Session state changed")

	r.notify(Notification{Kind: NotifyStateChanged, SessionID: s.id, State: to, Previous: from, Trigger: trigger})
	return nil
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Snapshot, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// LaneStats returns the busy per-contact lanes of every session, keyed by
// session id. Sessions with no queued or running work are omitted.
func (r *Registry) LaneStats() map[string]map[string]commandqueue.LaneStats {
	out := make(map[string]map[string]commandqueue.LaneStats)
	for _, s := range r.all() {
		if stats := s.lanes.Stats(); len(stats) > 0 {
			out[s.id] = stats
		}
	}
	return out
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, s := range r.sessions {
		s.mu.RLock()
		if s.isActive {
			n++
		}
		s.mu.RUnlock()
	}
	return n
}

// Publish delivers a transport event to the session's inbox. It blocks while
// the inbox is full and gives up when ctx ends. Events for destroyed
// sessions are dropped.
func (r *Registry) Publish(ctx context.Context, id string, ev Event) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.State() == StateDestroyed {
		return nil
	}
	ev.SessionID = id

	select {
	case s.inbox <- ev:
		return nil
	case <-s.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker consumes the session inbox until the session ends.
func (r *Registry) worker(s *Session) {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			r.dispatch(s, ev)
		}
	}
}

func (r *Registry) dispatch(s *Session, ev Event) {
	ctx := tracing.WithSessionID(s.ctx, s.id)
	logger := r.logger.With().Str("session_id", s.id).Str("event", string(ev.Kind)).Logger()

	var err error
	switch ev.Kind {
	case EventPaired:
		err = r.onPaired(ctx, s, ev.Challenge)
	case EventAuthenticated:
		trigger := TriggerCredentialsReused
		if s.State() == StateQRPending {
			trigger = TriggerCredentialsConfirmed
		}
		err = r.fire(ctx, s, trigger)
	case EventReady:
		err = r.fire(ctx, s, TriggerHandshakeComplete)
	case EventDisconnected:
		s.mu.Lock()
		s.lastError = ev.Reason
		s.mu.Unlock()
		if s.State() == StateReady {
			err = r.fire(ctx, s, TriggerTransportLost)
		} else {
			err = r.fire(ctx, s, TriggerAuthFailure)
		}
	case EventTransportError:
		r.fail(ctx, s, errors.New(ev.Detail))
	case EventMessage:
		r.submitMessage(ctx, s, ev.Message)
	default:
		logger.Warn().Msg("Unknown transport event")
	}

	if err != nil {
		logger.Debug().Err(err).Msg("Transport event ignored")
	}
}

func (r *Registry) onPaired(ctx context.Context, s *Session, challenge string) error {
	s.mu.Lock()
	refresh := s.state == StateQRPending
	if refresh {
		s.challenge = challenge
	}
	s.mu.Unlock()

	if !refresh {
		if err := r.fire(ctx, s, TriggerPairingChallenge); err != nil {
			return err
		}
		s.mu.Lock()
		s.challenge = challenge
		s.mu.Unlock()
	}

	r.notify(Notification{Kind: NotifyChallenge, SessionID: s.id, State: StateQRPending, Challenge: challenge})
	return nil
}

// ignore reports whether msg comes from a broadcast address or from the
// session's own account.
func (r *Registry) ignore(msg *Message) bool {
	if msg == nil || msg.Sender.FromSelf {
		return true
	}
	_, ok := r.ignored[msg.ContactID]
	return ok
}

// submitMessage queues msg on its contact lane without waiting for the reply.
func (r *Registry) submitMessage(ctx context.Context, s *Session, msg *Message) {
	if r.ignore(msg) {
		return
	}

	var opts *commandqueue.TaskOptions
	if msg.ID != "" {
		opts = &commandqueue.TaskOptions{Key: msg.ID}
	}

	m := *msg
	_, err := s.lanes.Submit(ctx, m.ContactID, func(tctx context.Context) (interface{}, error) {
		return r.process(tctx, s, &m)
	}, opts)
	if err != nil {
		r.logger.Debug().Err(err).Str("session_id", s.id).Str("contact_id", m.ContactID).Msg("Message not queued")
	}
}

// Destroy tears a session down. Destroying a destroyed or purged session is
// a no-op.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	_, purged := r.retired[id]
	r.mu.RUnlock()
	if !ok {
		if purged {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	from := s.State()
	if from == StateDestroyed {
		return nil
	}
	for _, trigger := range destroyPath(from) {
		if err := r.fire(ctx, s, trigger); err != nil {
			// a concurrent transition already moved the session on
			if s.State() == StateDestroyed {
				return nil
			}
			return err
		}
	}

	// PurgeAge counts from teardown, not from the last message.
	s.touch(r.now())

	s.mu.Lock()
	s.isActive = false
	connected := s.connected
	s.connected = false
	s.challenge = ""
	s.mu.Unlock()

	s.cancel()
	s.lanes.Abort()

	if connected && s.transport != nil {
		if err := s.transport.Disconnect(context.WithoutCancel(ctx), id); err != nil {
			r.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to disconnect transport")
		}
	}
	s.cache.Clear(context.WithoutCancel(ctx))

	r.mu.RLock()
	active := r.activeLocked()
	r.mu.RUnlock()
	observability.SetActiveSessions(active)
	r.logger.Info().Str("session_id", id).Str("from", string(from)).Msg("Session destroyed")
	return nil
}

