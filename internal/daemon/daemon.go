package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harun/sandesh/internal/config"
	"github.com/harun/sandesh/internal/logger"
	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/internal/tracing"
	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/completion"
	"github.com/harun/sandesh/pkg/cron"
	"github.com/harun/sandesh/pkg/fallback"
	"github.com/harun/sandesh/pkg/gateway"
	"github.com/harun/sandesh/pkg/hooks"
	"github.com/harun/sandesh/pkg/moderation"
	"github.com/harun/sandesh/pkg/prompt"
	"github.com/harun/sandesh/pkg/respcache"
	"github.com/harun/sandesh/pkg/shadow"
	"github.com/harun/sandesh/pkg/transport/loopback"
	"github.com/harun/sandesh/pkg/transport/matrix"
	"github.com/harun/sandesh/pkg/transport/telegram"
	"github.com/harun/sandesh/pkg/typing"
)

const (
	sweepJob   = "sweep"
	persistJob = "persist"

	jobTimeout      = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// Daemon represents the Sandesh daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	prompt     *prompt.Builder
	store      shadow.Store
	redis      redis.UniversalClient
	transports map[string]bridge.Transport
	loopback   *loopback.Transport
	registry   *bridge.Registry
	hooks      *hooks.Manager

	unsubscribe func()

	gatewayServer *gateway.Server
	scheduler     *cron.Service
	watcher       *config.Watcher

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	shutdownTracing tracing.ShutdownFunc
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
	Active    int
}

// New builds every component from cfg. Nothing touches the network until
// Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	observability.EnsureRegistered()
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.shutdownTracing = shutdown
			d.log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	if err := d.initialize(); err != nil {
		d.release()
		cancel()
		return nil, err
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initialize wires the components in dependency order.
func (d *Daemon) initialize() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	}

	persona, err := d.loadPersona()
	if err != nil {
		return err
	}
	d.prompt = prompt.NewBuilder(persona)

	store, err := d.openStore()
	if err != nil {
		return err
	}
	d.store = store

	cacheBackend := d.cacheBackend()

	d.transports = d.buildTransports()
	if len(d.transports) == 0 {
		return fmt.Errorf("no transports enabled")
	}

	filter, err := moderation.New(moderation.Config{
		Enabled:         cfg.Moderation.Enabled,
		BlockedKeywords: cfg.Moderation.BlockedKeywords,
		BlockedPatterns: cfg.Moderation.BlockedPatterns,
	})
	if err != nil {
		return fmt.Errorf("failed to build moderation filter: %w", err)
	}

	if err := d.buildHooks(); err != nil {
		return err
	}

	registryLogger := d.logger.GetZerolog()
	d.registry = bridge.New(bridge.Config{
		RateLimit:       cfg.Bridge.RateLimit,
		RateWindow:      cfg.Bridge.RateWindow(),
		HistorySize:     cfg.Bridge.HistorySize,
		ContextSize:     cfg.Bridge.ContextSize,
		CacheTTL:        cfg.Bridge.CacheTTL(),
		InboxSize:       cfg.Bridge.InboxSize,
		StaleAge:        cfg.Bridge.StaleAge(),
		PurgeAge:        cfg.Bridge.PurgeAge(),
		IgnoredContacts: cfg.Bridge.IgnoredContacts,
		NewCompleter:    d.newCompleter,
		CacheBackend:    cacheBackend,
		Prompt:          d.prompt,
		Fallback:        fallback.New(nil),
		Moderation:      filter,
		Typing:          typing.New(cfg.Typing, nil),
		Store:           store,
		Transports:      d.transports,
		Logger:          &registryLogger,
	})
	d.unsubscribe = d.registry.Subscribe(d.dispatchHooks)

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
			SharedSecret:      cfg.Gateway.SharedSecret,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			Registry:          d.registry,
			Loopback:          d.loopback,
			Logger:            d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	if err := d.buildScheduler(); err != nil {
		return err
	}

	if cfg.PersonaPath != "" {
		watcherLogger := d.logger.GetZerolog()
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:     cfg.PersonaPath,
			OnReload: d.prompt.SetPersona,
			Logger:   &watcherLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to create persona watcher: %w", err)
		}
		d.watcher = watcher
	}

	return nil
}

func (d *Daemon) buildHooks() error {
	hc := d.config.Hooks
	defs := make([]hooks.Hook, 0, len(hc.Hooks))
	for _, h := range hc.Hooks {
		defs = append(defs, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: h.Timeout(),
			Enabled: h.Enabled,
		})
	}

	manager, err := hooks.NewManager(hooks.Config{
		Enabled: hc.Enabled,
		Hooks:   defs,
		Logger:  d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to build hooks: %w", err)
	}
	if manager.Len() > 0 {
		d.log.Info().Int("hooks", manager.Len()).Msg("Session hooks configured")
	}
	d.hooks = manager
	return nil
}

// dispatchHooks runs hooks for state changes. The event name is the new
// state.
func (d *Daemon) dispatchHooks(n bridge.Notification) {
	if n.Kind != bridge.NotifyStateChanged {
		return
	}
	d.hooks.Dispatch(string(n.State), map[string]string{
		"session_id": n.SessionID,
		"previous":   string(n.Previous),
		"trigger":    string(n.Trigger),
		"at":         n.At.UTC().Format(time.RFC3339),
	})
}

func (d *Daemon) loadPersona() (prompt.Persona, error) {
	if d.config.PersonaPath == "" {
		return prompt.DefaultPersona(), nil
	}
	persona, err := prompt.LoadPersonaFile(d.config.PersonaPath)
	if err != nil {
		return prompt.Persona{}, fmt.Errorf("failed to load persona: %w", err)
	}
	d.log.Info().Str("path", d.config.PersonaPath).Str("name", persona.Name).Msg("Persona loaded")
	return persona, nil
}

func (d *Daemon) openStore() (shadow.Store, error) {
	storage := d.config.Storage
	storeLogger := d.logger.GetZerolog()

	switch storage.Driver {
	case "none":
		d.log.Warn().Msg("Shadow persistence disabled, sessions will not survive restarts")
		return nil, nil
	case "sqlite":
		path := storage.Path
		if path == "" {
			path = filepath.Join(d.config.DataDir, "sandesh.db")
		}
		store, err := shadow.NewSQLiteStore(path, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		d.log.Info().Str("path", path).Msg("SQLite shadow store opened")
		return store, nil
	default:
		dir := storage.Path
		if dir == "" {
			dir = filepath.Join(d.config.DataDir, "shadow")
		}
		store, err := shadow.NewFileStore(dir, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		d.log.Info().Str("path", dir).Msg("File shadow store opened")
		return store, nil
	}
}

// cacheBackend returns nil for the in-process cache so each session keeps its
// own memory backend.
func (d *Daemon) cacheBackend() func(sessionID string) respcache.Backend {
	cache := d.config.Cache
	if cache.Driver != "redis" {
		return nil
	}

	d.redis = redis.NewClient(&redis.Options{
		Addr:     cache.RedisAddr,
		Password: cache.RedisPassword,
		DB:       cache.RedisDB,
	})
	d.log.Info().Str("addr", cache.RedisAddr).Msg("Redis response cache configured")

	client := d.redis
	namespace := cache.Namespace
	return func(sessionID string) respcache.Backend {
		return respcache.NewRedisBackend(client, namespace+":"+sessionID)
	}
}

func (d *Daemon) buildTransports() map[string]bridge.Transport {
	t := d.config.Transports
	out := make(map[string]bridge.Transport)

	if t.Telegram.Enabled {
		l := d.logger.GetZerolog()
		out[telegram.Name] = telegram.New(telegram.Config{
			BotToken:    t.Telegram.BotToken,
			APIEndpoint: t.Telegram.APIEndpoint,
			PollTimeout: t.Telegram.PollTimeout,
			Logger:      &l,
		})
	}
	if t.Matrix.Enabled {
		l := d.logger.GetZerolog()
		out[matrix.Name] = matrix.New(matrix.Config{
			Homeserver:  t.Matrix.Homeserver,
			UserID:      t.Matrix.UserID,
			AccessToken: t.Matrix.AccessToken,
			Logger:      &l,
		})
	}
	if t.Loopback.Enabled {
		l := d.logger.GetZerolog()
		d.loopback = loopback.New(loopback.Config{
			AutoPair:     t.Loopback.AutoPair,
			ChallengeTTL: t.Loopback.ChallengeTTL(),
			Logger:       &l,
		})
		out[loopback.Name] = d.loopback
	}

	return out
}

// newCompleter builds a fresh provider chain for a session.
func (d *Daemon) newCompleter() (completion.Provider, error) {
	profiles := make([]completion.Profile, 0, len(d.config.AI.Profiles))
	for _, p := range d.config.AI.Profiles {
		profiles = append(profiles, completion.Profile{
			ID:          p.ID,
			Provider:    p.Provider,
			APIKey:      p.APIKey,
			Model:       p.Model,
			BaseURL:     p.BaseURL,
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
			Priority:    p.Priority,
			Timeout:     p.Timeout(),
		})
	}

	l := d.logger.GetZerolog()
	chain, err := completion.NewChainFromProfiles(&l, profiles)
	if err != nil {
		return nil, err
	}
	return chain, nil
}

func (d *Daemon) buildScheduler() error {
	l := d.logger.GetZerolog()
	d.scheduler = cron.NewService(cron.ServiceOptions{
		Logger:  &l,
		Timeout: jobTimeout,
	})

	sweep, err := cron.ParseSchedule(d.config.Scheduler.Sweep, d.config.Scheduler.TZ)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule: %w", err)
	}
	if err := d.scheduler.AddJob(sweepJob, sweep, d.sweep); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	if d.store == nil {
		return nil
	}
	persist, err := cron.ParseSchedule(d.config.Scheduler.Persist, d.config.Scheduler.TZ)
	if err != nil {
		return fmt.Errorf("invalid persist schedule: %w", err)
	}
	if err := d.scheduler.AddJob(persistJob, persist, d.registry.Persist); err != nil {
		return fmt.Errorf("failed to schedule persist: %w", err)
	}
	return nil
}

// sweep is the periodic maintenance job.
func (d *Daemon) sweep(ctx context.Context) error {
	report, err := d.registry.Sweep(ctx)
	limiterClients := 0
	if d.gatewayServer != nil {
		limiterClients = d.gatewayServer.SweepLimiter()
	}
	expiredCodes := 0
	if d.loopback != nil {
		expiredCodes = d.loopback.PruneChallenges()
	}

	d.log.Debug().
		Int("destroyed", report.Destroyed).
		Int("purged", report.Purged).
		Int("cache_expired", report.CacheExpired).
		Int("gateway_clients", limiterClients).
		Int("expired_codes", expiredCodes).
		Msg("Maintenance sweep")
	return err
}

// bootstrapSessions starts one session for every account-backed transport.
// The loopback transport is driven through the gateway instead.
func (d *Daemon) bootstrapSessions(ctx context.Context) {
	for name := range d.transports {
		if name == loopback.Name {
			continue
		}
		snap, err := d.registry.Create(ctx, name)
		if err != nil {
			d.log.Error().Err(err).Str("transport", name).Msg("Failed to create session")
			continue
		}
		if err := d.registry.Initialize(ctx, snap.ID); err != nil {
			d.log.Error().Err(err).Str("transport", name).Str("session_id", snap.ID).Msg("Failed to initialize session")
			continue
		}
		d.log.Info().Str("transport", name).Str("session_id", snap.ID).Msg("Session started")
	}
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(d.ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.log)
	logger.Info().Msg("Starting Sandesh daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.registry.Open(ctx); err != nil {
		return err
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	d.bootstrapSessions(ctx)

	d.scheduler.Start()
	logger.Info().Msg("Scheduler started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start persona watcher")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Int("transports", len(d.transports)).Msg("Daemon started")
	return nil
}

// Stop stops the daemon service gracefully. Sessions are persisted before the
// registry closes.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(tracing.WithTraceID(context.Background(), tracing.NewTraceID()), shutdownTimeout)
	defer cancel()
	logger := tracing.LoggerFromContext(ctx, d.log)
	logger.Info().Msg("Stopping Sandesh daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop persona watcher")
		}
	}

	if err := d.scheduler.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if err := d.registry.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close registry")
	}
	d.unsubscribe()
	d.hooks.Close()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release()

	logger.Info().Msg("Daemon stopped")
	return nil
}

// release closes resources owned outside the registry.
func (d *Daemon) release() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close shadow store")
		}
		d.store = nil
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close redis client")
		}
		d.redis = nil
	}
	if d.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.shutdownTracing(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.shutdownTracing = nil
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.mu.RUnlock()

	for _, snap := range d.registry.List() {
		status.Sessions++
		if snap.IsActive {
			status.Active++
		}
	}
	return status
}

// Wait blocks until ctx ends or the process receives SIGINT or SIGTERM, then
// stops the daemon.
func (d *Daemon) Wait(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.log.Info().Msg("Shutdown requested")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRegistry returns the session registry
func (d *Daemon) GetRegistry() *bridge.Registry {
	return d.registry
}

// GetGatewayServer returns the gateway server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetLoopback returns the loopback transport, nil when disabled
func (d *Daemon) GetLoopback() *loopback.Transport {
	return d.loopback
}

// GetScheduler returns the maintenance scheduler
func (d *Daemon) GetScheduler() *cron.Service {
	return d.scheduler
}

// GetPrompt returns the prompt builder shared by all sessions
func (d *Daemon) GetPrompt() *prompt.Builder {
	return d.prompt
}
