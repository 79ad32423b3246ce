package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harun/sandesh/pkg/typing"
)

// Config represents the main Sandesh configuration
type Config struct {
	// Data directory holding the shadow store, pid file and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Persona file; empty uses the built-in persona
	PersonaPath string `json:"persona_path" mapstructure:"persona_path"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Per-session pipeline limits
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// Typing delay curve
	Typing typing.Config `json:"typing" mapstructure:"typing"`

	// Transports
	Transports TransportsConfig `json:"transports" mapstructure:"transports"`

	// Shadow persistence
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Response cache backend
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Periodic jobs
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Reply moderation
	Moderation ModerationConfig `json:"moderation" mapstructure:"moderation"`

	// Shell hooks run on session state changes
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID             string  `json:"id" mapstructure:"id"`
	Provider       string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey         string  `json:"api_key" mapstructure:"api_key"`
	Model          string  `json:"model" mapstructure:"model"`
	BaseURL        string  `json:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens      int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64 `json:"temperature" mapstructure:"temperature"`
	Priority       int     `json:"priority" mapstructure:"priority"`
	TimeoutSeconds int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// BridgeConfig holds the per-session limits
type BridgeConfig struct {
	RateLimit         int      `json:"rate_limit" mapstructure:"rate_limit"`
	RateWindowSeconds int      `json:"rate_window_seconds" mapstructure:"rate_window_seconds"`
	HistorySize       int      `json:"history_size" mapstructure:"history_size"`
	ContextSize       int      `json:"context_size" mapstructure:"context_size"`
	CacheTTLSeconds   int      `json:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
	InboxSize         int      `json:"inbox_size" mapstructure:"inbox_size"`
	StaleAfterMinutes int      `json:"stale_after_minutes" mapstructure:"stale_after_minutes"`
	PurgeAfterHours   int      `json:"purge_after_hours" mapstructure:"purge_after_hours"`
	IgnoredContacts   []string `json:"ignored_contacts" mapstructure:"ignored_contacts"`
}

// TransportsConfig holds the transport accounts
type TransportsConfig struct {
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Matrix   MatrixConfig   `json:"matrix" mapstructure:"matrix"`
	Loopback LoopbackConfig `json:"loopback" mapstructure:"loopback"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	BotToken    string `json:"bot_token" mapstructure:"bot_token"`
	APIEndpoint string `json:"api_endpoint,omitempty" mapstructure:"api_endpoint"`
	PollTimeout int    `json:"poll_timeout" mapstructure:"poll_timeout"` // seconds
}

// MatrixConfig holds Matrix account configuration
type MatrixConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Homeserver  string `json:"homeserver" mapstructure:"homeserver"`
	UserID      string `json:"user_id" mapstructure:"user_id"`
	AccessToken string `json:"access_token" mapstructure:"access_token"`
}

// LoopbackConfig holds in-process transport configuration
type LoopbackConfig struct {
	Enabled             bool `json:"enabled" mapstructure:"enabled"`
	AutoPair            bool `json:"auto_pair" mapstructure:"auto_pair"`
	ChallengeTTLMinutes int  `json:"challenge_ttl_minutes" mapstructure:"challenge_ttl_minutes"`
}

// StorageConfig selects the shadow store
type StorageConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // file, sqlite, none
	Path   string `json:"path" mapstructure:"path"`
}

// CacheConfig selects the response cache backend
type CacheConfig struct {
	Driver        string `json:"driver" mapstructure:"driver"` // memory, redis
	RedisAddr     string `json:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `json:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `json:"redis_db" mapstructure:"redis_db"`
	Namespace     string `json:"namespace" mapstructure:"namespace"`
}

// SchedulerConfig holds the periodic job schedules. Values are either
// "@every <duration>" or a five-field cron expression.
type SchedulerConfig struct {
	Sweep   string `json:"sweep" mapstructure:"sweep"`
	Persist string `json:"persist" mapstructure:"persist"`
	TZ      string `json:"tz,omitempty" mapstructure:"tz"`
}

// ModerationConfig lists content that must never be sent as a reply
type ModerationConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// HooksConfig holds session lifecycle hooks
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig is one shell hook. Event is a session state such as READY
// or DESTROYED, or "*" for every change.
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Port              int    `json:"port" mapstructure:"port"`
	Host              string `json:"host" mapstructure:"host"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig enables OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Bridge: BridgeConfig{
			RateLimit:         2,
			RateWindowSeconds: 60,
			HistorySize:       10,
			ContextSize:       6,
			CacheTTLSeconds:   3600,
			InboxSize:         64,
			StaleAfterMinutes: 30,
			PurgeAfterHours:   24,
			IgnoredContacts:   []string{"status@broadcast"},
		},
		Typing: typing.DefaultConfig(),
		Transports: TransportsConfig{
			Telegram: TelegramConfig{PollTimeout: 30},
			Loopback: LoopbackConfig{Enabled: true, ChallengeTTLMinutes: 60},
		},
		Storage: StorageConfig{
			Driver: "file",
		},
		Cache: CacheConfig{
			Driver:    "memory",
			Namespace: "sandesh",
		},
		Scheduler: SchedulerConfig{
			Sweep:   "@every 1m",
			Persist: "@every 30s",
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Port:              8085,
			Host:              "127.0.0.1",
			RequestsPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "sandesh",
			SampleRatio: 1,
		},
	}
}

// RateWindow returns the admission window.
func (b BridgeConfig) RateWindow() time.Duration {
	return time.Duration(b.RateWindowSeconds) * time.Second
}

func (b BridgeConfig) CacheTTL() time.Duration {
	return time.Duration(b.CacheTTLSeconds) * time.Second
}

func (b BridgeConfig) StaleAge() time.Duration {
	return time.Duration(b.StaleAfterMinutes) * time.Minute
}

func (b BridgeConfig) PurgeAge() time.Duration {
	return time.Duration(b.PurgeAfterHours) * time.Hour
}

// ChallengeTTL returns how long a loopback pairing code is accepted.
func (l LoopbackConfig) ChallengeTTL() time.Duration {
	return time.Duration(l.ChallengeTTLMinutes) * time.Minute
}

func (h HookConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Timeout returns the per-call completion timeout.
func (p AIProfile) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	v := NewValidator()

	for i, profile := range c.AI.Profiles {
		if err := v.ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("ai.profiles[%d]: %w", i, err)
		}
		if profile.APIKey != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				return fmt.Errorf("ai.profiles[%d]: %w", i, err)
			}
		}
		if profile.Temperature < 0 || profile.Temperature > 2 {
			return fmt.Errorf("ai.profiles[%d]: temperature must be between 0 and 2", i)
		}
	}

	b := c.Bridge
	if b.RateLimit < 0 || b.RateWindowSeconds < 0 || b.HistorySize < 0 || b.ContextSize < 0 ||
		b.CacheTTLSeconds < 0 || b.InboxSize < 0 || b.StaleAfterMinutes < 0 || b.PurgeAfterHours < 0 {
		return fmt.Errorf("bridge limits must be non-negative")
	}
	if b.HistorySize > 0 && b.ContextSize > b.HistorySize {
		return fmt.Errorf("bridge.context_size (%d) cannot exceed bridge.history_size (%d)", b.ContextSize, b.HistorySize)
	}

	t := c.Transports
	if !t.Telegram.Enabled && !t.Matrix.Enabled && !t.Loopback.Enabled {
		return fmt.Errorf("at least one transport must be enabled")
	}
	if t.Telegram.Enabled {
		if err := v.ValidateTelegramToken(t.Telegram.BotToken); err != nil {
			return fmt.Errorf("transports.telegram: %w", err)
		}
	}
	if t.Matrix.Enabled {
		if err := v.ValidateMatrix(t.Matrix.Homeserver, t.Matrix.UserID, t.Matrix.AccessToken); err != nil {
			return fmt.Errorf("transports.matrix: %w", err)
		}
	}

	switch c.Storage.Driver {
	case "file", "sqlite", "none":
	default:
		return fmt.Errorf("storage.driver must be file, sqlite or none, got %q", c.Storage.Driver)
	}

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver must be memory or redis, got %q", c.Cache.Driver)
	}

	if err := v.ValidateSchedule(c.Scheduler.Sweep); err != nil {
		return fmt.Errorf("scheduler.sweep: %w", err)
	}
	if err := v.ValidateSchedule(c.Scheduler.Persist); err != nil {
		return fmt.Errorf("scheduler.persist: %w", err)
	}

	for i, re := range c.Moderation.BlockedPatterns {
		if _, err := regexp.Compile(re); err != nil {
			return fmt.Errorf("moderation.blocked_patterns[%d]: %w", i, err)
		}
	}

	if c.Hooks.Enabled {
		for i, h := range c.Hooks.Hooks {
			if h.Enabled && (strings.TrimSpace(h.Event) == "" || strings.TrimSpace(h.Script) == "") {
				return fmt.Errorf("hooks.hooks[%d]: event and script are required", i)
			}
		}
	}

	if c.Gateway.Enabled {
		if err := v.ValidatePort(c.Gateway.Port); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	return nil
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	masked.Transports.Telegram.BotToken = mask(c.Transports.Telegram.BotToken)
	masked.Transports.Matrix.AccessToken = mask(c.Transports.Matrix.AccessToken)
	masked.Cache.RedisPassword = mask(c.Cache.RedisPassword)
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
