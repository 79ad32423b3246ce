package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, 2, cfg.Bridge.RateLimit)
	assert.Equal(t, time.Minute, cfg.Bridge.RateWindow())
	assert.Equal(t, 10, cfg.Bridge.HistorySize)
	assert.Equal(t, 6, cfg.Bridge.ContextSize)
	assert.Equal(t, time.Hour, cfg.Bridge.CacheTTL())
	assert.Equal(t, 30*time.Minute, cfg.Bridge.StaleAge())
	assert.Equal(t, 24*time.Hour, cfg.Bridge.PurgeAge())
	assert.Contains(t, cfg.Bridge.IgnoredContacts, "status@broadcast")
	assert.True(t, cfg.Transports.Loopback.Enabled)
	assert.False(t, cfg.Transports.Telegram.Enabled)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 8085, cfg.Gateway.Port)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "valid anthropic profile",
			mutate: func(c *Config) {
				c.AI.Profiles = []AIProfile{{ID: "a", Provider: "anthropic", APIKey: "sk-ant-test123"}}
			},
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.AI.Profiles = []AIProfile{{ID: "a", Provider: "gemini"}}
			},
			wantErr: "ai.profiles[0]",
		},
		{
			name: "malformed key",
			mutate: func(c *Config) {
				c.AI.Profiles = []AIProfile{{ID: "a", Provider: "openai", APIKey: "nope"}}
			},
			wantErr: "OpenAI API key",
		},
		{
			name: "temperature out of range",
			mutate: func(c *Config) {
				c.AI.Profiles = []AIProfile{{ID: "a", Provider: "openai", Temperature: 3}}
			},
			wantErr: "temperature",
		},
		{
			name:    "negative limit",
			mutate:  func(c *Config) { c.Bridge.RateLimit = -1 },
			wantErr: "non-negative",
		},
		{
			name:    "context larger than history",
			mutate:  func(c *Config) { c.Bridge.ContextSize = 20 },
			wantErr: "context_size",
		},
		{
			name:    "no transports",
			mutate:  func(c *Config) { c.Transports.Loopback.Enabled = false },
			wantErr: "at least one transport",
		},
		{
			name: "telegram without token",
			mutate: func(c *Config) {
				c.Transports.Telegram.Enabled = true
			},
			wantErr: "transports.telegram",
		},
		{
			name: "matrix with bad user id",
			mutate: func(c *Config) {
				c.Transports.Matrix = MatrixConfig{Enabled: true, Homeserver: "https://matrix.org", UserID: "alice", AccessToken: "t"}
			},
			wantErr: "transports.matrix",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "storage.driver",
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.Cache.Driver = "redis" },
			wantErr: "redis_addr",
		},
		{
			name:    "bad schedule",
			mutate:  func(c *Config) { c.Scheduler.Sweep = "whenever" },
			wantErr: "scheduler.sweep",
		},
		{
			name:    "bad moderation pattern",
			mutate:  func(c *Config) { c.Moderation.BlockedPatterns = []string{"[a-"} },
			wantErr: "moderation.blocked_patterns[0]",
		},
		{
			name: "hook without script",
			mutate: func(c *Config) {
				c.Hooks = HooksConfig{Enabled: true, Hooks: []HookConfig{{Event: "READY", Enabled: true}}}
			},
			wantErr: "hooks.hooks[0]",
		},
		{
			name: "disabled hook is not checked",
			mutate: func(c *Config) {
				c.Hooks = HooksConfig{Enabled: true, Hooks: []HookConfig{{Event: "READY"}}}
			},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Gateway.Port = 70000 },
			wantErr: "gateway",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "logging",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{{ID: "a", Provider: "anthropic", APIKey: "sk-ant-verysecretkey"}}
	cfg.Transports.Telegram.BotToken = "123456:ABCDEFSECRET"
	cfg.Gateway.SharedSecret = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "verysecretkey")
	assert.NotContains(t, out, "ABCDEFSECRET")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "sk-a****")

	// the receiver is untouched
	assert.Equal(t, "sk-ant-verysecretkey", cfg.AI.Profiles[0].APIKey)
}

func TestAIProfileTimeout(t *testing.T) {
	assert.Equal(t, 15*time.Second, AIProfile{TimeoutSeconds: 15}.Timeout())
	assert.Zero(t, AIProfile{}.Timeout())
}
