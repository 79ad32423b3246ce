package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SANDESH"

// secretEnv binds config keys to environment variables so credentials can
// stay out of the config file.
var secretEnv = map[string]string{
	"transports.telegram.bot_token":   "SANDESH_TELEGRAM_BOT_TOKEN",
	"transports.matrix.access_token":  "SANDESH_MATRIX_ACCESS_TOKEN",
	"transports.matrix.homeserver":    "SANDESH_MATRIX_HOMESERVER",
	"transports.matrix.user_id":       "SANDESH_MATRIX_USER_ID",
	"gateway.shared_secret":           "SANDESH_GATEWAY_SHARED_SECRET",
	"cache.redis_addr":                "SANDESH_REDIS_ADDR",
	"cache.redis_password":            "SANDESH_REDIS_PASSWORD",
	"logging.level":                   "SANDESH_LOG_LEVEL",
	"data_dir":                        "SANDESH_DATA_DIR",
}

// providerKeyEnv fills profiles whose api_key is empty.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFile    string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
	}
}

// WithEnvFile sets the dotenv file read before the environment is consulted.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads the dotenv file, the JSON config file and the environment, in
// increasing order of precedence. A missing config file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		// variables already set in the process win over the file
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range secretEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i, profile := range cfg.AI.Profiles {
		if profile.APIKey == "" {
			if env, ok := providerKeyEnv[profile.Provider]; ok {
				cfg.AI.Profiles[i].APIKey = os.Getenv(env)
			}
		}
		if profile.ID == "" {
			cfg.AI.Profiles[i].ID = fmt.Sprintf("%s-%d", profile.Provider, i)
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Driver {
		case "sqlite":
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sandesh.db")
		case "file":
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "shadow")
		}
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "sandesh.log")
	}

	return cfg, nil
}

// Save writes cfg to the config file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("persona_path", cfg.PersonaPath)
	v.Set("ai", cfg.AI)
	v.Set("bridge", cfg.Bridge)
	v.Set("typing", cfg.Typing)
	v.Set("transports", cfg.Transports)
	v.Set("storage", cfg.Storage)
	v.Set("cache", cfg.Cache)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("moderation", cfg.Moderation)
	v.Set("hooks", cfg.Hooks)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sandesh", "sandesh.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
