// Package respcache memoizes completion replies keyed by a hash of the
// normalized inbound text.
//
// The cache is best-effort: backend failures are logged and reported as
// misses so the caller simply asks the completion service again.
package respcache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/sandesh/internal/observability"
)

// DefaultTTL is how long a cached reply stays valid.
const DefaultTTL = time.Hour

// Backend stores cache values with a per-entry TTL.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Sweep removes expired entries and returns how many were dropped.
	Sweep(ctx context.Context) (int, error)
	// Clear removes every entry owned by this backend.
	Clear(ctx context.Context) error
}

// Normalize lowercases text and collapses runs of whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Key returns the 64-bit xxhash of the normalized text as fixed-width hex.
func Key(text string) string {
	sum := xxhash.Sum64String(Normalize(text))
	s := strconv.FormatUint(sum, 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// Cache wraps a Backend with TTL defaults and degrade-to-miss semantics.
type Cache struct {
	backend Backend
	ttl     time.Duration
	logger  zerolog.Logger
}

// Config configures a Cache.
type Config struct {
	Backend Backend
	TTL     time.Duration
	Logger  *zerolog.Logger
}

// New creates a Cache. A nil backend uses an in-process MemoryBackend.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Backend == nil {
		cfg.Backend = NewMemoryBackend(nil)
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Cache{
		backend: cfg.Backend,
		ttl:     cfg.TTL,
		logger:  logger.With().Str("component", "respcache").Logger(),
	}
}

// Get returns the cached reply for key. Errors are reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	value, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed, treating as miss")
		observability.RecordCacheLookup(false)
		return "", false
	}
	observability.RecordCacheLookup(ok)
	return value, ok
}

// Set stores value under key. Errors are logged and otherwise ignored.
func (c *Cache) Set(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if err := c.backend.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache store failed")
	}
}

// Sweep drops expired entries from the backend.
func (c *Cache) Sweep(ctx context.Context) int {
	n, err := c.backend.Sweep(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Cache sweep failed")
	}
	return n
}

// Clear drops all entries. Called when the owning session is destroyed.
func (c *Cache) Clear(ctx context.Context) {
	if err := c.backend.Clear(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Cache clear failed")
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
