// Package typing paces outbound replies so they arrive after a human-looking
// typing pause.
package typing

import (
	"context"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Presence is the typing indicator state shown to a contact.
type Presence string

const (
	PresenceTyping Presence = "typing"
	PresenceIdle   Presence = "idle"
)

// PresenceSetter toggles the typing indicator on a transport.
type PresenceSetter interface {
	SetPresence(ctx context.Context, sessionID, contactID string, presence Presence) error
}

// Config controls the delay curve. Delay = Base + PerChar*len(reply), scaled
// by a random factor in [1-Jitter, 1+Jitter] and clamped to [Min, Max].
type Config struct {
	Base    time.Duration `json:"base" mapstructure:"base"`
	PerChar time.Duration `json:"per_char" mapstructure:"per_char"`
	Min     time.Duration `json:"min" mapstructure:"min"`
	Max     time.Duration `json:"max" mapstructure:"max"`
	Jitter  float64       `json:"jitter" mapstructure:"jitter"`
}

// DefaultConfig returns the default delay curve.
func DefaultConfig() Config {
	return Config{
		Base:    800 * time.Millisecond,
		PerChar: 40 * time.Millisecond,
		Min:     time.Second,
		Max:     6 * time.Second,
		Jitter:  0.2,
	}
}

// Simulator computes delays and drives presence around them.
type Simulator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Simulator. A nil src is seeded from the clock.
func New(cfg Config, src rand.Source) *Simulator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if cfg.Max > 0 && cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Simulator{cfg: cfg, rng: rand.New(src)}
}

// Delay returns the typing pause for reply.
func (s *Simulator) Delay(reply string) time.Duration {
	d := s.cfg.Base + time.Duration(utf8.RuneCountInString(reply))*s.cfg.PerChar

	if s.cfg.Jitter > 0 {
		s.mu.Lock()
		factor := 1 + (s.rng.Float64()*2-1)*s.cfg.Jitter
		s.mu.Unlock()
		d = time.Duration(float64(d) * factor)
	}

	if d < s.cfg.Min {
		d = s.cfg.Min
	}
	if s.cfg.Max > 0 && d > s.cfg.Max {
		d = s.cfg.Max
	}
	return d
}

// Simulate shows the typing indicator, waits Delay(reply) and then clears the
// indicator. Presence errors are logged and do not abort the wait. It returns
// ctx.Err() if ctx ends first.
func (s *Simulator) Simulate(ctx context.Context, presence PresenceSetter, sessionID, contactID, reply string) error {
	logger := log.With().Str("component", "typing").Str("session_id", sessionID).Str("contact_id", contactID).Logger()

	if presence != nil {
		if err := presence.SetPresence(ctx, sessionID, contactID, PresenceTyping); err != nil {
			logger.Debug().Err(err).Msg("Failed to set typing presence")
		}
	}

	timer := time.NewTimer(s.Delay(reply))
	defer timer.Stop()

	var waitErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	if presence != nil {
		// clear the indicator even when the wait was cancelled
		idleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := presence.SetPresence(idleCtx, sessionID, contactID, PresenceIdle); err != nil {
			logger.Debug().Err(err).Msg("Failed to clear typing presence")
		}
		cancel()
	}

	return waitErr
}
