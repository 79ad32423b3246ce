package completion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/pkg/prompt"
)

// Chain tries providers in order and returns the first usable reply.
type Chain struct {
	providers []Provider
	logger    zerolog.Logger
}

// NewChain creates a chain over providers.
func NewChain(logger *zerolog.Logger, providers ...Provider) *Chain {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Chain{
		providers: providers,
		logger:    l.With().Str("component", "completion").Logger(),
	}
}

// NewChainFromProfiles builds providers ordered by ascending Priority. Profiles
// without credentials are skipped; if none remain ErrMissingCredential is
// returned.
func NewChainFromProfiles(logger *zerolog.Logger, profiles []Profile) (*Chain, error) {
	sorted := append([]Profile(nil), profiles...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	var providers []Provider
	var errs []error
	for _, profile := range sorted {
		p, err := NewProvider(profile)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		if len(errs) == 0 {
			return nil, ErrMissingCredential
		}
		return nil, errors.Join(append([]error{ErrMissingCredential}, errs...)...)
	}
	return NewChain(logger, providers...), nil
}

// Name returns a composite provider name.
func (c *Chain) Name() string {
	if len(c.providers) == 1 {
		return c.providers[0].Name()
	}
	return "chain"
}

// Len returns the number of providers in the chain.
func (c *Chain) Len() int {
	return len(c.providers)
}

// Complete asks each provider in turn. Context cancellation stops the chain.
func (c *Chain) Complete(ctx context.Context, payload prompt.Payload) (string, error) {
	if len(c.providers) == 0 {
		return "", ErrNoProviders
	}

	var errs []error
	for _, p := range c.providers {
		start := time.Now()
		reply, err := p.Complete(ctx, payload)
		observability.RecordCompletion(p.Name(), time.Since(start), err == nil)
		if err == nil {
			return reply, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn().Err(err).Str("provider", p.Name()).Msg("Completion provider failed, trying next")
	}
	return "", errors.Join(errs...)
}
