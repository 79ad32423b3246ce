// Package completion talks to hosted language-model APIs.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/sandesh/pkg/prompt"
)

var (
	// ErrMissingCredential is returned when a profile has no API key.
	ErrMissingCredential = errors.New("completion: missing api credential")
	// ErrEmptyCompletion is returned when a provider answers with blank text.
	ErrEmptyCompletion = errors.New("completion: empty response")
	// ErrNoProviders is returned by a Chain with nothing to try.
	ErrNoProviders = errors.New("completion: no providers configured")
)

// Provider produces a reply for a prompt payload.
type Provider interface {
	Complete(ctx context.Context, payload prompt.Payload) (string, error)
	Name() string
}

// Profile describes one provider account.
type Profile struct {
	ID          string
	Provider    string // "openai", "anthropic"
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Priority    int
	Timeout     time.Duration
}

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxTokens = 256
)

// NewProvider builds the provider for profile, wrapped with its timeout.
func NewProvider(profile Profile) (Provider, error) {
	if strings.TrimSpace(profile.APIKey) == "" {
		return nil, fmt.Errorf("%w: profile %q", ErrMissingCredential, profile.ID)
	}
	if profile.MaxTokens <= 0 {
		profile.MaxTokens = DefaultMaxTokens
	}

	var p Provider
	switch profile.Provider {
	case "anthropic":
		p = NewAnthropicProvider(profile)
	case "openai":
		p = NewOpenAIProvider(profile)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}

	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return WithTimeout(p, timeout), nil
}

type timeoutProvider struct {
	Provider
	timeout time.Duration
}

// WithTimeout bounds every Complete call on p.
func WithTimeout(p Provider, timeout time.Duration) Provider {
	return &timeoutProvider{Provider: p, timeout: timeout}
}

func (t *timeoutProvider) Complete(ctx context.Context, payload prompt.Payload) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Provider.Complete(ctx, payload)
}

// checkReply trims text and reports blank answers as ErrEmptyCompletion.
func checkReply(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
