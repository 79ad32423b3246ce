// Package moderation screens generated replies before they reach a contact.
package moderation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBlocked is returned for text that matches a blocked keyword or pattern.
var ErrBlocked = errors.New("moderation: blocked content")

// Config lists the blocked content.
type Config struct {
	Enabled         bool
	BlockedKeywords []string
	BlockedPatterns []string
}

// Filter checks text against keywords, case-insensitively, and patterns.
// A nil Filter allows everything.
type Filter struct {
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

// New compiles cfg into a Filter.
func New(cfg Config) (*Filter, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	keywords := make([]string, 0, len(cfg.BlockedKeywords))
	for _, kw := range cfg.BlockedKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}

	return &Filter{
		enabled:  cfg.Enabled,
		keywords: keywords,
		patterns: patterns,
	}, nil
}

// Check returns ErrBlocked if text contains blocked content.
func (f *Filter) Check(text string) error {
	if f == nil || !f.enabled {
		return nil
	}

	normalized := strings.ToLower(text)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return fmt.Errorf("%w: keyword %q", ErrBlocked, kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(text) {
			return fmt.Errorf("%w: pattern #%d", ErrBlocked, i+1)
		}
	}
	return nil
}
