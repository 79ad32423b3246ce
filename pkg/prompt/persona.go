package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Persona holds the fixed behaviour instructions prepended to every prompt.
type Persona struct {
	Name          string   `json:"name"`
	Instructions  string   `json:"instructions"`
	MaxReplyWords int      `json:"max_reply_words"`
	AvoidTopics   []string `json:"avoid_topics,omitempty"`
}

// DefaultPersona returns the built-in persona.
func DefaultPersona() Persona {
	return Persona{
		Name: "Sandesh",
		Instructions: "You are a friendly person chatting on a messaging app. " +
			"Sound casual and warm, like a real friend. Never mention that you are an AI, " +
			"a bot or an assistant. Do not use bullet points, markdown or emojis in excess.",
		MaxReplyWords: 40,
		AvoidTopics:   []string{"politics", "religion", "medical advice", "financial advice"},
	}
}

// Validate checks the persona is usable.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.Instructions) == "" {
		return fmt.Errorf("persona instructions are required")
	}
	if p.MaxReplyWords < 0 {
		return fmt.Errorf("max_reply_words must be non-negative")
	}
	return nil
}

// LoadPersonaFile reads a JSON persona. Unknown fields are rejected.
func LoadPersonaFile(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("failed to read persona file: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Persona
	if err := dec.Decode(&p); err != nil {
		return Persona{}, fmt.Errorf("failed to parse persona file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Persona{}, err
	}
	return p, nil
}
