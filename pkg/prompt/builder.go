// Package prompt turns a contact's inbound text and recent history into the
// request payload sent to a completion provider.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/harun/sandesh/pkg/history"
	"github.com/harun/sandesh/pkg/language"
)

// Role labels a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-labelled message in the payload.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Payload is the provider-neutral completion request.
type Payload struct {
	System string `json:"system"`
	Turns  []Turn `json:"turns"`
}

// Bytes returns the canonical JSON encoding of the payload.
func (p Payload) Bytes() []byte {
	data, _ := json.Marshal(p)
	return data
}

// LastUserText returns the content of the final user turn.
func (p Payload) LastUserText() string {
	for i := len(p.Turns) - 1; i >= 0; i-- {
		if p.Turns[i].Role == RoleUser {
			return p.Turns[i].Content
		}
	}
	return ""
}

var registerInstructions = map[language.Register]string{
	language.RegisterHindi: "The contact writes in Hindi using Devanagari script. " +
		"Reply in simple, natural Hindi in Devanagari.",
	language.RegisterEnglish: "The contact writes in English. " +
		"Reply in clear, relaxed English without slang overload.",
	language.RegisterMixed: "The contact writes in Hinglish (Hindi in Latin script mixed with English). " +
		"Reply the same way, casually, using words like yaar or acha where they fit.",
}

// Builder composes payloads from a swappable persona.
type Builder struct {
	persona atomic.Pointer[Persona]
}

// NewBuilder creates a Builder for persona.
func NewBuilder(persona Persona) *Builder {
	b := &Builder{}
	b.SetPersona(persona)
	return b
}

// SetPersona replaces the persona used by subsequent Build calls.
func (b *Builder) SetPersona(persona Persona) {
	p := persona
	p.AvoidTopics = append([]string(nil), persona.AvoidTopics...)
	b.persona.Store(&p)
}

// Persona returns the current persona.
func (b *Builder) Persona() Persona {
	return *b.persona.Load()
}

// Build returns the payload for text given the contact's recent history. History
// entries become user/assistant turns in order and text is the final user turn.
func (b *Builder) Build(text string, recent []history.Entry, contactName string, register language.Register) Payload {
	persona := b.Persona()

	turns := make([]Turn, 0, len(recent)+1)
	for _, e := range recent {
		role := RoleUser
		if e.Direction == history.DirectionOut {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Content: e.Text})
	}
	turns = append(turns, Turn{Role: RoleUser, Content: text})

	return Payload{
		System: systemPrompt(persona, register, contactName),
		Turns:  turns,
	}
}

func systemPrompt(persona Persona, register language.Register, contactName string) string {
	var sb strings.Builder

	sb.WriteString(strings.TrimSpace(persona.Instructions))
	if persona.Name != "" {
		fmt.Fprintf(&sb, "\nYour name is %s.", persona.Name)
	}
	if persona.MaxReplyWords > 0 {
		fmt.Fprintf(&sb, "\nKeep every reply under %d words.", persona.MaxReplyWords)
	}
	if len(persona.AvoidTopics) > 0 {
		fmt.Fprintf(&sb, "\nPolitely steer away from these topics: %s.", strings.Join(persona.AvoidTopics, ", "))
	}

	instruction, ok := registerInstructions[register]
	if !ok {
		instruction = registerInstructions[language.RegisterMixed]
	}
	sb.WriteString("\n")
	sb.WriteString(instruction)

	if contactName != "" {
		fmt.Fprintf(&sb, "\nYou are chatting with %q.", contactName)
	}
	return sb.String()
}
