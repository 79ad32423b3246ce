package bridge

import (
	"context"
	"time"

	"github.com/harun/sandesh/pkg/typing"
)

// EventKind names an inbound transport event.
type EventKind string

const (
	EventPaired         EventKind = "paired"
	EventAuthenticated  EventKind = "authenticated"
	EventReady          EventKind = "ready"
	EventMessage        EventKind = "message"
	EventDisconnected   EventKind = "disconnected"
	EventTransportError EventKind = "transport_error"
)

// Sender describes who sent a message.
type Sender struct {
	Name     string            `json:"name,omitempty"`
	FromSelf bool              `json:"fromSelf,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// DisplayName returns the contact's name, falling back to contactID.
func (s Sender) DisplayName(contactID string) string {
	if s.Name != "" {
		return s.Name
	}
	if name := s.Meta["name"]; name != "" {
		return name
	}
	return contactID
}

// Message is an inbound chat message.
type Message struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contactId"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Event is published by a transport into a session's inbox.
type Event struct {
	Kind      EventKind
	SessionID string
	Challenge string
	Message   *Message
	Reason    string
	Detail    string
}

// EventSink receives transport events for one session. It blocks while the
// session inbox is full.
type EventSink func(ctx context.Context, ev Event) error

// Transport is an external messaging network.
type Transport interface {
	Name() string
	// Connect starts the session's connection and returns without waiting for
	// authentication. Progress is reported through sink.
	Connect(ctx context.Context, sessionID string, sink EventSink) error
	Disconnect(ctx context.Context, sessionID string) error
	SendText(ctx context.Context, sessionID, contactID, text string) error
	typing.PresenceSetter
}
