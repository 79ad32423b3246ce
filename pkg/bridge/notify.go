package bridge

import "time"

// NotificationKind names a registry notification.
type NotificationKind string

const (
	NotifyCreated        NotificationKind = "created"
	NotifyStateChanged   NotificationKind = "state_changed"
	NotifyChallenge      NotificationKind = "challenge"
	NotifyReply          NotificationKind = "reply"
	NotifyDeliveryFailed NotificationKind = "delivery_failed"
	NotifyPurged         NotificationKind = "purged"
)

// Notification describes something that happened to a session.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"sessionId"`
	State     State            `json:"state,omitempty"`
	Previous  State            `json:"previous,omitempty"`
	Trigger   Trigger          `json:"trigger,omitempty"`
	Challenge string           `json:"challenge,omitempty"`
	ContactID string           `json:"contactId,omitempty"`
	Text      string           `json:"text,omitempty"`
	Source    ReplySource      `json:"source,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Subscribe registers fn for every notification and returns a function that
// removes it. fn runs on the goroutine that caused the notification and must
// not block.
func (r *Registry) Subscribe(fn func(Notification)) func() {
	r.subsMu.Lock()
	r.subSeq++
	id := r.subSeq
	r.subs[id] = fn
	r.subsMu.Unlock()

	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

func (r *Registry) notify(n Notification) {
	if n.At.IsZero() {
		n.At = r.now()
	}

	r.subsMu.RLock()
	subs := make([]func(Notification), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subsMu.RUnlock()

	for _, fn := range subs {
		fn(n)
	}
}
