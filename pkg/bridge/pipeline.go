package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/internal/tracing"
	"github.com/harun/sandesh/pkg/commandqueue"
	"github.com/harun/sandesh/pkg/history"
	"github.com/harun/sandesh/pkg/language"
	"github.com/harun/sandesh/pkg/respcache"
)

// ReplySource tells where a reply came from.
type ReplySource string

const (
	SourceCache      ReplySource = "cache"
	SourceCompletion ReplySource = "completion"
	SourceFallback   ReplySource = "fallback"
)

// Outcome is the result of handling one inbound message.
type Outcome struct {
	// Admitted is false when the rate limiter dropped the message.
	Admitted bool        `json:"admitted"`
	Ignored  bool        `json:"ignored,omitempty"`
	Reply    string      `json:"reply,omitempty"`
	Source   ReplySource `json:"source,omitempty"`
}

// HandleMessage runs msg through the reply pipeline on its contact lane and
// waits for the outcome. The session must be READY.
func (r *Registry) HandleMessage(ctx context.Context, id string, msg Message) (Outcome, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Outcome{}, err
	}
	if state := s.State(); state != StateReady {
		return Outcome{}, fmt.Errorf("%w: session %s is %s", ErrNotReady, id, state)
	}
	if r.ignore(&msg) {
		return Outcome{Ignored: true}, nil
	}

	var opts *commandqueue.TaskOptions
	if msg.ID != "" {
		opts = &commandqueue.TaskOptions{Key: msg.ID}
	}

	value, err := s.lanes.Enqueue(ctx, msg.ContactID, func(tctx context.Context) (interface{}, error) {
		return r.process(tctx, s, &msg)
	}, opts)
	outcome, _ := value.(Outcome)
	if errors.Is(err, commandqueue.ErrAborted) || errors.Is(err, commandqueue.ErrQueueClosed) {
		return outcome, fmt.Errorf("%w: session %s was torn down", ErrNotReady, id)
	}
	return outcome, err
}

// process is one pass of the reply pipeline. It runs on the contact lane.
func (r *Registry) process(ctx context.Context, s *Session, msg *Message) (Outcome, error) {
	ctx = tracing.ForMessage(ctx, s.id, msg.ContactID)
	ctx, span := tracing.StartSpan(ctx, "sandesh.bridge", "bridge.process",
		attribute.String("session_id", s.id),
		attribute.String("contact_id", msg.ContactID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)

	if state := s.State(); state != StateReady {
		return Outcome{}, fmt.Errorf("%w: session %s is %s", ErrNotReady, s.id, state)
	}

	now := r.now()
	s.received.Add(1)
	observability.RecordMessageReceived(s.transportName)
	s.touch(now)

	if !s.limiter.Admit(msg.ContactID, now) {
		observability.RecordAdmissionRejected()
		logger.Debug().Msg("Message dropped by rate limiter")
		return Outcome{Admitted: false}, nil
	}

	recent := s.history.RecentContext(msg.ContactID, r.cfg.ContextSize)
	s.history.Append(msg.ContactID, history.Entry{
		Direction: history.DirectionIn,
		Text:      msg.Text,
		Timestamp: now,
	})

	reply, source, err := r.reply(ctx, s, msg, recent)
	if err != nil {
		tracing.Fail(span, err)
		return Outcome{Admitted: true}, err
	}
	outcome := Outcome{Admitted: true, Reply: reply, Source: source}
	span.SetAttributes(attribute.String("reply_source", string(source)))

	if err := r.cfg.Typing.Simulate(ctx, s.transport, s.id, msg.ContactID, reply); err != nil {
		return outcome, err
	}
	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	if err := r.deliver(ctx, s, msg.ContactID, reply); err != nil {
		tracing.Fail(span, err)
		return outcome, err
	}

	r.notify(Notification{Kind: NotifyReply, SessionID: s.id, ContactID: msg.ContactID, Text: reply, Source: source})
	logger.Debug().Str("source", string(source)).Msg("Reply delivered")
	return outcome, nil
}

// reply resolves the answer from the cache, the completer or the fallback
// policy. Only cancellation of ctx is returned as an error.
func (r *Registry) reply(ctx context.Context, s *Session, msg *Message, recent []history.Entry) (string, ReplySource, error) {
	key := respcache.Key(msg.Text)
	if cached, ok := s.cache.Get(ctx, key); ok {
		return cached, SourceCache, nil
	}

	register := language.Classify(msg.Text)
	payload := r.cfg.Prompt.Build(msg.Text, recent, msg.Sender.DisplayName(msg.ContactID), register)

	var (
		answer string
		err    = ErrMissingCredential
	)
	if completer := s.getCompleter(); completer != nil {
		answer, err = completer.Complete(ctx, payload)
	}
	if err == nil {
		err = r.cfg.Moderation.Check(answer)
	}
	if err == nil {
		s.cache.Set(ctx, key, answer)
		return answer, SourceCompletion, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", "", ctxErr
	}

	text, category := r.cfg.Fallback.ReplyWithCategory(msg.Text)
	observability.RecordFallback(string(category))
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Warn().
		Err(err).
		Str("category", string(category)).
		Msg("Completion failed, using fallback reply")
	return text, SourceFallback, nil
}

// deliver sends text and records the outbound turn. Failures count as
// errors and are not retried.
func (r *Registry) deliver(ctx context.Context, s *Session, contactID, text string) error {
	if err := s.transport.SendText(ctx, s.id, contactID, text); err != nil {
		s.errors.Add(1)
		observability.RecordMessageError(s.transportName)
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Error().Err(err).Msg("Failed to deliver reply")
		r.notify(Notification{Kind: NotifyDeliveryFailed, SessionID: s.id, ContactID: contactID, Error: err.Error()})
		return &DeliveryError{SessionID: s.id, ContactID: contactID, Err: err}
	}

	now := r.now()
	s.sent.Add(1)
	observability.RecordMessageSent(s.transportName)
	s.history.Append(contactID, history.Entry{
		Direction: history.DirectionOut,
		Text:      text,
		Timestamp: now,
	})
	s.touch(now)
	return nil
}

// Send delivers text to a contact outside the reply pipeline, in order with
// that contact's pending replies.
func (r *Registry) Send(ctx context.Context, id, contactID, text string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if state := s.State(); state != StateReady {
		return fmt.Errorf("%w: session %s is %s", ErrNotReady, id, state)
	}

	_, err = s.lanes.Enqueue(ctx, contactID, func(tctx context.Context) (interface{}, error) {
		if state := s.State(); state != StateReady {
			return nil, fmt.Errorf("%w: session %s is %s", ErrNotReady, id, state)
		}
		return nil, r.deliver(tracing.ForMessage(tctx, id, contactID), s, contactID, text)
	}, nil)
	if errors.Is(err, commandqueue.ErrAborted) || errors.Is(err, commandqueue.ErrQueueClosed) {
		return fmt.Errorf("%w: session %s was torn down", ErrNotReady, id)
	}
	return err
}
