package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	sessionKey
	contactKey
	requestKey
)

// logFields maps context keys to the log field they are emitted under, in
// emission order.
var logFields = []struct {
	key   ctxKey
	field string
}{
	{traceKey, "trace_id"},
	{requestKey, "request_id"},
	{sessionKey, "session_id"},
	{contactKey, "contact_id"},
}

// NewTraceID returns a random correlation id.
func NewTraceID() string {
	return uuid.NewString()
}

func with(ctx context.Context, k ctxKey, v string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

func get(ctx context.Context, k ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(k).(string)
	return v
}

// WithTraceID tags ctx with a trace id. Empty ids leave ctx unchanged.
func WithTraceID(ctx context.Context, id string) context.Context { return with(ctx, traceKey, id) }

// WithSessionID tags ctx with a bridge session id.
func WithSessionID(ctx context.Context, id string) context.Context { return with(ctx, sessionKey, id) }

// WithContactID tags ctx with the remote contact.
func WithContactID(ctx context.Context, id string) context.Context { return with(ctx, contactKey, id) }

// WithRequestID tags ctx with a gateway request id.
func WithRequestID(ctx context.Context, id string) context.Context { return with(ctx, requestKey, id) }

func GetTraceID(ctx context.Context) string { return get(ctx, traceKey) }
func GetSessionID(ctx context.Context) string { return get(ctx, sessionKey) }
func GetContactID(ctx context.Context) string { return get(ctx, contactKey) }
func GetRequestID(ctx context.Context) string { return get(ctx, requestKey) }

// ForMessage scopes ctx to one inbound message. An existing trace id is kept
// so gateway-originated messages stay correlated with their request.
func ForMessage(ctx context.Context, sessionID, contactID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithContactID(WithSessionID(ctx, sessionID), contactID)
}

// LoggerFromContext returns base enriched with every correlation id on ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	for _, f := range logFields {
		if v := get(ctx, f.key); v != "" {
			lc = lc.Str(f.field, v)
		}
	}
	return lc.Logger()
}
