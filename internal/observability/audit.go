package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/sandesh/internal/tracing"
)

// Audit categories.
const (
	AuditSession  = "session"
	AuditSecurity = "security"
	AuditConfig   = "config"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Category  string                 `json:"type"`
	Subject   string                 `json:"actor,omitempty"` // session id or remote address
	Action    string                 `json:"action"`
	Outcome   string                 `json:"status"`
	Details   map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	At        time.Time              `json:"time"`
}

// AuditLogger writes audit events as JSON lines, separate from the
// operational log.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = newAuditLogger(os.Stderr, nil)
)

func newAuditLogger(w io.Writer, closer io.Closer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Str("stream", "audit").Logger(),
		closer: closer,
	}
}

// GetAuditLogger returns the process audit logger. It writes to stderr until
// InitAuditLogger succeeds.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger sends audit events to the file at path.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	auditMu.Lock()
	auditInst = newAuditLogger(file, file)
	auditMu.Unlock()
	return nil
}

// Record writes event and mirrors it onto the active span, if any.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Category),
			attribute.String("audit.status", event.Outcome),
			attribute.String("audit.actor", event.Subject),
		))
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = tracing.GetRequestID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	line := a.logger.Log().
		Time("time", event.At).
		Str("type", event.Category).
		Str("actor", event.Subject).
		Str("action", event.Action).
		Str("status", event.Outcome)
	if event.TraceID != "" {
		line = line.Str("trace_id", event.TraceID)
	}
	if event.RequestID != "" {
		line = line.Str("request_id", event.RequestID)
	}
	if len(event.Details) > 0 {
		line = line.Fields(map[string]interface{}{"metadata": event.Details})
	}
	line.Send()
}

// Close closes the audit file. Later events are dropped.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.logger = zerolog.Nop()
	return err
}

// RecordSessionAudit records a session lifecycle step.
func RecordSessionAudit(ctx context.Context, action, sessionID, status string, details map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Category: AuditSession, Subject: sessionID, Action: action, Outcome: status, Details: details})
}

// RecordSecurityAudit records an authentication or pairing decision.
func RecordSecurityAudit(ctx context.Context, action, actor, status string, details map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Category: AuditSecurity, Subject: actor, Action: action, Outcome: status, Details: details})
}

// RecordConfigAudit records a configuration change applied at runtime.
func RecordConfigAudit(ctx context.Context, action, source string, details map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Category: AuditConfig, Subject: source, Action: action, Outcome: "success", Details: details})
}
