package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one entry in the audit trail.
type AuditEvent struct {
	Type      string
	Timestamp time.Time
	// Actor is the thread ID or gateway client ID responsible.
	Actor    string
	Action   string
	Status   string
	Metadata map[string]interface{}
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var auditSink atomic.Pointer[AuditLogger]

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	a := &AuditLogger{logger: zerolog.New(w)}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

// InitAuditLogger sends every later audit event to an append-only file at
// path. A previously opened file is closed.
func InitAuditLogger(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if prev := auditSink.Swap(NewAuditLogger(f)); prev != nil {
		_ = prev.Close()
	}
	return nil
}

// currentAudit returns the installed audit logger. Without one, events go to
// the process logger tagged component=audit.
func currentAudit() *AuditLogger {
	if a := auditSink.Load(); a != nil {
		return a
	}
	return &AuditLogger{logger: log.Logger.With().Str("component", "audit").Logger()}
}

// Record writes event and mirrors it onto the active span, if there is one.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Type, trace.WithAttributes(
			attribute.String("audit.action", event.Action),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		e = e.Str("actor", event.Actor)
	}
	if traceID != "" {
		e = e.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		e = e.Interface("metadata", event.Metadata)
	}
	e.Send()
}

// Close releases the underlying file, if the logger owns one.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// RecordToolAudit records one tool execution on behalf of a thread.
func RecordToolAudit(ctx context.Context, tool, threadID, status string, metadata map[string]interface{}) {
	currentAudit().Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    threadID,
		Action:   "execute:" + tool,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordApprovalAudit records a human decision on a gated tool call.
func RecordApprovalAudit(ctx context.Context, threadID, callID, tool, outcome, rationale string) {
	md := map[string]interface{}{"call_id": callID, "tool": tool}
	if rationale != "" {
		md["rationale"] = rationale
	}
	currentAudit().Record(ctx, AuditEvent{
		Type:     "approval",
		Actor:    threadID,
		Action:   "decide:" + tool,
		Status:   outcome,
		Metadata: md,
	})
}

// RecordSecurityAudit records gateway authentication outcomes.
func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	currentAudit().Record(ctx, AuditEvent{
		Type:     "security",
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}
