// Package tracing carries request identifiers through contexts and wraps the
// OpenTelemetry tracer provider.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

type fieldsKey struct{}

// Fields are the identifiers a context carries for one unit of work.
type Fields struct {
	TraceID   string
	RunID     string
	ThreadID  string
	RequestID string
}

// FromContext returns the identifiers stored on ctx. Missing ones are empty.
func FromContext(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

// NewContext stores f on ctx, replacing whatever identifiers were there.
func NewContext(ctx context.Context, f Fields) context.Context {
	return context.WithValue(ctx, fieldsKey{}, f)
}

func update(ctx context.Context, set func(*Fields)) context.Context {
	f := FromContext(ctx)
	set(&f)
	return NewContext(ctx, f)
}

// NewTraceID returns a random trace ID.
func NewTraceID() string { return uuid.NewString() }

// NewRunID returns a random run ID.
func NewRunID() string { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.TraceID = id })
}

func WithRunID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.RunID = id })
}

func WithThreadID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.ThreadID = id })
}

// WithRequestID tags ctx with the gateway request being served.
func WithRequestID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.RequestID = id })
}

func GetTraceID(ctx context.Context) string   { return FromContext(ctx).TraceID }
func GetRunID(ctx context.Context) string     { return FromContext(ctx).RunID }
func GetThreadID(ctx context.Context) string  { return FromContext(ctx).ThreadID }
func GetRequestID(ctx context.Context) string { return FromContext(ctx).RequestID }

// NewRequestContext starts a fresh trace on ctx.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext tags ctx with a thread and a fresh run ID. An existing trace
// ID is kept.
func NewRunContext(ctx context.Context, threadID string) context.Context {
	return update(ctx, func(f *Fields) {
		if f.TraceID == "" {
			f.TraceID = NewTraceID()
		}
		f.RunID = NewRunID()
		f.ThreadID = threadID
	})
}

// CloneContext copies the identifiers onto a background context, detaching
// them from ctx's deadline and cancellation.
func CloneContext(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
