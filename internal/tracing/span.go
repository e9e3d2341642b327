package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var global struct {
	once sync.Once
	mu   sync.Mutex
	tp   *sdktrace.TracerProvider
	err  error
}

// InitOpenTelemetry installs a tracer provider that samples every trace.
func InitOpenTelemetry(service string) error {
	return InitOpenTelemetryWithRatio(service, 1)
}

// InitOpenTelemetryWithRatio installs the process tracer provider with a
// parent-based ratio sampler. Ratios outside (0, 1] mean 1. Only the first
// call has any effect.
func InitOpenTelemetryWithRatio(service string, ratio float64) error {
	global.once.Do(func() {
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceName(service)))
		if err != nil {
			global.err = err
			return
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		)
		global.mu.Lock()
		global.tp = tp
		global.mu.Unlock()
		otel.SetTracerProvider(tp)
	})
	return global.err
}

// ShutdownOpenTelemetry flushes the installed provider, if any.
func ShutdownOpenTelemetry(ctx context.Context) error {
	global.mu.Lock()
	tp := global.tp
	global.mu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span on the named tracer. When ctx has no trace ID yet
// the span's own trace ID is recorded so logs and spans line up.
func StartSpan(ctx context.Context, tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracer).Start(ctx, name, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}
