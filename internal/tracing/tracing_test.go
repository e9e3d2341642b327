package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithThreadID(ctx, "thread-1")
	ctx = WithRequestID(ctx, "req-1")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "run-1", tc.RunID)
	assert.Equal(t, "thread-1", tc.ThreadID)
	assert.Equal(t, "req-1", tc.RequestID)
}

func TestGettersOnEmptyContext(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetThreadID(context.TODO()))
}

func TestNewRunContext(t *testing.T) {
	t.Run("keeps existing trace id", func(t *testing.T) {
		ctx := NewRunContext(WithTraceID(context.Background(), "trace-keep"), "t1")
		assert.Equal(t, "trace-keep", GetTraceID(ctx))
		assert.Equal(t, "t1", GetThreadID(ctx))
		assert.NotEmpty(t, GetRunID(ctx))
	})

	t.Run("generates trace id", func(t *testing.T) {
		ctx := NewRunContext(context.Background(), "t2")
		assert.NotEmpty(t, GetTraceID(ctx))
	})

	t.Run("fresh run id per call", func(t *testing.T) {
		a := NewRunContext(context.Background(), "t3")
		b := NewRunContext(context.Background(), "t3")
		assert.NotEqual(t, GetRunID(a), GetRunID(b))
	})
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithThreadID(WithTraceID(context.Background(), "trace-9"), "thread-9")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-9", entry["trace_id"])
	assert.Equal(t, "thread-9", entry["thread_id"])
	assert.NotContains(t, entry, "run_id")
}

func TestCloneContextDetachesCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(WithThreadID(context.Background(), "t"))
	cancel()

	cloned := CloneContext(parent)
	assert.NoError(t, cloned.Err())
	assert.Equal(t, "t", GetThreadID(cloned))
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("tollgate-test"))

	ctx, span := StartSpan(context.Background(), "tollgate.test", "op")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
}
