package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base with every non-empty identifier on ctx
// attached as a field.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	f := FromContext(ctx)
	if f == (Fields{}) {
		return base
	}

	lc := base.With()
	for _, kv := range [...]struct{ key, val string }{
		{"trace_id", f.TraceID},
		{"run_id", f.RunID},
		{"thread_id", f.ThreadID},
		{"request_id", f.RequestID},
	} {
		if kv.val != "" {
			lc = lc.Str(kv.key, kv.val)
		}
	}
	return lc.Logger()
}
