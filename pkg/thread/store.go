package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tollgate/internal/observability"
	"github.com/harun/tollgate/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store persists thread snapshots keyed by thread ID.
type Store interface {
	// Save replaces the snapshot stored under t.ID.
	Save(ctx context.Context, t *Thread) error
	// Load returns the last saved snapshot or ErrThreadNotFound.
	Load(ctx context.Context, id string) (*Thread, error)
	// Delete removes a snapshot. Deleting an unknown thread is not an error.
	Delete(ctx context.Context, id string) error
	// List returns summaries of every stored thread, most recently updated
	// first.
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open constructs the store for a backend name. path is a directory for the
// file backend and a database file for sqlite.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown thread store backend %q", backend)
	}
}

// ValidateID rejects identifiers that are unsafe as file names or keys.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidThreadID)
	}
	if len(id) > 200 {
		return fmt.Errorf("%w: longer than 200 bytes", ErrInvalidThreadID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidThreadID)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidThreadID)
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidThreadID)
	}
	return nil
}

// observe wraps one store operation in a span and records its latency.
func observe(ctx context.Context, backend, op, id string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"tollgate.thread",
		"thread.store."+op,
		attribute.String("store.backend", backend),
		attribute.String("thread_id", id),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	observability.RecordStoreOp(backend, op, time.Since(start), err)

	if err != nil && !errors.Is(err, ErrThreadNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
