package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		turns INTEGER NOT NULL,
		pending INTEGER NOT NULL,
		snapshot BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);
`

// SQLiteStore keeps snapshots in a single SQLite table. Each Save is one
// upsert statement, so a snapshot is replaced as a whole.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, t *Thread) error {
	return observe(ctx, BackendSQLite, "save", idOf(t), func(ctx context.Context) error {
		if t == nil {
			return errNilThread
		}
		if err := ValidateID(t.ID); err != nil {
			return err
		}
		data, err := Encode(t)
		if err != nil {
			return err
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO threads (id, state, turns, pending, snapshot, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				turns = excluded.turns,
				pending = excluded.pending,
				snapshot = excluded.snapshot,
				updated_at = excluded.updated_at
		`, t.ID, string(t.State), len(t.Turns), len(t.Pending), data, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to save thread %s: %w", t.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*Thread, error) {
	var loaded *Thread
	err := observe(ctx, BackendSQLite, "load", id, func(ctx context.Context) error {
		var data []byte
		err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM threads WHERE id = ?", id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrThreadNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load thread %s: %w", id, err)
		}
		t, err := Decode(data)
		if err != nil {
			return fmt.Errorf("thread %s: %w", id, err)
		}
		loaded = t
		return nil
	})
	return loaded, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return observe(ctx, BackendSQLite, "delete", id, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete thread %s: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := observe(ctx, BackendSQLite, "list", "", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, state, turns, pending, updated_at
			FROM threads
			ORDER BY updated_at DESC, id ASC
		`)
		if err != nil {
			return fmt.Errorf("failed to list threads: %w", err)
		}
		defer rows.Close()

		out = []Summary{}
		for rows.Next() {
			var (
				sum       Summary
				state     string
				updatedAt int64
			)
			if err := rows.Scan(&sum.ID, &state, &sum.Turns, &sum.Pending, &updatedAt); err != nil {
				return fmt.Errorf("failed to scan thread row: %w", err)
			}
			sum.State = State(state)
			sum.UpdatedAt = time.Unix(0, updatedAt).UTC()
			out = append(out, sum)
		}
		return rows.Err()
	})
	return out, err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
