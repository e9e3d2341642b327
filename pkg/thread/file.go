package thread

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// FileStore writes one JSON snapshot per thread. Saves go to a temporary file
// that is synced and renamed over the previous snapshot.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store rooted
// there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".tollgate", "threads")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create threads directory: %w", err)
	}

	log.Debug().Str("dir", dir).Msg("File thread store initialized")
	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory holding the snapshots
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) writeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

func (s *FileStore) Save(ctx context.Context, t *Thread) error {
	return observe(ctx, BackendFile, "save", idOf(t), func(context.Context) error {
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

		lock := s.writeLock(t.ID)
		lock.Lock()
		defer lock.Unlock()

		return writeAtomic(s.dir, s.path(t.ID), data)
	})
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*Thread, error) {
	var loaded *Thread
	err := observe(ctx, BackendFile, "load", id, func(context.Context) error {
		if err := ValidateID(id); err != nil {
			return err
		}
		data, err := os.ReadFile(s.path(id))
		if os.IsNotExist(err) {
			return ErrThreadNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
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

func (s *FileStore) Delete(ctx context.Context, id string) error {
	return observe(ctx, BackendFile, "delete", id, func(context.Context) error {
		if err := ValidateID(id); err != nil {
			return err
		}

		lock := s.writeLock(id)
		lock.Lock()
		defer lock.Unlock()

		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
		return nil
	})
}

// List decodes every snapshot in the directory. Unreadable snapshots are
// logged and skipped.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := observe(ctx, BackendFile, "list", "", func(context.Context) error {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return fmt.Errorf("failed to read threads directory: %w", err)
		}

		out = make([]Summary, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.dir, name))
			if err != nil {
				continue
			}
			t, err := Decode(data)
			if err != nil {
				log.Warn().Err(err).Str("file", name).Msg("Skipping unreadable thread snapshot")
				continue
			}
			out = append(out, t.Summary())
		}
		sortSummaries(out)
		return nil
	})
	return out, err
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
