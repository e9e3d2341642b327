package thread

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps encoded snapshots in a map. Encoding on every Save keeps
// callers from sharing state with the store and gives the same round-trip
// behavior as the durable backends.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	summaries map[string]Summary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		summaries: make(map[string]Summary),
	}
}

func (s *MemoryStore) Save(ctx context.Context, t *Thread) error {
	return observe(ctx, BackendMemory, "save", idOf(t), func(context.Context) error {
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

		s.mu.Lock()
		s.snapshots[t.ID] = data
		s.summaries[t.ID] = t.Summary()
		s.mu.Unlock()
		return nil
	})
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Thread, error) {
	var loaded *Thread
	err := observe(ctx, BackendMemory, "load", id, func(context.Context) error {
		s.mu.RLock()
		data, ok := s.snapshots[id]
		s.mu.RUnlock()
		if !ok {
			return ErrThreadNotFound
		}

		t, err := Decode(data)
		if err != nil {
			return err
		}
		loaded = t
		return nil
	})
	return loaded, err
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	return observe(ctx, BackendMemory, "delete", id, func(context.Context) error {
		s.mu.Lock()
		delete(s.snapshots, id)
		delete(s.summaries, id)
		s.mu.Unlock()
		return nil
	})
}

func (s *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := observe(ctx, BackendMemory, "list", "", func(context.Context) error {
		s.mu.RLock()
		out = make([]Summary, 0, len(s.summaries))
		for _, sum := range s.summaries {
			out = append(out, sum)
		}
		s.mu.RUnlock()
		sortSummaries(out)
		return nil
	})
	return out, err
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortSummaries(list []Summary) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

func idOf(t *Thread) string {
	if t == nil {
		return ""
	}
	return t.ID
}
