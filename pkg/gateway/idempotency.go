package gateway

import (
	"sync"
	"time"
)

// DefaultIdempotencyTTL is how long a response is replayed for a repeated
// idempotency key.
const DefaultIdempotencyTTL = 5 * time.Minute

// replayCache remembers responses by method and idempotency key.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]replayEntry
}

type replayEntry struct {
	response RPCResponse
	expires  time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]replayEntry),
	}
}

func replayKey(method, key string) string {
	if key == "" {
		return ""
	}
	return method + "\x00" + key
}

// lookup returns a copy of the cached response for key, answering requestID.
func (c *replayCache) lookup(key, requestID string) (*RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}

	resp := entry.response
	resp.ID = requestID
	if resp.Error != nil {
		e := *resp.Error
		resp.Error = &e
	}
	return &resp, true
}

// store caches resp and evicts expired entries.
func (c *replayCache) store(key string, resp RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
	if resp.Error != nil {
		e := *resp.Error
		resp.Error = &e
	}
	c.entries[key] = replayEntry{response: resp, expires: now.Add(c.ttl)}
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
