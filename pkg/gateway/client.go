package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type connState int

const (
	connAwaitingAuth connState = iota
	connReady
	connClosed
)

// Client is one websocket connection. A client that has not subscribed to
// any thread receives events for every thread.
type Client struct {
	ID          string
	ConnectedAt time.Time
	RemoteAddr  string

	conn    *websocket.Conn
	limiter *ClientRateLimiter

	mu        sync.Mutex
	state     connState
	challenge string
	failures  int
	lastSeen  time.Time
	threads   map[string]struct{}

	// gorilla/websocket allows one writer at a time.
	writeMu sync.Mutex
}

func newClient(id string, conn *websocket.Conn, remoteAddr string, now time.Time) *Client {
	return &Client{
		ID:          id,
		ConnectedAt: now,
		RemoteAddr:  remoteAddr,
		conn:        conn,
		limiter:     NewClientRateLimiter(),
		lastSeen:    now,
		threads:     make(map[string]struct{}),
	}
}

// Authenticated reports whether the client answered its challenge.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == connReady
}

func (c *Client) issueChallenge(challenge string) {
	c.mu.Lock()
	c.challenge = challenge
	c.mu.Unlock()
}

// blocked reports whether the client used up its authentication attempts.
func (c *Client) blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures >= maxAuthAttempts
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// Subscribe limits thread events to the given threads and returns the
// resulting subscription set.
func (c *Client) Subscribe(threadIDs ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range threadIDs {
		c.threads[id] = struct{}{}
	}
	return c.subscriptionsLocked()
}

// Unsubscribe drops threads from the subscription set. Dropping the last one
// returns the client to receiving every thread.
func (c *Client) Unsubscribe(threadIDs ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range threadIDs {
		delete(c.threads, id)
	}
	return c.subscriptionsLocked()
}

// Subscriptions returns the subscribed thread IDs, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Client) subscriptionsLocked() []string {
	ids := make([]string, 0, len(c.threads))
	for id := range c.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// wants reports whether an event about threadID should reach the client.
// Events not tied to a thread reach every client.
func (c *Client) wants(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if threadID == "" || len(c.threads) == 0 {
		return true
	}
	_, ok := c.threads[threadID]
	return ok
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:            c.ID,
		Authenticated: c.state == connReady,
		ConnectedAt:   c.ConnectedAt,
		LastSeen:      c.lastSeen,
		RemoteAddr:    c.RemoteAddr,
		Idle:          now.Sub(c.lastSeen) > idleAfter,
		Subscriptions: c.subscriptionsLocked(),
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) close() error {
	c.mu.Lock()
	c.state = connClosed
	c.mu.Unlock()
	return c.conn.Close()
}
