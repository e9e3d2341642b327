package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tollgate/internal/observability"
	"github.com/rs/zerolog"
)

// idleAfter marks clients without traffic as idle in ClientInfo.
const idleAfter = 5 * time.Minute

// hub tracks connected clients and delivers events to the ones that want
// them.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	seq     atomic.Int64
	now     func() time.Time
	logger  zerolog.Logger
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		clients: make(map[string]*Client),
		now:     time.Now,
		logger:  logger,
	}
}

func (h *hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetGatewayConnections(n)
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetGatewayConnections(n)
}

func (h *hub) get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// all returns the connected clients ordered by connection time.
func (h *hub) all() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}

func (h *hub) counts() (connected, authenticated int) {
	for _, c := range h.all() {
		connected++
		if c.Authenticated() {
			authenticated++
		}
	}
	return connected, authenticated
}

func (h *hub) infos() []ClientInfo {
	now := h.now()
	clients := h.all()
	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.info(now))
	}
	return infos
}

// publish stamps msg with the next sequence number and writes it to every
// authenticated client subscribed to its thread. It returns the number of
// clients reached.
func (h *hub) publish(msg EventMessage) int {
	msg.Type = "event"
	msg.Seq = h.seq.Add(1)
	if msg.Timestamp == 0 {
		msg.Timestamp = h.now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", msg.Event).Msg("Failed to encode event")
		return 0
	}

	reached := 0
	for _, c := range h.all() {
		if !c.Authenticated() || !c.wants(msg.ThreadID) {
			continue
		}
		if err := c.writeFrame(data); err != nil {
			h.logger.Warn().Err(err).
				Str("client_id", c.ID).
				Str("event", msg.Event).
				Msg("Failed to deliver event")
			continue
		}
		reached++
	}

	h.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Str("thread_id", msg.ThreadID).
		Int64("seq", msg.Seq).
		Int("reached", reached).
		Msg("Event published")
	return reached
}
