package gateway

import "time"

// Stream names the family an event belongs to.
type Stream string

const (
	StreamApproval  Stream = "approval"
	StreamThread    Stream = "thread"
	StreamLifecycle Stream = "lifecycle"
)

// EventMessage is a frame the server pushes on its own. Type, Seq and
// Timestamp are stamped at publish time.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Stream    Stream      `json:"stream,omitempty"`
	Phase     string      `json:"phase,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	ThreadID  string      `json:"thread_id,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Handshake frames. The server opens with an AuthChallenge, the client
// answers with an AuthResponse and gets an AuthResult back.
type (
	AuthChallenge struct {
		Event     string `json:"event"`
		Challenge string `json:"challenge"`
	}
	AuthResponse struct {
		Method    string `json:"method"`
		Signature string `json:"signature"`
	}
	AuthResult struct {
		Event   string `json:"event"`
		Success bool   `json:"success,omitempty"`
		Message string `json:"message,omitempty"`
	}
)

// ClientInfo is one entry of the clients list in gateway.status.
type ClientInfo struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	Authenticated bool      `json:"authenticated"`
	Idle          bool      `json:"idle"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeen      time.Time `json:"last_seen"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
}
