package gateway

import "context"

// RPCRequest is a JSON-RPC 2.0 call. Sending the same IdempotencyKey again
// for the same method replays the first answer instead of re-running it.
type RPCRequest struct {
	JSONRPC        string                 `json:"jsonrpc"`
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is both the wire error object and a Go error, so a handler may
// return one to pick its own code.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Standard JSON-RPC codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Runtime codes.
const (
	AuthenticationRequired = -32001
	ThreadNotFound         = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	UnknownCallID          = -32010
	ThreadSuspended        = -32011
	TransientProvider      = -32020
)

// RequestHandler serves one method. Params are the decoded request params,
// never nil.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)
