package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/tollgate/pkg/agent"
	"github.com/harun/tollgate/pkg/thread"
)

// RPCRouter dispatches JSON-RPC requests to registered handlers.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replay  *replayCache
}

// NewRPCRouter creates an empty router.
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replay:  newReplayCache(DefaultIdempotencyTTL),
	}
}

// RegisterMethod installs handler under name, replacing any previous one.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes name.
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// HasMethod reports whether name is registered.
func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.handler(name)
	return ok
}

// GetMethods returns the registered method names, sorted.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *RPCRouter) handler(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// ParseRequest decodes data and checks the fields every request needs.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req. Responses to requests with an
// idempotency key are replayed for repeats of the key; transient provider
// failures are not remembered so a retry reaches the model again.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replayKey(req.Method, req.IdempotencyKey)
	if key != "" {
		if resp, ok := r.replay.lookup(key, req.ID); ok {
			return resp
		}
	}

	handler, ok := r.handler(req.Method)
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	var resp *RPCResponse
	if result, err := handler(ctx, params); err != nil {
		resp = errorResponse(req.ID, rpcErrorFor(err))
	} else {
		resp = &RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
	}

	if key != "" && (resp.Error == nil || resp.Error.Code != TransientProvider) {
		r.replay.store(key, *resp)
	}
	return resp
}

func errorResponse(id string, err *RPCError) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", ID: id, Error: err}
}

// rpcErrorFor maps runtime errors onto JSON-RPC error codes.
func rpcErrorFor(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := InternalError
	switch {
	case errors.Is(err, thread.ErrInvalidThreadID),
		errors.Is(err, thread.ErrInvalidDecisionOutcome):
		code = InvalidParams
	case errors.Is(err, thread.ErrThreadNotFound):
		code = ThreadNotFound
	case errors.Is(err, thread.ErrUnknownCallID):
		code = UnknownCallID
	case errors.Is(err, agent.ErrThreadSuspended):
		code = ThreadSuspended
	case agent.IsTransient(err):
		code = TransientProvider
	}
	return &RPCError{Code: code, Message: err.Error()}
}
