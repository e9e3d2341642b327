package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tollgate/internal/observability"
	"github.com/harun/tollgate/internal/tracing"
	"github.com/harun/tollgate/pkg/agent"
	"github.com/harun/tollgate/pkg/thread"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// SecretHeader carries the shared secret on /rpc requests.
const SecretHeader = "X-Tollgate-Secret"

const (
	defaultTickInterval = 30 * time.Second
	drainTimeout        = 30 * time.Second
	maxRequestBody      = 1 << 20
)

// Runtime is the thread API the gateway exposes. *agent.Runner satisfies it.
type Runtime interface {
	Send(ctx context.Context, threadID, message string) (*agent.Result, error)
	Decide(ctx context.Context, threadID string, decision thread.Decision) (*agent.Result, error)
	Resume(ctx context.Context, threadID string) (*agent.Result, error)
	Get(ctx context.Context, threadID string) (*thread.Thread, error)
	List(ctx context.Context) ([]thread.Summary, error)
	Delete(ctx context.Context, threadID string) error
	Abort(threadID string) error
	ActiveRuns() int
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int // 0 picks a free port
	SharedSecret string
	TickInterval time.Duration // 0 means the default, negative disables ticks
	Runtime      Runtime
	Logger       zerolog.Logger
}

// Server serves the thread API over HTTP and websocket JSON-RPC and pushes
// approval and thread events to websocket clients.
type Server struct {
	cfg      Config
	hub      *hub
	router   *RPCRouter
	auth     *Authenticator
	runtime  Runtime
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	addr       net.Addr

	mu       sync.RWMutex
	draining bool
	inFlight sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
	ticks      sync.WaitGroup
	stopTicks  context.CancelFunc
}

// NewServer validates cfg and registers the built-in methods.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Port < 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	case cfg.SharedSecret == "":
		return nil, fmt.Errorf("shared secret is required")
	case cfg.Runtime == nil:
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaultTickInterval
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		hub:        newHub(cfg.Logger),
		router:     NewRPCRouter(),
		auth:       NewAuthenticator(cfg.SharedSecret),
		runtime:    cfg.Runtime,
		logger:     cfg.Logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWebSocket)
	mux.HandleFunc("/rpc", s.serveRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.addr = listener.Addr()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr.String()).Msg("Gateway listening")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTicks()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop refuses new requests, waits for in-flight ones, then closes every
// client and the listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.logger.Info().Msg("Gateway shutting down")
	if s.stopTicks != nil {
		s.stopTicks()
	}
	s.ticks.Wait()

	s.hub.publish(EventMessage{
		Event:  "server.shutdown",
		Stream: StreamLifecycle,
		Phase:  "shutdown",
		Data:   map[string]interface{}{"message": "Server is shutting down"},
	})

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn().Msg("In-flight requests still running at shutdown")
	}
	s.baseCancel()

	for _, c := range s.hub.all() {
		_ = c.close()
	}

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) startTicks() {
	if s.cfg.TickInterval < 0 {
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.stopTicks = cancel
	s.ticks.Add(1)

	go func() {
		defer s.ticks.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.hub.publish(EventMessage{
					Event:  "tick",
					Stream: StreamLifecycle,
					Phase:  "tick",
					Data:   map[string]interface{}{"active_runs": s.runtime.ActiveRuns()},
				})
			}
		}
	}()
}

func (s *Server) isDraining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

// serveWebSocket upgrades the connection, sends the auth challenge and reads
// frames until the client goes away.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	id, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}

	client := newClient(id, conn, r.RemoteAddr, time.Now())
	logger := s.logger.With().Str("client_id", id).Logger()

	challenge, err := s.auth.Challenge()
	if err == nil {
		client.issueChallenge(challenge)
		err = client.writeJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to send auth challenge")
		_ = conn.Close()
		return
	}

	s.hub.add(client)
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Client connected")
	go s.readLoop(client, logger)
}

func (s *Server) readLoop(client *Client, logger zerolog.Logger) {
	defer func() {
		_ = client.close()
		s.hub.remove(client.ID)
		logger.Info().Msg("Client disconnected")
	}()

	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("Websocket closed")
			}
			return
		}
		client.touch(time.Now())
		s.handleFrame(client, logger, frame)
	}
}

func (s *Server) handleFrame(client *Client, logger zerolog.Logger, frame []byte) {
	var auth AuthResponse
	if err := json.Unmarshal(frame, &auth); err == nil && auth.Method == "auth.response" {
		s.authenticate(client, logger, auth.Signature)
		return
	}

	if !client.Authenticated() {
		s.writeError(client, logger, "", &RPCError{Code: AuthenticationRequired, Message: "Authentication required"})
		return
	}

	req, err := s.router.ParseRequest(frame)
	if err != nil {
		s.writeError(client, logger, "", rpcErrorFor(err))
		return
	}

	if err := client.limiter.Acquire(); err != nil {
		code := RateLimitExceeded
		if errors.Is(err, ErrTooManyConcurrent) {
			code = TooManyConcurrent
		}
		s.writeError(client, logger, req.ID, &RPCError{Code: code, Message: err.Error()})
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer client.limiter.Release()

		ctx := tracing.NewRequestContext(s.baseCtx)
		ctx = tracing.WithRequestID(ctx, req.ID)
		ctx = withClient(ctx, client)

		if err := client.writeJSON(s.router.RouteRequest(ctx, req)); err != nil {
			logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to send response")
		}
	}()
}

func (s *Server) authenticate(client *Client, logger zerolog.Logger, signature string) {
	result := s.auth.Authenticate(client, signature)
	if err := client.writeJSON(result); err != nil {
		logger.Warn().Err(err).Msg("Failed to send auth result")
		return
	}

	if result.Success {
		observability.RecordSecurityAudit(s.baseCtx, "gateway.auth", client.ID, "success", nil)
		logger.Info().Msg("Client authenticated")
		return
	}

	observability.RecordSecurityAudit(s.baseCtx, "gateway.auth", client.ID, "failure", map[string]interface{}{
		"reason":      result.Message,
		"remote_addr": client.RemoteAddr,
	})
	logger.Warn().Str("reason", result.Message).Msg("Authentication failed")
	if client.blocked() {
		_ = client.close()
	}
}

func (s *Server) writeError(client *Client, logger zerolog.Logger, requestID string, rpcErr *RPCError) {
	if err := client.writeJSON(errorResponse(requestID, rpcErr)); err != nil {
		logger.Warn().Err(err).Msg("Failed to send error response")
	}
}

// serveRPC handles one JSON-RPC request per HTTP POST, authenticated by the
// shared secret header.
func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.isDraining() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.VerifySecret(r.Header.Get(SecretHeader)) {
		observability.RecordSecurityAudit(r.Context(), "gateway.rpc", r.RemoteAddr, "denied", nil)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", rpcErrorFor(err)))
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("method", req.Method).Msg("HTTP RPC request")

	s.inFlight.Add(1)
	resp := s.router.RouteRequest(ctx, req)
	s.inFlight.Done()

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode RPC response")
	}
}

// Publish sends msg to every authenticated client subscribed to its thread
// and returns how many were reached.
func (s *Server) Publish(msg EventMessage) int {
	return s.hub.publish(msg)
}

// RegisterMethod installs an extra RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Clients describes the connected websocket clients.
func (s *Server) Clients() []ClientInfo {
	return s.hub.infos()
}
