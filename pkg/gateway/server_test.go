package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tollgate/pkg/agent"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// fakeRuntime keeps threads in memory. Sending "email" suspends the thread on
// a send_email approval; deciding it completes the thread.
type fakeRuntime struct {
	mu      sync.Mutex
	threads map[string]*thread.Thread
	decided []thread.Decision
	sendErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{threads: make(map[string]*thread.Thread)}
}

func (f *fakeRuntime) Send(ctx context.Context, threadID, message string) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return nil, f.sendErr
	}
	t, ok := f.threads[threadID]
	if !ok {
		t = thread.New(threadID, time.Now().UTC())
		f.threads[threadID] = t
	}
	if len(t.Pending) > 0 {
		return nil, agent.ErrThreadSuspended
	}
	t.Append(thread.Turn{Role: thread.RoleUser, Content: message})

	if message == "email" {
		call := thread.ToolCall{ID: "call_1", Name: "send_email", RequiresApproval: true,
			Arguments: map[string]interface{}{"to": "bob@example.com"}}
		t.Pending = []thread.PendingApproval{{CallID: call.ID, Call: call, ThreadID: threadID, CreatedAt: time.Now().UTC()}}
		t.State = thread.StateAwaitingApprovals
		return &agent.Result{ThreadID: threadID, State: t.State, Pending: t.Pending, Steps: 1}, nil
	}
	t.State = thread.StateCompleted
	return &agent.Result{ThreadID: threadID, State: t.State, Answer: "echo: " + message, Steps: 1}, nil
}

func (f *fakeRuntime) Decide(ctx context.Context, threadID string, decision thread.Decision) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.threads[threadID]
	if !ok {
		return nil, thread.ErrThreadNotFound
	}
	if _, ok := t.FindPending(decision.CallID); !ok {
		return nil, fmt.Errorf("%w: %s", thread.ErrUnknownCallID, decision.CallID)
	}
	f.decided = append(f.decided, decision)
	t.Pending = nil
	t.State = thread.StateCompleted
	return &agent.Result{ThreadID: threadID, State: t.State, Answer: "done", Steps: 1}, nil
}

func (f *fakeRuntime) Resume(ctx context.Context, threadID string) (*agent.Result, error) {
	t, err := f.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &agent.Result{ThreadID: threadID, State: t.State, Pending: t.Pending}, nil
}

func (f *fakeRuntime) Get(ctx context.Context, threadID string) (*thread.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", thread.ErrThreadNotFound, threadID)
	}
	return t, nil
}

func (f *fakeRuntime) List(ctx context.Context) ([]thread.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	summaries := make([]thread.Summary, 0, len(f.threads))
	for _, t := range f.threads {
		summaries = append(summaries, t.Summary())
	}
	return summaries, nil
}

func (f *fakeRuntime) Delete(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, threadID)
	return nil
}

func (f *fakeRuntime) Abort(threadID string) error {
	return fmt.Errorf("no active run for thread: %s", threadID)
}

func (f *fakeRuntime) ActiveRuns() int { return 0 }

func newTestServer(t *testing.T) (*Server, *fakeRuntime, *httptest.Server) {
	t.Helper()

	runtime := newFakeRuntime()
	server, err := NewServer(Config{
		Port:         0,
		SharedSecret: testSecret,
		TickInterval: -1,
		Runtime:      runtime,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return server, runtime, httpServer
}

type rpcReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func callRPC(t *testing.T, baseURL, method string, params map[string]interface{}) rpcReply {
	t.Helper()

	body, err := json.Marshal(RPCRequest{ID: "req-1", Method: method, Params: params, JSONRPC: "2.0"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, baseURL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply rpcReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply
}

func TestNewServerValidation(t *testing.T) {
	runtime := newFakeRuntime()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "port", cfg: Config{Port: 70000, SharedSecret: "s", Runtime: runtime}, want: "invalid port: 70000"},
		{name: "secret", cfg: Config{Port: 8080, Runtime: runtime}, want: "shared secret is required"},
		{name: "runtime", cfg: Config{Port: 8080, SharedSecret: "s"}, want: "runtime is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.cfg)
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestHealthz(t *testing.T) {
	_, _, httpServer := newTestServer(t)

	resp, err := http.Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRPCRequiresSecret(t *testing.T) {
	_, _, httpServer := newTestServer(t)

	body := strings.NewReader(`{"id":"1","method":"gateway.status"}`)
	resp, err := http.Post(httpServer.URL+"/rpc", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(httpServer.URL + "/rpc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRPCThreadLifecycle(t *testing.T) {
	_, runtime, httpServer := newTestServer(t)

	reply := callRPC(t, httpServer.URL, "thread.send", map[string]interface{}{
		"thread_id": "thread-1",
		"message":   "email",
	})
	require.Nil(t, reply.Error)

	var result agent.Result
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, thread.StateAwaitingApprovals, result.State)
	require.Len(t, result.Pending, 1)

	reply = callRPC(t, httpServer.URL, "thread.send", map[string]interface{}{
		"thread_id": "thread-1",
		"message":   "again",
	})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ThreadSuspended, reply.Error.Code)

	reply = callRPC(t, httpServer.URL, "approvals.list", nil)
	require.Nil(t, reply.Error)
	var listed struct {
		Approvals []thread.PendingApproval `json:"approvals"`
		Count     int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &listed))
	assert.Equal(t, 1, listed.Count)
	assert.Equal(t, "call_1", listed.Approvals[0].CallID)

	reply = callRPC(t, httpServer.URL, "thread.decide", map[string]interface{}{
		"thread_id": "thread-1",
		"call_id":   "call_1",
		"outcome":   "Reject",
		"rationale": "not authorized",
	})
	require.Nil(t, reply.Error)
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, thread.StateCompleted, result.State)
	assert.Equal(t, []thread.Decision{{CallID: "call_1", Outcome: thread.OutcomeRejected, Rationale: "not authorized"}}, runtime.decided)

	reply = callRPC(t, httpServer.URL, "thread.decide", map[string]interface{}{
		"thread_id": "thread-1",
		"decisions": []interface{}{map[string]interface{}{"call_id": "call_1", "outcome": "approve"}},
	})
	require.NotNil(t, reply.Error)
	assert.Equal(t, UnknownCallID, reply.Error.Code)

	reply = callRPC(t, httpServer.URL, "thread.get", map[string]interface{}{"thread_id": "thread-1"})
	require.Nil(t, reply.Error)
	var got thread.Thread
	require.NoError(t, json.Unmarshal(reply.Result, &got))
	assert.Equal(t, "thread-1", got.ID)

	reply = callRPC(t, httpServer.URL, "thread.delete", map[string]interface{}{"thread_id": "thread-1"})
	require.Nil(t, reply.Error)

	reply = callRPC(t, httpServer.URL, "thread.get", map[string]interface{}{"thread_id": "thread-1"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ThreadNotFound, reply.Error.Code)
}

func TestRPCDecideBatchIsCheckedBeforeApplying(t *testing.T) {
	cases := []struct {
		name  string
		batch []interface{}
	}{
		{
			name: "unknown call id",
			batch: []interface{}{
				map[string]interface{}{"call_id": "call_1", "outcome": "approve"},
				map[string]interface{}{"call_id": "call_nope", "outcome": "approve"},
			},
		},
		{
			name: "repeated call id",
			batch: []interface{}{
				map[string]interface{}{"call_id": "call_1", "outcome": "approve"},
				map[string]interface{}{"call_id": "call_1", "outcome": "reject"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, runtime, httpServer := newTestServer(t)
			reply := callRPC(t, httpServer.URL, "thread.send", map[string]interface{}{
				"thread_id": "batch-1",
				"message":   "email",
			})
			require.Nil(t, reply.Error)

			reply = callRPC(t, httpServer.URL, "thread.decide", map[string]interface{}{
				"thread_id": "batch-1",
				"decisions": tc.batch,
			})
			require.NotNil(t, reply.Error)
			assert.Equal(t, UnknownCallID, reply.Error.Code)
			assert.Empty(t, runtime.decided)

			got, err := runtime.Get(context.Background(), "batch-1")
			require.NoError(t, err)
			assert.Equal(t, thread.StateAwaitingApprovals, got.State)
			assert.Len(t, got.Pending, 1)
		})
	}
}

func TestRPCSendAssignsThreadID(t *testing.T) {
	_, _, httpServer := newTestServer(t)

	reply := callRPC(t, httpServer.URL, "thread.send", map[string]interface{}{"message": "hello"})
	require.Nil(t, reply.Error)

	var result agent.Result
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.NotEmpty(t, result.ThreadID)
	assert.Equal(t, "echo: hello", result.Answer)
}

func TestRPCInvalidParams(t *testing.T) {
	_, _, httpServer := newTestServer(t)

	tests := []struct {
		name   string
		method string
		params map[string]interface{}
	}{
		{name: "send without message", method: "thread.send", params: map[string]interface{}{"thread_id": "t"}},
		{name: "decide without thread", method: "thread.decide", params: map[string]interface{}{"call_id": "c", "outcome": "approve"}},
		{name: "decide bad outcome", method: "thread.decide", params: map[string]interface{}{"thread_id": "t", "call_id": "c", "outcome": "maybe"}},
		{name: "decide empty batch", method: "thread.decide", params: map[string]interface{}{"thread_id": "t", "decisions": []interface{}{}}},
		{name: "get without thread", method: "thread.get", params: nil},
		{name: "subscribe over http", method: "thread.subscribe", params: map[string]interface{}{"thread_id": "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := callRPC(t, httpServer.URL, tt.method, tt.params)
			require.NotNil(t, reply.Error)
			assert.Equal(t, InvalidParams, reply.Error.Code)
		})
	}
}

func TestRPCAbortAndStatus(t *testing.T) {
	_, _, httpServer := newTestServer(t)

	reply := callRPC(t, httpServer.URL, "thread.abort", map[string]interface{}{"thread_id": "thread-1"})
	require.Nil(t, reply.Error)
	assert.JSONEq(t, `{"aborted":false,"thread_id":"thread-1"}`, string(reply.Result))

	reply = callRPC(t, httpServer.URL, "gateway.status", nil)
	require.Nil(t, reply.Error)
	var status struct {
		Clients int      `json:"clients"`
		Methods []string `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &status))
	assert.Contains(t, status.Methods, "thread.decide")
	assert.Contains(t, status.Methods, "approvals.list")
}

func dialAndAuthenticate(t *testing.T, httpServer *httptest.Server, secret string) (*websocket.Conn, AuthResult) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var challenge AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: Sign(secret, challenge.Challenge),
	}))

	var result AuthResult
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&result))
	return conn, result
}

func TestWebSocketAuthAndRPC(t *testing.T) {
	_, _, httpServer := newTestServer(t)

	conn, result := dialAndAuthenticate(t, httpServer, testSecret)
	require.True(t, result.Success)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "thread.send", Params: map[string]interface{}{
		"thread_id": "thread-ws",
		"message":   "hello",
	}}))

	// The thread.updated event and the response may arrive in either order.
	var sawResponse, sawEvent bool
	for i := 0; i < 2; i++ {
		var raw map[string]interface{}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&raw))
		if raw["event"] == "thread.updated" {
			sawEvent = true
			assert.Equal(t, "thread-ws", raw["thread_id"])
			continue
		}
		sawResponse = true
		assert.Equal(t, "1", raw["id"])
		assert.Nil(t, raw["error"])
	}
	assert.True(t, sawResponse)
	assert.True(t, sawEvent)
}

// readUntilResponse reads frames until the response to id arrives and returns
// the events seen before it.
func readUntilResponse(t *testing.T, conn *websocket.Conn, id string) (map[string]interface{}, []map[string]interface{}) {
	t.Helper()

	var events []map[string]interface{}
	for {
		var raw map[string]interface{}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&raw))
		if raw["type"] == "event" {
			events = append(events, raw)
			continue
		}
		if raw["id"] == id {
			return raw, events
		}
	}
}

func TestWebSocketSubscriptions(t *testing.T) {
	_, _, httpServer := newTestServer(t)

	conn, result := dialAndAuthenticate(t, httpServer, testSecret)
	require.True(t, result.Success)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "thread.subscribe", Params: map[string]interface{}{
		"thread_ids": []interface{}{"thread-x"},
	}}))
	resp, _ := readUntilResponse(t, conn, "1")
	require.Nil(t, resp["error"])
	assert.Equal(t, map[string]interface{}{"subscriptions": []interface{}{"thread-x"}}, resp["result"])

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "2", Method: "thread.send", Params: map[string]interface{}{
		"thread_id": "thread-other",
		"message":   "hello",
	}}))
	resp, events := readUntilResponse(t, conn, "2")
	require.Nil(t, resp["error"])
	assert.Empty(t, events)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "3", Method: "thread.send", Params: map[string]interface{}{
		"thread_id": "thread-x",
		"message":   "hello",
	}}))
	resp, events = readUntilResponse(t, conn, "3")
	require.Nil(t, resp["error"])
	require.Len(t, events, 1)
	assert.Equal(t, "thread.updated", events[0]["event"])
	assert.Equal(t, "thread-x", events[0]["thread_id"])

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "4", Method: "thread.unsubscribe", Params: map[string]interface{}{
		"thread_id": "thread-x",
	}}))
	resp, _ = readUntilResponse(t, conn, "4")
	assert.Equal(t, map[string]interface{}{"subscriptions": []interface{}{}}, resp["result"])
}

func TestWebSocketRejectsBadSignature(t *testing.T) {
	_, _, httpServer := newTestServer(t)

	conn, result := dialAndAuthenticate(t, httpServer, "wrong-secret")
	assert.False(t, result.Success)
	assert.Equal(t, "Invalid signature", result.Message)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "gateway.status"}))

	var resp RPCResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, AuthenticationRequired, resp.Error.Code)
}

func TestApprovalChannelBroadcastsRequests(t *testing.T) {
	server, _, httpServer := newTestServer(t)

	conn, result := dialAndAuthenticate(t, httpServer, testSecret)
	require.True(t, result.Success)

	channel := NewApprovalChannel(server)
	err := channel.Notify(context.Background(), []thread.PendingApproval{{
		CallID:   "call_1",
		ThreadID: "thread-1",
		Call: thread.ToolCall{
			ID:               "call_1",
			Name:             "send_email",
			Arguments:        map[string]interface{}{"to": "bob@example.com"},
			RequiresApproval: true,
		},
		CreatedAt: time.Now(),
	}})
	require.NoError(t, err)

	var event EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, "approval.requested", event.Event)
	assert.Equal(t, StreamApproval, event.Stream)
	assert.Equal(t, "thread-1", event.ThreadID)
	data := event.Data.(map[string]interface{})
	assert.Equal(t, "call_1", data["call_id"])
	assert.Equal(t, "send_email", data["tool"])
}

func TestApprovalChannelWithoutClients(t *testing.T) {
	server, _, _ := newTestServer(t)

	err := NewApprovalChannel(server).Notify(context.Background(), []thread.PendingApproval{{CallID: "call_1"}})
	assert.NoError(t, err)
}

func TestServerStartStop(t *testing.T) {
	server, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         0,
		SharedSecret: testSecret,
		TickInterval: 10 * time.Millisecond,
		Runtime:      newFakeRuntime(),
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, server.Start())
	require.NotNil(t, server.Addr())

	resp, err := http.Get("http://" + server.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Stop())
}
