package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/tollgate/internal/tracing"
	"github.com/harun/tollgate/pkg/agent"
	"github.com/harun/tollgate/pkg/approval"
	"github.com/harun/tollgate/pkg/thread"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("thread.send", s.handleThreadSend)
	_ = s.router.RegisterMethod("thread.decide", s.handleThreadDecide)
	_ = s.router.RegisterMethod("thread.resume", s.handleThreadResume)
	_ = s.router.RegisterMethod("thread.get", s.handleThreadGet)
	_ = s.router.RegisterMethod("thread.delete", s.handleThreadDelete)
	_ = s.router.RegisterMethod("thread.abort", s.handleThreadAbort)
	_ = s.router.RegisterMethod("threads.list", s.handleThreadsList)
	_ = s.router.RegisterMethod("approvals.list", s.handleApprovalsList)
	_ = s.router.RegisterMethod("thread.subscribe", s.handleThreadSubscribe)
	_ = s.router.RegisterMethod("thread.unsubscribe", s.handleThreadUnsubscribe)
	_ = s.router.RegisterMethod("gateway.status", s.handleGatewayStatus)
}

// handleThreadSend appends a user message to a thread, creating it when
// thread_id is omitted.
func (s *Server) handleThreadSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	message, err := requiredString(params, "message")
	if err != nil {
		return nil, err
	}
	threadID := optionalString(params, "thread_id")
	if threadID == "" {
		threadID = uuid.NewString()
	}

	ctx = tracing.WithThreadID(ctx, threadID)
	result, err := s.runtime.Send(ctx, threadID, message)
	if err != nil {
		return nil, err
	}
	s.publishResult(ctx, result)
	return result, nil
}

// handleThreadDecide applies one decision ({call_id, outcome, rationale}) or
// a batch ({decisions: [...]}) in order. Every call ID in the batch is checked
// against the thread's pending approvals before any decision is applied, so a
// batch naming an unknown or repeated call changes nothing.
func (s *Server) handleThreadDecide(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threadID, err := requiredString(params, "thread_id")
	if err != nil {
		return nil, err
	}
	decisions, err := decisionsParam(params)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithThreadID(ctx, threadID)
	if err := s.checkBatch(ctx, threadID, decisions); err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)

	var result *agent.Result
	for _, decision := range decisions {
		logger.Info().
			Str("client_id", clientIDFromContext(ctx)).
			Str("call_id", decision.CallID).
			Str("outcome", string(decision.Outcome)).
			Msg("Gateway received approval decision")

		next, err := s.runtime.Decide(ctx, threadID, decision)
		if err != nil {
			// Earlier decisions in the batch are already persisted.
			s.publishResult(ctx, result)
			return nil, err
		}
		result = next
	}
	s.publishResult(ctx, result)
	return result, nil
}

func (s *Server) checkBatch(ctx context.Context, threadID string, decisions []thread.Decision) error {
	if len(decisions) < 2 {
		return nil
	}
	t, err := s.runtime.Get(ctx, threadID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		if seen[d.CallID] {
			return fmt.Errorf("%w: %s decided twice in one batch", thread.ErrUnknownCallID, d.CallID)
		}
		seen[d.CallID] = true
		if _, ok := t.FindPending(d.CallID); !ok {
			return fmt.Errorf("%w: %s", thread.ErrUnknownCallID, d.CallID)
		}
	}
	return nil
}

func (s *Server) handleThreadResume(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threadID, err := requiredString(params, "thread_id")
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithThreadID(ctx, threadID)
	result, err := s.runtime.Resume(ctx, threadID)
	if err != nil {
		return nil, err
	}
	s.publishResult(ctx, result)
	return result, nil
}

func (s *Server) handleThreadGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threadID, err := requiredString(params, "thread_id")
	if err != nil {
		return nil, err
	}
	return s.runtime.Get(ctx, threadID)
}

func (s *Server) handleThreadDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threadID, err := requiredString(params, "thread_id")
	if err != nil {
		return nil, err
	}
	if err := s.runtime.Delete(ctx, threadID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true, "thread_id": threadID}, nil
}

func (s *Server) handleThreadAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threadID, err := requiredString(params, "thread_id")
	if err != nil {
		return nil, err
	}
	aborted := s.runtime.Abort(threadID) == nil
	return map[string]interface{}{"aborted": aborted, "thread_id": threadID}, nil
}

func (s *Server) handleThreadsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	summaries, err := s.runtime.List(ctx)
	if err != nil {
		return nil, err
	}
	state := thread.State(optionalString(params, "state"))
	filtered := make([]thread.Summary, 0, len(summaries))
	for _, summary := range summaries {
		if state == "" || summary.State == state {
			filtered = append(filtered, summary)
		}
	}
	return map[string]interface{}{"threads": filtered, "count": len(filtered)}, nil
}

// handleApprovalsList returns every pending approval, optionally for a single
// thread.
func (s *Server) handleApprovalsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var ids []string
	if threadID := optionalString(params, "thread_id"); threadID != "" {
		ids = []string{threadID}
	} else {
		summaries, err := s.runtime.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, summary := range summaries {
			if summary.Pending > 0 {
				ids = append(ids, summary.ID)
			}
		}
	}

	approvals := make([]thread.PendingApproval, 0)
	for _, id := range ids {
		t, err := s.runtime.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, t.Pending...)
	}
	return map[string]interface{}{"approvals": approvals, "count": len(approvals)}, nil
}

// handleThreadSubscribe limits the calling websocket client's thread events
// to the given threads.
func (s *Server) handleThreadSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, ids, err := subscriptionParams(ctx, params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"subscriptions": client.Subscribe(ids...)}, nil
}

func (s *Server) handleThreadUnsubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, ids, err := subscriptionParams(ctx, params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"subscriptions": client.Unsubscribe(ids...)}, nil
}

func (s *Server) handleGatewayStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	connected, authenticated := s.hub.counts()
	return map[string]interface{}{
		"clients":       connected,
		"authenticated": authenticated,
		"connections":   s.hub.infos(),
		"active_runs":   s.runtime.ActiveRuns(),
		"methods":       s.router.GetMethods(),
	}, nil
}

// publishResult tells websocket clients a thread changed state.
func (s *Server) publishResult(ctx context.Context, result *agent.Result) {
	if result == nil {
		return
	}
	s.hub.publish(EventMessage{
		Event:    "thread.updated",
		Stream:   StreamThread,
		Phase:    string(result.State),
		ThreadID: result.ThreadID,
		TraceID:  tracing.GetTraceID(ctx),
		Data: map[string]interface{}{
			"state":   result.State,
			"pending": len(result.Pending),
		},
	})
}

// subscriptionParams reads thread_id or thread_ids for a websocket caller.
func subscriptionParams(ctx context.Context, params map[string]interface{}) (*Client, []string, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, nil, invalidParams("subscriptions require a websocket connection")
	}

	var ids []string
	if id := optionalString(params, "thread_id"); id != "" {
		ids = append(ids, id)
	}
	if raw, ok := params["thread_ids"].([]interface{}); ok {
		for i, item := range raw {
			id, ok := item.(string)
			if !ok || strings.TrimSpace(id) == "" {
				return nil, nil, invalidParams(fmt.Sprintf("thread_ids[%d] must be a non-empty string", i))
			}
			ids = append(ids, strings.TrimSpace(id))
		}
	}
	if len(ids) == 0 {
		return nil, nil, invalidParams("thread_id or thread_ids is required")
	}
	for _, id := range ids {
		if err := thread.ValidateID(id); err != nil {
			return nil, nil, err
		}
	}
	return client, ids, nil
}

func decisionsParam(params map[string]interface{}) ([]thread.Decision, error) {
	raw, batch := params["decisions"].([]interface{})
	if !batch {
		decision, err := decisionParam(params)
		if err != nil {
			return nil, err
		}
		return []thread.Decision{decision}, nil
	}

	if len(raw) == 0 {
		return nil, invalidParams("decisions must not be empty")
	}
	decisions := make([]thread.Decision, 0, len(raw))
	for i, item := range raw {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, invalidParams(fmt.Sprintf("decisions[%d] must be an object", i))
		}
		decision, err := decisionParam(fields)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

func decisionParam(params map[string]interface{}) (thread.Decision, error) {
	callID, err := requiredString(params, "call_id")
	if err != nil {
		return thread.Decision{}, err
	}
	outcome, err := requiredString(params, "outcome")
	if err != nil {
		return thread.Decision{}, err
	}
	decision, err := approval.ParseDecision(callID, outcome, optionalString(params, "rationale"))
	if err != nil {
		return thread.Decision{}, invalidParams(err.Error())
	}
	return decision, nil
}

func requiredString(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", invalidParams(fmt.Sprintf("%s parameter is required and must be a string", name))
	}
	return strings.TrimSpace(value), nil
}

func optionalString(params map[string]interface{}, name string) string {
	value, _ := params[name].(string)
	return strings.TrimSpace(value)
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}
