package toolexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/tollgate/internal/observability"
	"github.com/harun/tollgate/internal/tracing"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Invocation is the outcome of requesting a tool call: exactly one of Result
// and Pending is set.
type Invocation struct {
	Result  *thread.ToolResult
	Pending *thread.PendingApproval
}

// Suspended reports whether the call awaits a human decision.
func (i Invocation) Suspended() bool { return i.Pending != nil }

// Gate defers gated tool calls until a decision arrives and executes
// everything else immediately.
type Gate struct {
	executor *ToolExecutor
	now      func() time.Time
}

// NewGate creates a gate over the executor's registry.
func NewGate(executor *ToolExecutor) *Gate {
	return &Gate{
		executor: executor,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Executor returns the underlying registry.
func (g *Gate) Executor() *ToolExecutor { return g.executor }

// Describe builds the descriptor for a call the model emitted.
func (g *Gate) Describe(name, id string, args map[string]interface{}) thread.ToolCall {
	return thread.ToolCall{
		ID:               id,
		Name:             name,
		Arguments:        args,
		RequiresApproval: g.executor.RequiresApproval(name),
	}
}

// RequestInvocation executes an ungated call, or returns the pending approval
// for a gated one without running any tool logic.
func (g *Gate) RequestInvocation(ctx context.Context, threadID string, call thread.ToolCall) Invocation {
	if call.RequiresApproval || g.executor.RequiresApproval(call.Name) {
		call.RequiresApproval = true
		pending := thread.PendingApproval{
			CallID:    call.ID,
			Call:      call,
			ThreadID:  threadID,
			CreatedAt: g.now(),
		}
		observability.RecordApprovalRequested(call.Name)
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Info().
			Str("tool", call.Name).
			Str("call_id", call.ID).
			Msg("Tool call awaits approval")
		return Invocation{Pending: &pending}
	}

	result := g.executor.Execute(ctx, threadID, call)
	return Invocation{Result: &result}
}

// ResolveInvocation applies a decision to a pending call. An approved call is
// executed with its original arguments; a rejected one yields a rejected
// result carrying the rationale and never reaches the tool.
func (g *Gate) ResolveInvocation(ctx context.Context, pending thread.PendingApproval, decision thread.Decision) (thread.ToolResult, error) {
	if decision.CallID != pending.CallID {
		return thread.ToolResult{}, fmt.Errorf("%w: decision for %s does not match pending %s",
			thread.ErrUnknownCallID, decision.CallID, pending.CallID)
	}
	if !decision.Outcome.Valid() {
		return thread.ToolResult{}, fmt.Errorf("%w: %q", thread.ErrInvalidDecisionOutcome, decision.Outcome)
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"tollgate.toolexecutor",
		"gate.resolve",
		attribute.String("tool", pending.Call.Name),
		attribute.String("call_id", pending.CallID),
		attribute.String("outcome", string(decision.Outcome)),
	)
	defer span.End()

	observability.RecordApprovalDecided(pending.Call.Name, string(decision.Outcome))
	observability.RecordApprovalAudit(ctx, pending.ThreadID, pending.CallID, pending.Call.Name,
		string(decision.Outcome), decision.Rationale)

	if decision.Outcome == thread.OutcomeRejected {
		return thread.ToolResult{
			CallID: pending.CallID,
			Name:   pending.Call.Name,
			Status: thread.StatusRejected,
			Output: decision.Rationale,
		}, nil
	}

	return g.executor.Execute(withApproval(ctx, pending.CallID), pending.ThreadID, pending.Call), nil
}
