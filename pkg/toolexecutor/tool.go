package toolexecutor

import (
	"context"
	"errors"
)

// ErrApprovalRequired is returned when a gated tool is invoked without an
// approved decision.
var ErrApprovalRequired = errors.New("tool requires human approval")

// Tool is an invocable capability exposed to the model.
type Tool interface {
	Definition() ToolDefinition
	Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error)
	RequiresApproval() bool
}

// DirectTool invokes its handler immediately.
type DirectTool struct {
	def ToolDefinition
}

// NewDirectTool wraps a definition as an ungated tool.
func NewDirectTool(def ToolDefinition) *DirectTool {
	return &DirectTool{def: def}
}

func (t *DirectTool) Definition() ToolDefinition { return t.def }

func (t *DirectTool) RequiresApproval() bool { return false }

// Invoke calls the handler.
func (t *DirectTool) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.def.Handler(ctx, args)
}

// ApprovalGatedTool decorates a tool so it only runs under an approved
// decision. The Gate supplies that approval when resolving a pending call.
type ApprovalGatedTool struct {
	inner Tool
}

// NewApprovalGatedTool gates inner.
func NewApprovalGatedTool(inner Tool) *ApprovalGatedTool {
	return &ApprovalGatedTool{inner: inner}
}

func (t *ApprovalGatedTool) Definition() ToolDefinition { return t.inner.Definition() }

func (t *ApprovalGatedTool) RequiresApproval() bool { return true }

// Unwrap returns the decorated tool.
func (t *ApprovalGatedTool) Unwrap() Tool { return t.inner }

// Invoke runs the wrapped tool, refusing with ErrApprovalRequired when ctx
// carries no approval.
func (t *ApprovalGatedTool) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if _, ok := ApprovedCallFromContext(ctx); !ok {
		return nil, ErrApprovalRequired
	}
	return t.inner.Invoke(ctx, args)
}

type approvalKey struct{}

func withApproval(ctx context.Context, callID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, approvalKey{}, callID)
}

// ApprovedCallFromContext returns the call ID a human approved for the
// invocation running under ctx.
func ApprovedCallFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(approvalKey{}).(string)
	return id, id != ""
}
