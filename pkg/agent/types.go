package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/harun/tollgate/pkg/toolexecutor"
	"github.com/openai/openai-go"
)

var (
	// ErrThreadSuspended is returned by Send while the thread awaits
	// approval decisions.
	ErrThreadSuspended = errors.New("thread is awaiting approvals")
	// ErrMaxStepsExceeded is returned when a run needs more model calls than
	// the runner allows.
	ErrMaxStepsExceeded = errors.New("maximum model steps exceeded")
)

// Model is the language model collaborator of the run loop.
type Model interface {
	// Complete returns either a final answer or tool calls for the history.
	Complete(ctx context.Context, request CompletionRequest) (*Completion, error)
	// Provider returns the provider name
	Provider() string
}

// CompletionRequest carries everything a provider needs for one step.
type CompletionRequest struct {
	SystemPrompt string
	History      []thread.Turn
	Tools        []toolexecutor.ToolDefinition
}

// Completion is one model response. No tool calls means Content is the final
// answer.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of one runner operation.
type Result struct {
	ThreadID string                   `json:"thread_id"`
	State    thread.State             `json:"state"`
	Answer   string                   `json:"answer,omitempty"`
	Pending  []thread.PendingApproval `json:"pending,omitempty"`
	Steps    int                      `json:"steps"`
}

// Suspended reports whether the thread is waiting for decisions.
func (r *Result) Suspended() bool {
	return r != nil && r.State == thread.StateAwaitingApprovals
}

// ProviderError wraps a model provider failure. Transient failures (rate
// limits, overload, network) may succeed when retried.
type ProviderError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "provider error"
	if e.Transient {
		kind = "transient provider error"
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Transient
}

// wrapProviderError classifies a raw provider failure. Context errors pass
// through unwrapped.
func wrapProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}
	return &ProviderError{Provider: provider, Transient: IsRetryableError(err), Err: err}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") ||
		strings.Contains(errMsg, "connection reset") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(strings.ToLower(errMsg), "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= http.StatusInternalServerError
}
