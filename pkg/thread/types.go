package thread

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role identifies the author of a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// State is the run loop state of a thread. Only AwaitingModel,
// AwaitingApprovals and Completed are ever persisted; the other two are
// passed through within a single runner operation.
type State string

const (
	StateAwaitingModel               State = "awaiting_model"
	StateModelRespondedWithToolCalls State = "model_responded_with_tool_calls"
	StateAwaitingApprovals           State = "awaiting_approvals"
	StateResolvingToolResults        State = "resolving_tool_results"
	StateCompleted                   State = "completed"
)

// ToolCall describes one tool invocation requested by the model.
type ToolCall struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Arguments        map[string]interface{} `json:"arguments,omitempty"`
	RequiresApproval bool                   `json:"requires_approval"`
}

// ResultStatus is the outcome of a tool call
type ResultStatus string

const (
	StatusSuccess  ResultStatus = "success"
	StatusRejected ResultStatus = "rejected"
	StatusError    ResultStatus = "error"
)

// ToolResult is the answer to one tool call. For rejected calls Output holds
// the human's rationale.
type ToolResult struct {
	CallID string       `json:"call_id"`
	Name   string       `json:"name"`
	Status ResultStatus `json:"status"`
	Output string       `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Content renders the result as the text a model sees.
func (r ToolResult) Content() string {
	switch r.Status {
	case StatusRejected:
		if r.Output == "" {
			return "The user rejected this tool call."
		}
		return "The user rejected this tool call: " + r.Output
	case StatusError:
		return "Tool error: " + r.Error
	default:
		return r.Output
	}
}

// Outcome is a human decision on a gated call
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Valid reports whether o is approved or rejected.
func (o Outcome) Valid() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

// Decision resolves the pending approval with the same call ID.
type Decision struct {
	CallID    string  `json:"call_id"`
	Outcome   Outcome `json:"outcome"`
	Rationale string  `json:"rationale,omitempty"`
}

// Validate checks the decision before it is applied to a thread.
func (d Decision) Validate() error {
	if strings.TrimSpace(d.CallID) == "" {
		return fmt.Errorf("%w: empty call id", ErrUnknownCallID)
	}
	if !d.Outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecisionOutcome, d.Outcome)
	}
	return nil
}

// PendingApproval is a gated call waiting for a decision.
type PendingApproval struct {
	CallID    string    `json:"call_id"`
	Call      ToolCall  `json:"call"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one entry of a thread's history. Assistant turns with ToolCalls are
// tool-call records; tool turns carry exactly one Result.
type Turn struct {
	Seq       int         `json:"seq"`
	Role      Role        `json:"role"`
	Content   string      `json:"content,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Thread is the persisted state of one conversation.
type Thread struct {
	ID        string            `json:"id"`
	State     State             `json:"state"`
	Turns     []Turn            `json:"turns"`
	Pending   []PendingApproval `json:"pending,omitempty"`
	Staged    []ToolResult      `json:"staged,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// New returns an empty thread in AwaitingModel.
func New(id string, now time.Time) *Thread {
	return &Thread{
		ID:        id,
		State:     StateAwaitingModel,
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a turn, assigning the next sequence number, and returns it.
func (t *Thread) Append(turn Turn) Turn {
	turn.Seq = 1
	if n := len(t.Turns); n > 0 {
		turn.Seq = t.Turns[n-1].Seq + 1
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	t.Turns = append(t.Turns, turn)
	return turn
}

// FindPending returns the pending approval for callID.
func (t *Thread) FindPending(callID string) (PendingApproval, bool) {
	for _, p := range t.Pending {
		if p.CallID == callID {
			return p, true
		}
	}
	return PendingApproval{}, false
}

// AddPending records a gated call. A second approval for the same call ID is
// refused.
func (t *Thread) AddPending(p PendingApproval) error {
	if _, exists := t.FindPending(p.CallID); exists {
		return fmt.Errorf("call %s already awaits approval", p.CallID)
	}
	t.Pending = append(t.Pending, p)
	return nil
}

// Settle removes the pending approval matching result.CallID and stages the
// result. The thread is unchanged when no approval matches.
func (t *Thread) Settle(result ToolResult) error {
	for i, p := range t.Pending {
		if p.CallID != result.CallID {
			continue
		}
		t.Pending = append(t.Pending[:i:i], t.Pending[i+1:]...)
		if len(t.Pending) == 0 {
			t.Pending = nil
		}
		t.Staged = append(t.Staged, result)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCallID, result.CallID)
}

// Stage holds a finished result until the current model turn is resolved.
func (t *Thread) Stage(result ToolResult) {
	t.Staged = append(t.Staged, result)
}

// CommitStaged appends every staged result as a tool turn, ordered by call
// identifier, and clears the staging area.
func (t *Thread) CommitStaged(now time.Time) []Turn {
	if len(t.Staged) == 0 {
		return nil
	}

	staged := make([]ToolResult, len(t.Staged))
	copy(staged, t.Staged)
	sort.SliceStable(staged, func(i, j int) bool {
		return staged[i].CallID < staged[j].CallID
	})

	turns := make([]Turn, 0, len(staged))
	for i := range staged {
		result := staged[i]
		turns = append(turns, t.Append(Turn{
			Role:      RoleTool,
			Content:   result.Content(),
			Result:    &result,
			CreatedAt: now,
		}))
	}
	t.Staged = nil
	return turns
}

// LastAnswer returns the content of the final assistant turn, if the last
// turn is one.
func (t *Thread) LastAnswer() string {
	if n := len(t.Turns); n > 0 {
		last := t.Turns[n-1]
		if last.Role == RoleAssistant && len(last.ToolCalls) == 0 {
			return last.Content
		}
	}
	return ""
}

// Summary describes a stored thread without its history
type Summary struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Turns     int       `json:"turns"`
	Pending   int       `json:"pending"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the listing view of t.
func (t *Thread) Summary() Summary {
	return Summary{
		ID:        t.ID,
		State:     t.State,
		Turns:     len(t.Turns),
		Pending:   len(t.Pending),
		UpdatedAt: t.UpdatedAt,
	}
}
