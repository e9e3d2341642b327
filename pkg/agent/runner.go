package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tollgate/internal/observability"
	"github.com/harun/tollgate/internal/tracing"
	"github.com/harun/tollgate/pkg/commandqueue"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/harun/tollgate/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxSteps bounds the model calls of one runner operation.
const DefaultMaxSteps = 10

// Notifier surfaces pending approvals to a human.
type Notifier interface {
	Notify(ctx context.Context, pending []thread.PendingApproval) error
}

// Runner drives threads through the approval-gated tool loop
type Runner struct {
	model        Model
	gate         *toolexecutor.Gate
	store        thread.Store
	commandQueue *commandqueue.CommandQueue
	notifier     Notifier
	logger       zerolog.Logger
	instructions string
	maxSteps     int
	now          func() time.Time

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex
}

// Config holds runner configuration
type Config struct {
	Model        Model
	Gate         *toolexecutor.Gate
	Store        thread.Store
	CommandQueue *commandqueue.CommandQueue
	Notifier     Notifier
	Logger       zerolog.Logger
	Instructions string
	MaxSteps     int
	Now          func() time.Time
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("thread store is required")
	}
	if cfg.CommandQueue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("approval notifier is required")
	}
	if cfg.MaxSteps < 0 {
		return nil, fmt.Errorf("max steps must not be negative")
	}

	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Runner{
		model:        cfg.Model,
		gate:         cfg.Gate,
		store:        cfg.Store,
		commandQueue: cfg.CommandQueue,
		notifier:     cfg.Notifier,
		logger:       cfg.Logger,
		instructions: cfg.Instructions,
		maxSteps:     maxSteps,
		now:          now,
		activeRuns:   make(map[string]context.CancelFunc),
	}, nil
}

// Send appends a user message to the thread, creating it when unknown, and
// runs the loop until a final answer or a suspension.
func (r *Runner) Send(ctx context.Context, threadID, message string) (*Result, error) {
	if err := thread.ValidateID(threadID); err != nil {
		return nil, err
	}

	return r.inLane(ctx, threadID, "send", func(ctx context.Context, logger zerolog.Logger) (*Result, error) {
		t, err := r.store.Load(ctx, threadID)
		if errors.Is(err, thread.ErrThreadNotFound) {
			t = thread.New(threadID, r.now())
			logger.Debug().Msg("Thread created")
		} else if err != nil {
			return nil, fmt.Errorf("failed to load thread: %w", err)
		}

		if t.State == thread.StateAwaitingApprovals {
			return nil, fmt.Errorf("%w: %d pending", ErrThreadSuspended, len(t.Pending))
		}

		t.State = thread.StateAwaitingModel
		t.Append(thread.Turn{Role: thread.RoleUser, Content: message, CreatedAt: r.now()})
		return r.drive(ctx, logger, t)
	})
}

// Decide applies one approval decision. The loop continues once the thread
// has no pending approvals left.
func (r *Runner) Decide(ctx context.Context, threadID string, decision thread.Decision) (*Result, error) {
	if err := thread.ValidateID(threadID); err != nil {
		return nil, err
	}
	if err := decision.Validate(); err != nil {
		return nil, err
	}

	return r.inLane(ctx, threadID, "decide", func(ctx context.Context, logger zerolog.Logger) (*Result, error) {
		t, err := r.store.Load(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to load thread: %w", err)
		}

		pending, ok := t.FindPending(decision.CallID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", thread.ErrUnknownCallID, decision.CallID)
		}

		result, err := r.gate.ResolveInvocation(ctx, pending, decision)
		if err != nil {
			return nil, err
		}
		if err := t.Settle(result); err != nil {
			return nil, err
		}

		logger.Info().
			Str("call_id", decision.CallID).
			Str("tool", pending.Call.Name).
			Str("outcome", string(decision.Outcome)).
			Str("status", string(result.Status)).
			Int("remaining", len(t.Pending)).
			Msg("Approval decision applied")

		if len(t.Pending) > 0 {
			if err := r.save(ctx, t); err != nil {
				return nil, err
			}
			return r.result(t, 0), nil
		}

		r.resolveToolResults(logger, t)
		if err := r.save(ctx, t); err != nil {
			return nil, err
		}
		return r.drive(ctx, logger, t)
	})
}

// Resume re-enters a persisted thread: pending approvals are emitted again, a
// completed thread returns its answer and a thread awaiting the model runs
// the loop.
func (r *Runner) Resume(ctx context.Context, threadID string) (*Result, error) {
	if err := thread.ValidateID(threadID); err != nil {
		return nil, err
	}

	return r.inLane(ctx, threadID, "resume", func(ctx context.Context, logger zerolog.Logger) (*Result, error) {
		t, err := r.store.Load(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to load thread: %w", err)
		}

		switch t.State {
		case thread.StateAwaitingApprovals:
			r.notify(ctx, logger, t.Pending)
			return r.result(t, 0), nil
		case thread.StateCompleted:
			return r.result(t, 0), nil
		}

		if len(t.Staged) > 0 {
			r.resolveToolResults(logger, t)
			if err := r.save(ctx, t); err != nil {
				return nil, err
			}
		}
		return r.drive(ctx, logger, t)
	})
}

// Get returns the persisted thread.
func (r *Runner) Get(ctx context.Context, threadID string) (*thread.Thread, error) {
	if err := thread.ValidateID(threadID); err != nil {
		return nil, err
	}
	return r.store.Load(ctx, threadID)
}

// List returns summaries of all persisted threads.
func (r *Runner) List(ctx context.Context) ([]thread.Summary, error) {
	return r.store.List(ctx)
}

// Delete removes the thread once no operation on it is running.
func (r *Runner) Delete(ctx context.Context, threadID string) error {
	_, err := r.DeleteIf(ctx, threadID, func(*thread.Thread) bool { return true })
	return err
}

// DeleteIf removes the thread when expired approves its current snapshot.
// It runs in the thread's lane so it never races a live operation.
func (r *Runner) DeleteIf(ctx context.Context, threadID string, expired func(*thread.Thread) bool) (bool, error) {
	if err := thread.ValidateID(threadID); err != nil {
		return false, err
	}

	value, err := r.commandQueue.EnqueueWithContext(ctx, laneFor(threadID), func(ctx context.Context) (interface{}, error) {
		t, err := r.store.Load(ctx, threadID)
		if errors.Is(err, thread.ErrThreadNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !expired(t) {
			return false, nil
		}
		if err := r.store.Delete(ctx, threadID); err != nil {
			return false, err
		}
		return true, nil
	}, nil)
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// Abort cancels the operation currently running on a thread.
func (r *Runner) Abort(threadID string) error {
	r.runsMu.Lock()
	cancel, exists := r.activeRuns[threadID]
	r.runsMu.Unlock()

	if !exists {
		return fmt.Errorf("no active run for thread: %s", threadID)
	}

	cancel()
	r.logger.Info().Str("thread_id", threadID).Msg("Run aborted")
	return nil
}

// IsRunning checks if an operation is running on a thread
func (r *Runner) IsRunning(threadID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, exists := r.activeRuns[threadID]
	return exists
}

// ActiveRuns returns the number of operations in flight.
func (r *Runner) ActiveRuns() int {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	return len(r.activeRuns)
}

type laneFunc func(ctx context.Context, logger zerolog.Logger) (*Result, error)

// inLane runs fn in the thread's lane with tracing, abort tracking and run
// metrics.
func (r *Runner) inLane(ctx context.Context, threadID, op string, fn laneFunc) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.NewRunContext(ctx, threadID)
	ctx, span := tracing.StartSpan(
		ctx,
		"tollgate.agent",
		"agent."+op,
		attribute.String("thread_id", threadID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("op", op).Logger()

	value, err := r.commandQueue.EnqueueWithContext(ctx, laneFor(threadID), func(taskCtx context.Context) (interface{}, error) {
		runCtx, cancel := context.WithCancel(taskCtx)
		defer cancel()

		r.runsMu.Lock()
		r.activeRuns[threadID] = cancel
		r.runsMu.Unlock()
		defer func() {
			r.runsMu.Lock()
			delete(r.activeRuns, threadID)
			r.runsMu.Unlock()
		}()

		return fn(runCtx, logger)
	}, nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordRun(op, "error")
		logger.Warn().Err(err).Msg("Run failed")
		return nil, err
	}

	result := value.(*Result)
	span.SetAttributes(attribute.String("state", string(result.State)), attribute.Int("steps", result.Steps))
	observability.RecordRun(op, string(result.State))
	return result, nil
}

// drive runs the loop from AwaitingModel until the thread completes,
// suspends, or fails.
func (r *Runner) drive(ctx context.Context, logger zerolog.Logger, t *thread.Thread) (*Result, error) {
	tools := r.gate.Executor().Definitions()

	for steps := 0; ; {
		if steps >= r.maxSteps {
			return nil, fmt.Errorf("%w: %d", ErrMaxStepsExceeded, r.maxSteps)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		completion, err := r.complete(ctx, t, tools)
		steps++
		if err != nil {
			return nil, err
		}

		if len(completion.ToolCalls) == 0 {
			t.Append(thread.Turn{Role: thread.RoleAssistant, Content: completion.Content, CreatedAt: r.now()})
			t.State = thread.StateCompleted
			if err := r.save(ctx, t); err != nil {
				return nil, err
			}
			logger.Info().Int("steps", steps).Msg("Thread completed")
			return r.result(t, steps), nil
		}

		t.State = thread.StateModelRespondedWithToolCalls
		calls, err := r.describe(completion.ToolCalls)
		if err != nil {
			return nil, err
		}
		logger.Debug().Int("tool_calls", len(calls)).Str("state", string(t.State)).Msg("Model requested tools")

		t.Append(thread.Turn{
			Role:      thread.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: calls,
			CreatedAt: r.now(),
		})

		for _, call := range calls {
			inv := r.gate.RequestInvocation(ctx, t.ID, call)
			if inv.Suspended() {
				if err := t.AddPending(*inv.Pending); err != nil {
					return nil, err
				}
				continue
			}
			t.Stage(*inv.Result)
		}

		if len(t.Pending) > 0 {
			t.State = thread.StateAwaitingApprovals
			if err := r.save(ctx, t); err != nil {
				return nil, err
			}
			logger.Info().Int("pending", len(t.Pending)).Msg("Thread suspended for approval")
			r.notify(ctx, logger, t.Pending)
			return r.result(t, steps), nil
		}

		r.resolveToolResults(logger, t)
		if err := r.save(ctx, t); err != nil {
			return nil, err
		}
	}
}

// complete makes one model call and records its latency.
func (r *Runner) complete(ctx context.Context, t *thread.Thread, tools []toolexecutor.ToolDefinition) (*Completion, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"tollgate.agent",
		"model.complete",
		attribute.String("provider", r.model.Provider()),
		attribute.Int("history", len(t.Turns)),
	)
	defer span.End()

	start := time.Now()
	completion, err := r.model.Complete(ctx, CompletionRequest{
		SystemPrompt: r.instructions,
		History:      t.Turns,
		Tools:        tools,
	})
	if err == nil && completion == nil {
		err = &ProviderError{Provider: r.model.Provider(), Err: fmt.Errorf("empty completion")}
	}
	if err != nil {
		err = wrapProviderError(r.model.Provider(), err)
	}
	observability.RecordModelCall(r.model.Provider(), time.Since(start), err, IsTransient(err))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return completion, nil
}

// describe turns model tool calls into descriptors, assigning identifiers to
// calls that arrive without one.
func (r *Runner) describe(toolCalls []ToolCall) ([]thread.ToolCall, error) {
	seen := make(map[string]bool, len(toolCalls))
	calls := make([]thread.ToolCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		if seen[id] {
			return nil, &ProviderError{Provider: r.model.Provider(), Err: fmt.Errorf("duplicate tool call id %s", id)}
		}
		seen[id] = true
		calls = append(calls, r.gate.Describe(tc.Name, id, tc.Arguments))
	}
	return calls, nil
}

// resolveToolResults appends the staged results and returns the thread to
// AwaitingModel.
func (r *Runner) resolveToolResults(logger zerolog.Logger, t *thread.Thread) {
	t.State = thread.StateResolvingToolResults
	turns := t.CommitStaged(r.now())
	logger.Debug().Int("results", len(turns)).Str("state", string(t.State)).Msg("Tool results committed")
	t.State = thread.StateAwaitingModel
}

func (r *Runner) save(ctx context.Context, t *thread.Thread) error {
	t.UpdatedAt = r.now()
	if err := r.store.Save(ctx, t); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

// notify emits pending approvals. A failed notification leaves them
// persisted and queryable.
func (r *Runner) notify(ctx context.Context, logger zerolog.Logger, pending []thread.PendingApproval) {
	if len(pending) == 0 {
		return
	}
	if err := r.notifier.Notify(ctx, pending); err != nil {
		logger.Warn().Err(err).Int("pending", len(pending)).Msg("Failed to notify approval channel")
	}
}

func (r *Runner) result(t *thread.Thread, steps int) *Result {
	result := &Result{
		ThreadID: t.ID,
		State:    t.State,
		Steps:    steps,
	}
	if t.State == thread.StateCompleted {
		result.Answer = t.LastAnswer()
	}
	if len(t.Pending) > 0 {
		result.Pending = append([]thread.PendingApproval(nil), t.Pending...)
	}
	return result
}

func laneFor(threadID string) string {
	return "thread:" + threadID
}
