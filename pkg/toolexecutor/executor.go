package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/tollgate/internal/observability"
	"github.com/harun/tollgate/internal/tracing"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 10 * 1024 // bytes

	truncationMarker = "\n... [output truncated]"
)

// ErrToolNotFound is returned for calls naming an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// ExecutionError wraps a tool failure with the call it belongs to.
type ExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// ToolExecutor is the tool registry. Execution validates arguments against
// the tool's schema, bounds run time and output size, and reports every
// failure as an error result.
type ToolExecutor struct {
	mu        sync.RWMutex
	entries   map[string]entry
	timeout   time.Duration
	maxOutput int
}

func New() *ToolExecutor {
	return &ToolExecutor{
		entries:   make(map[string]entry),
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutput,
	}
}

// SetTimeout sets the per-call deadline. Non-positive restores the default.
func (te *ToolExecutor) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	te.mu.Lock()
	te.timeout = d
	te.mu.Unlock()
}

// SetMaxOutput sets the output size, in bytes, past which output is cut.
func (te *ToolExecutor) SetMaxOutput(n int) {
	if n <= 0 {
		n = DefaultMaxOutput
	}
	te.mu.Lock()
	te.maxOutput = n
	te.mu.Unlock()
}

// Register adds def as an ungated tool.
func (te *ToolExecutor) Register(def ToolDefinition) error {
	return te.RegisterTool(NewDirectTool(def))
}

// RegisterTool adds tool. Registering a name twice fails; call
// UnregisterTool first to replace it.
func (te *ToolExecutor) RegisterTool(tool Tool) error {
	if tool == nil {
		return errors.New("invalid tool definition: tool cannot be nil")
	}
	def := tool.Definition()
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Schema()))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	if _, exists := te.entries[def.Name]; exists {
		te.mu.Unlock()
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	te.entries[def.Name] = entry{tool: tool, schema: schema}
	te.mu.Unlock()

	log.Debug().
		Str("tool", def.Name).
		Bool("requires_approval", tool.RequiresApproval()).
		Msg("Tool registered")
	return nil
}

// RequireApproval gates the named tools. Every name must be registered;
// otherwise nothing changes.
func (te *ToolExecutor) RequireApproval(names ...string) error {
	te.mu.Lock()
	defer te.mu.Unlock()

	for _, name := range names {
		if _, ok := te.entries[name]; !ok {
			return fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
	}
	for _, name := range names {
		e := te.entries[name]
		if e.tool.RequiresApproval() {
			continue
		}
		e.tool = NewApprovalGatedTool(e.tool)
		te.entries[name] = e
		log.Info().Str("tool", name).Msg("Tool requires approval")
	}
	return nil
}

func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	delete(te.entries, name)
	te.mu.Unlock()
}

// GetTool returns the named tool or nil.
func (te *ToolExecutor) GetTool(name string) Tool {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.entries[name].tool
}

// RequiresApproval reports whether the named tool is gated. Unknown names
// are not.
func (te *ToolExecutor) RequiresApproval(name string) bool {
	tool := te.GetTool(name)
	return tool != nil && tool.RequiresApproval()
}

// ListTools returns the registered names in order.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	names := make([]string, 0, len(te.entries))
	for name := range te.entries {
		names = append(names, name)
	}
	te.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Definitions returns every registered definition, ordered by name.
func (te *ToolExecutor) Definitions() []ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(te.entries))
	for _, e := range te.entries {
		defs = append(defs, e.tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return len(te.entries)
}

// Execute runs call and always returns a result: unknown tools, bad
// arguments, handler errors, panics and timeouts come back with StatusError.
func (te *ToolExecutor) Execute(ctx context.Context, threadID string, call thread.ToolCall) thread.ToolResult {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "tollgate.toolexecutor", "tool.execute",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
		attribute.String("thread_id", threadID))
	defer span.End()

	started := time.Now()
	output, truncated, err := te.run(ctx, call)
	elapsed := time.Since(started)

	result := thread.ToolResult{CallID: call.ID, Name: call.Name, Status: thread.StatusSuccess, Output: output}
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Dur("duration", elapsed).
		Logger()
	if err != nil {
		result.Status = thread.StatusError
		result.Error = err.Error()
		execErr := &ExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, result.Error)
		logger.Warn().Err(execErr).Msg("Tool execution failed")
	} else {
		logger.Debug().Bool("truncated", truncated).Msg("Tool execution completed")
	}

	observability.RecordToolExecution(call.Name, string(result.Status), elapsed)
	observability.RecordToolAudit(ctx, call.Name, threadID, string(result.Status), map[string]interface{}{
		"call_id":     call.ID,
		"duration_ms": elapsed.Milliseconds(),
		"truncated":   truncated,
	})
	return result
}

func (te *ToolExecutor) run(ctx context.Context, call thread.ToolCall) (string, bool, error) {
	te.mu.RLock()
	e, ok := te.entries[call.Name]
	timeout, limit := te.timeout, te.maxOutput
	te.mu.RUnlock()

	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
	params := call.Arguments
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(e.schema, params); err != nil {
		return "", false, fmt.Errorf("parameter validation failed: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		value interface{}
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := e.tool.Invoke(runCtx, params)
		done <- reply{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", false, r.err
		}
		text, err := renderOutput(r.value)
		if err != nil {
			return "", false, err
		}
		text, cut := truncateOutput(text, limit)
		return text, cut, nil
	case <-runCtx.Done():
		if err := ctx.Err(); err != nil {
			return "", false, fmt.Errorf("tool execution cancelled: %w", err)
		}
		return "", false, fmt.Errorf("tool execution timeout after %v", timeout)
	}
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, d := range res.Errors() {
		msgs = append(msgs, d.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// renderOutput turns a handler's value into the text handed to the model.
// Anything that is not already text is JSON encoded.
func renderOutput(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool output: %w", err)
	}
	return string(data), nil
}

// truncateOutput cuts text to at most limit bytes without splitting a rune.
func truncateOutput(text string, limit int) (string, bool) {
	if len(text) <= limit {
		return text, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker, true
}
