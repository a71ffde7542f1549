package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/internal/tools/policy"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Tool call limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of encoded tool arguments (10MB).
	MaxToolParamsSize = 10 << 20
)

// ErrToolNotAvailable is returned when a call names a tool that is not
// registered or that the policy denies.
var ErrToolNotAvailable = errors.New("tool not available")

// Registry manages available tools with thread-safe registration and
// lookup, and applies the tool policy on every Execute.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	policy policy.Policy

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithMetrics counts tool executions.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithTracer emits a span per tool execution.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Registry) {
		r.tracer = t
	}
}

// NewRegistry creates a registry governed by pol.
func NewRegistry(pol policy.Policy, logger *observability.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	r := &Registry{
		tools:  make(map[string]Tool),
		policy: pol,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the registry by its name. If a tool with the
// same name already exists, it is replaced.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// SetPolicy swaps the active policy. The config watcher calls this when the
// tool lists change on disk.
func (r *Registry) SetPolicy(pol policy.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = pol
}

// Policy returns the active policy.
func (r *Registry) Policy() policy.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sortTools(tools)
	return tools
}

// Available returns the registered tools the policy allows, sorted by name.
func (r *Registry) Available() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for name, t := range r.tools {
		if r.policy.Allowed(name) {
			tools = append(tools, t)
		}
	}
	sortTools(tools)
	return tools
}

// Select resolves a list of tool names, skipping names that are unknown or
// that the policy denies. Agent configs name their tool set this way.
func (r *Registry) Select(names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok || !r.policy.Allowed(name) {
			continue
		}
		tools = append(tools, t)
	}
	return tools
}

func sortTools(tools []Tool) {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
}

// Execute runs one tool call. Malformed calls and tool-level failures come
// back as failed ToolResults so the turn can continue; ErrToolNotAvailable
// and ErrApprovalRequired come back as errors because the caller has to act
// on them.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	return r.execute(ctx, call, false)
}

// ExecuteApproved runs a call whose approval gate was already satisfied by
// a human decision, typically when resuming an interrupted turn. The deny
// list and argument validation still apply.
func (r *Registry) ExecuteApproved(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	return r.execute(ctx, call, true)
}

func (r *Registry) execute(ctx context.Context, call models.ToolCall, approved bool) (*models.ToolResult, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceToolExecution(ctx, call.Name, call.ID)
		defer span.End()
	}

	if len(call.Name) > MaxToolNameLength {
		return failedResult(call.ID, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)), nil
	}
	args := json.RawMessage(models.EncodeToolArguments(call.Arguments))
	if len(args) > MaxToolParamsSize {
		return failedResult(call.ID, fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize)), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	pol := r.policy
	r.mu.RUnlock()

	if !pol.Allowed(call.Name) {
		return nil, fmt.Errorf("%w: %s is denied by the tool policy", ErrToolNotAvailable, call.Name)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", ErrToolNotAvailable, call.Name)
	}
	if !approved && pol.RequiresApproval(call.Name) {
		return nil, fmt.Errorf("%w: %s", policy.ErrApprovalRequired, call.Name)
	}
	if err := validateArgs(tool.Schema(), args); err != nil {
		return failedResult(call.ID, "invalid arguments: "+err.Error()), nil
	}

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	elapsed := time.Since(start)

	if err == nil && result == nil {
		err = fmt.Errorf("tool %s returned no result", call.Name)
	}
	if r.metrics != nil {
		status := "success"
		if err != nil || !result.Success {
			status = "error"
		}
		r.metrics.RecordToolExecution(call.Name, status, elapsed)
	}
	if err != nil {
		r.logger.Warn(ctx, "tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err)
		return nil, err
	}

	result.ToolCallID = call.ID
	result.DurationMS = elapsed.Milliseconds()
	r.logger.Debug(ctx, "tool executed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"success", result.Success,
		"duration_ms", result.DurationMS)
	return result, nil
}

func failedResult(callID, message string) *models.ToolResult {
	return &models.ToolResult{ToolCallID: callID, Success: false, Error: message}
}
