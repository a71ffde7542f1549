package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// needsApproval reports whether any call in the batch is gated by the tool
// policy. A single gated call interrupts the whole batch: partial execution
// would leave the model's tool round half answered.
func (o *Orchestrator) needsApproval(calls []models.ToolCall) bool {
	if o.registry == nil {
		return false
	}
	pol := o.registry.Policy()
	for _, call := range calls {
		if pol.Allowed(call.Name) && pol.RequiresApproval(call.Name) {
			return true
		}
	}
	return false
}

// fanOut executes a batch of tool calls in parallel. All ToolCall events
// are emitted before the first result so consumers can render the batch
// upfront; ToolResult events then arrive in completion order. The returned
// results match that order.
func (o *Orchestrator) fanOut(ctx context.Context, em *emitter, calls []models.ToolCall, approved bool) []*models.ToolResult {
	for _, call := range calls {
		em.emit(models.NewToolCallEvent(call))
	}

	sem := make(chan struct{}, o.toolWorkers)
	done := make(chan *models.ToolResult)
	for _, call := range calls {
		go func(call models.ToolCall) {
			done <- o.runTool(ctx, call, approved, sem)
		}(call)
	}

	results := make([]*models.ToolResult, 0, len(calls))
	for range calls {
		res := <-done
		em.emit(models.NewToolResultEvent(*res))
		results = append(results, res)
	}
	return results
}

// runTool executes one call under the concurrency bound. Panics and
// registry errors become failed results so a single bad tool cannot abort
// the turn.
func (o *Orchestrator) runTool(ctx context.Context, call models.ToolCall, approved bool, sem chan struct{}) (res *models.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "tool panicked",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"panic", r)
			res = &models.ToolResult{
				ToolCallID: call.ID,
				Success:    false,
				Error:      fmt.Sprintf("tool panicked: %v", r),
			}
		}
	}()

	if o.registry == nil {
		return &models.ToolResult{
			ToolCallID: call.ID,
			Success:    false,
			Error:      "no tool registry configured",
		}
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return &models.ToolResult{
			ToolCallID: call.ID,
			Success:    false,
			Error:      ctx.Err().Error(),
		}
	}

	start := time.Now()
	var (
		result *models.ToolResult
		err    error
	)
	if approved {
		result, err = o.registry.ExecuteApproved(ctx, call)
	} else {
		result, err = o.registry.Execute(ctx, call)
	}
	if err != nil {
		return &models.ToolResult{
			ToolCallID: call.ID,
			Success:    false,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}
	return result
}
