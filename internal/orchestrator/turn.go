package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/turnstonelabs/turnstone/internal/backoff"
	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/internal/gateway/providers"
	"github.com/turnstonelabs/turnstone/internal/sessionrepo"
	"github.com/turnstonelabs/turnstone/internal/tools"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// llmAttempts is the per-iteration call budget: the first try plus one
// retry for transient provider failures.
const llmAttempts = 2

// Thinking statuses surfaced while a turn progresses.
const (
	thinkingProcessing = "processing"
	thinkingReasoning  = "reasoning"
	thinkingAnalyzing  = "analyzing"
)

// emitter stamps sequence numbers and timestamps on events as they leave
// the turn. Events are totally ordered within a turn.
type emitter struct {
	ch  chan<- *models.AgentEvent
	seq uint64
}

func (e *emitter) emit(ev *models.AgentEvent) {
	e.seq++
	ev.Sequence = e.seq
	ev.Time = time.Now().UTC()
	e.ch <- ev
}

func (o *Orchestrator) runTurn(ctx context.Context, req TurnRequest, agent AgentConfig, events chan *models.AgentEvent) {
	defer close(events)

	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if o.limits.TotalTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.limits.TotalTimeout)
		defer cancel()
	}
	if o.tracer != nil {
		var span trace.Span
		runCtx, span = o.tracer.TraceTurn(runCtx, req.SessionID, agent.Model)
		defer span.End()
	}

	terminal := o.execute(runCtx, req, agent, &emitter{ch: events})
	if o.metrics != nil {
		o.metrics.RecordTurn(terminal, time.Since(start))
	}
}

// execute walks the turn state machine and returns the terminal kind for
// metrics: "done", "interrupt", or "error".
func (o *Orchestrator) execute(ctx context.Context, req TurnRequest, agent AgentConfig, em *emitter) string {
	state, isNew, err := o.loadState(ctx, req)
	if err != nil {
		return o.fail(ctx, em, req.SessionID, &TurnError{Phase: PhaseLoadState, Cause: err})
	}
	if isNew {
		em.emit(models.NewSessionCreatedEvent(state.SessionID))
	}

	// Everything at or past this index is new this turn and gets mirrored
	// into the session repository at persist time.
	persistFrom := len(state.Messages)
	firstTurn := isNew || persistFrom == 0

	turnCtx := tools.WithTurn(ctx, tools.Turn{
		UserID:         state.UserID,
		ConversationID: state.SessionID,
	})

	// A checkpoint with pending tool calls means the previous turn paused
	// on an Interrupt; settle those calls before anything else.
	if pending := state.PendingToolCalls; len(pending) > 0 {
		state.PendingToolCalls = nil
		if req.Approve {
			results := o.fanOut(turnCtx, em, pending, true)
			o.appendToolResults(state, results)
		} else {
			o.rejectPending(em, state, pending)
		}
		state.ToolIteration++
		em.emit(models.NewThinkingEvent(thinkingAnalyzing, state.Iteration, ""))
	}

	if o.retriever != nil && req.UserMessage != "" {
		memories, err := o.retriever.AdaptiveRetrieve(turnCtx, state.SessionID, req.UserMessage, o.recallK)
		if err != nil {
			// Recall is best effort; the turn proceeds without memories.
			o.logger.Warn(turnCtx, "memory recall failed",
				"session_id", state.SessionID,
				"error", err)
		} else {
			state.RecalledMemories = memories
		}
	}

	if req.UserMessage != "" {
		state.AppendMessage(models.Message{Role: models.RoleUser, Content: req.UserMessage})
	}

	var (
		finalContent   string
		finalReasoning string
		termination    models.Termination
	)

	for {
		if err := turnCtx.Err(); err != nil {
			return o.fail(turnCtx, em, state.SessionID, &TurnError{Phase: PhaseCallLLM, Iteration: state.Iteration, Cause: err})
		}
		if state.Iteration >= agent.MaxIterations {
			o.logger.Warn(turnCtx, "iteration cap reached",
				"session_id", state.SessionID,
				"max_iterations", agent.MaxIterations)
			termination = models.TerminationToolLimit
			break
		}

		state.Iteration++
		em.emit(models.NewThinkingEvent(thinkingProcessing, state.Iteration, ""))

		resp, err := o.callLLM(turnCtx, agent, state)
		if err != nil {
			return o.fail(turnCtx, em, state.SessionID, &TurnError{Phase: PhaseCallLLM, Iteration: state.Iteration, Cause: err})
		}
		state.TotalTokens += resp.Usage.TotalTokens

		if resp.ReasoningContent != "" {
			em.emit(models.NewThinkingEvent(thinkingReasoning, state.Iteration, resp.ReasoningContent))
		}
		if resp.Content != "" {
			em.emit(models.NewTextEvent(resp.Content))
		}

		state.AppendMessage(models.Message{
			Role:             models.RoleAssistant,
			Content:          resp.Content,
			ToolCalls:        resp.ToolCalls,
			ReasoningContent: resp.ReasoningContent,
		})
		finalContent, finalReasoning = resp.Content, resp.ReasoningContent

		if state.TotalTokens > agent.MaxTokens {
			o.logger.Warn(turnCtx, "token budget exceeded",
				"session_id", state.SessionID,
				"total_tokens", state.TotalTokens,
				"max_tokens", agent.MaxTokens)
			termination = models.TerminationTokenBudget
			break
		}
		if len(resp.ToolCalls) == 0 {
			termination = models.TerminationCompleted
			break
		}
		if state.ToolIteration >= o.limits.MaxToolIterations {
			o.logger.Warn(turnCtx, "tool iteration cap reached",
				"session_id", state.SessionID,
				"tool_iterations", state.ToolIteration,
				"cap", o.limits.MaxToolIterations)
			termination = models.TerminationToolLimit
			break
		}

		if o.needsApproval(resp.ToolCalls) {
			return o.interruptTurn(turnCtx, em, state, resp.ToolCalls, persistFrom)
		}

		results := o.fanOut(turnCtx, em, resp.ToolCalls, false)
		o.appendToolResults(state, results)
		state.ToolIteration++
		em.emit(models.NewThinkingEvent(thinkingAnalyzing, state.Iteration, ""))
	}

	o.mirrorMessages(turnCtx, state, persistFrom)
	if err := o.saveCheckpoint(turnCtx, state); err != nil {
		return o.fail(turnCtx, em, state.SessionID, &TurnError{Phase: PhasePersist, Iteration: state.Iteration, Cause: err})
	}

	em.emit(models.NewDoneEvent(models.DoneEvent{
		Content:          finalContent,
		ReasoningContent: finalReasoning,
		Iterations:       state.Iteration,
		ToolIterations:   state.ToolIteration,
		TotalTokens:      state.TotalTokens,
		Termination:      termination,
	}))

	o.spawnPostTurn(turnCtx, state, agent, firstTurn, req.UserMessage)
	return "done"
}

// loadState resolves the turn's starting state. Precedence: a fresh session
// when no id was given, then the checkpoint, then a rebuild from the session
// repository, then a blank state under the caller's id.
func (o *Orchestrator) loadState(ctx context.Context, req TurnRequest) (*models.TurnState, bool, error) {
	if req.SessionID == "" {
		state := &models.TurnState{UserID: req.UserID}
		if o.repo != nil {
			sess, err := o.repo.CreateSession(ctx, req.UserID, req.Agent.Name, "")
			if err == nil {
				state.SessionID = sess.ID
				return state, true, nil
			}
			o.logger.Warn(ctx, "session row creation failed, continuing with generated id", "error", err)
		}
		state.SessionID = uuid.NewString()
		return state, true, nil
	}

	state, err := o.checkpointLoad(ctx, req.SessionID)
	if err != nil {
		return nil, false, err
	}
	if state != nil {
		if state.UserID == "" {
			state.UserID = req.UserID
		}
		if len(state.PendingToolCalls) == 0 {
			// A fresh turn on an existing session restarts the per-turn
			// counters and recalls memory anew. A pending interrupt keeps
			// them: that turn is continuing where it paused.
			state.Iteration = 0
			state.ToolIteration = 0
			state.TotalTokens = 0
			state.RecalledMemories = nil
		}
		return state, false, nil
	}

	// No checkpoint. Rebuild plain conversation text from the repository
	// mirror when it knows the session; tool plumbing is not recoverable
	// from mirror rows and is dropped.
	state = &models.TurnState{SessionID: req.SessionID, UserID: req.UserID}
	if o.repo == nil {
		return state, false, nil
	}
	if _, err := o.repo.GetSession(ctx, req.SessionID); err != nil {
		if !errors.Is(err, sessionrepo.ErrSessionNotFound) {
			o.logger.Warn(ctx, "session lookup failed",
				"session_id", req.SessionID,
				"error", err)
		}
		return state, false, nil
	}
	rows, err := o.repo.ListMessages(ctx, req.SessionID, 0, 0)
	if err != nil {
		o.logger.Warn(ctx, "history rebuild failed",
			"session_id", req.SessionID,
			"error", err)
		return state, false, nil
	}
	for _, row := range rows {
		role := models.Role(row.Role)
		if role == models.RoleTool || row.Content == "" {
			continue
		}
		state.Messages = append(state.Messages, models.Message{Role: role, Content: row.Content})
	}
	return state, false, nil
}

func (o *Orchestrator) checkpointLoad(ctx context.Context, sessionID string) (*models.TurnState, error) {
	if o.checkpoints == nil {
		return nil, nil
	}
	return o.checkpoints.Load(ctx, sessionID)
}

// callLLM issues one chat completion, retrying once on transient provider
// failures within the same iteration.
func (o *Orchestrator) callLLM(ctx context.Context, agent AgentConfig, state *models.TurnState) (*gateway.Response, error) {
	req := &gateway.Request{
		Model:       agent.Model,
		Messages:    o.buildPrompt(ctx, agent, state),
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
		Tools:       o.toolSpecs(agent.Tools),
	}
	return backoff.RetryValue(ctx, backoff.LLMPolicy(), llmAttempts, providers.IsRetryable, func(int) (*gateway.Response, error) {
		return o.llm.Chat(ctx, req)
	})
}

// buildPrompt assembles the request messages: the agent's system prompt,
// recalled memories as a second system message, then the (possibly
// compressed) conversation history. State messages are never mutated; the
// compressed view exists only for the request.
func (o *Orchestrator) buildPrompt(ctx context.Context, agent AgentConfig, state *models.TurnState) []models.Message {
	history := state.Messages
	if o.compressor != nil {
		history = o.compressor.Compress(ctx, history, o.limits.HistoryBudget, state.RecalledMemories).Messages
	}

	prompt := make([]models.Message, 0, len(history)+2)
	if agent.SystemPrompt != "" {
		prompt = append(prompt, models.Message{Role: models.RoleSystem, Content: agent.SystemPrompt})
	}
	if len(state.RecalledMemories) > 0 {
		prompt = append(prompt, models.Message{Role: models.RoleSystem, Content: memoryPreamble(state.RecalledMemories)})
	}
	return append(prompt, history...)
}

func memoryPreamble(memories []models.Memory) string {
	var b strings.Builder
	b.WriteString("Relevant memories from earlier conversations:")
	for _, m := range memories {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(m.Content))
	}
	return b.String()
}

// toolSpecs converts the agent's tool selection into gateway specs. Tools
// without a schema advertise an open object so providers accept them.
func (o *Orchestrator) toolSpecs(names []string) []gateway.ToolSpec {
	if o.registry == nil || len(names) == 0 {
		return nil
	}
	selected := o.registry.Select(names)
	specs := make([]gateway.ToolSpec, 0, len(selected))
	for _, t := range selected {
		params := map[string]any{"type": "object"}
		if raw := t.Schema(); len(raw) > 0 {
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				params = decoded
			}
		}
		specs = append(specs, gateway.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  params,
		})
	}
	return specs
}

func (o *Orchestrator) appendToolResults(state *models.TurnState, results []*models.ToolResult) {
	for _, res := range results {
		state.AppendMessage(toolResultMessage(res))
	}
}

func toolResultMessage(res *models.ToolResult) models.Message {
	content := res.Output
	if !res.Success {
		content = "tool failed: " + res.Error
	}
	return models.Message{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: res.ToolCallID,
	}
}

// rejectPending settles checkpointed tool calls the user declined. Each
// call is surfaced with a failed result so the stream and the model both
// see the rejection.
func (o *Orchestrator) rejectPending(em *emitter, state *models.TurnState, pending []models.ToolCall) {
	for _, call := range pending {
		em.emit(models.NewToolCallEvent(call))
		res := &models.ToolResult{
			ToolCallID: call.ID,
			Success:    false,
			Error:      "rejected by user",
		}
		em.emit(models.NewToolResultEvent(*res))
		state.AppendMessage(toolResultMessage(res))
	}
}

// interruptTurn pauses the turn for human approval. The checkpoint with the
// pending calls is saved before the Interrupt event so a crash after the
// emit still resumes correctly.
func (o *Orchestrator) interruptTurn(ctx context.Context, em *emitter, state *models.TurnState, pending []models.ToolCall, persistFrom int) string {
	state.PendingToolCalls = pending

	o.mirrorMessages(ctx, state, persistFrom)
	if err := o.saveCheckpoint(ctx, state); err != nil {
		return o.fail(ctx, em, state.SessionID, &TurnError{Phase: PhasePersist, Iteration: state.Iteration, Cause: err})
	}

	names := make([]string, len(pending))
	for i, call := range pending {
		names[i] = call.Name
	}
	o.logger.Info(ctx, "turn interrupted for approval",
		"session_id", state.SessionID,
		"tools", strings.Join(names, ","))

	em.emit(models.NewInterruptEvent("approval_required", pending,
		fmt.Sprintf("approval required for %s", strings.Join(names, ", "))))
	return "interrupt"
}

// saveCheckpoint persists the turn state, retrying once. A second failure
// is fatal to the turn: without a durable checkpoint the terminal event
// must not promise progress that would be lost.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, state *models.TurnState) error {
	if o.checkpoints == nil {
		return nil
	}
	return backoff.Retry(ctx, backoff.DefaultPolicy(), 2, nil, func(int) error {
		return o.checkpoints.Save(ctx, state.SessionID, state)
	})
}

// mirrorMessages copies this turn's new messages into the session
// repository. The checkpoint is the durable state of record; mirror
// failures are logged and never fail the turn.
func (o *Orchestrator) mirrorMessages(ctx context.Context, state *models.TurnState, from int) {
	if o.repo == nil || from >= len(state.Messages) {
		return
	}
	for _, msg := range state.Messages[from:] {
		count := 0
		if o.counter != nil {
			count = o.counter.Count(msg.Content)
		}
		if _, err := o.repo.AddMessage(ctx, state.SessionID, string(msg.Role), msg.Content, msg.ToolCalls, count); err != nil {
			o.logger.Warn(ctx, "session mirror write failed",
				"session_id", state.SessionID,
				"role", string(msg.Role),
				"error", err)
			return
		}
	}
}

// fail emits the single terminal Error event for the turn.
func (o *Orchestrator) fail(ctx context.Context, em *emitter, sessionID string, terr *TurnError) string {
	o.logger.Error(ctx, "turn failed",
		"session_id", sessionID,
		"phase", string(terr.Phase),
		"iteration", terr.Iteration,
		"error", terr.Cause)
	if o.metrics != nil {
		o.metrics.RecordError("orchestrator", string(terr.Phase))
	}
	em.emit(models.NewErrorEvent(terminalMessage(ctx, terr.Cause), sessionID))
	return "error"
}

// terminalMessage maps internal failures to the user-visible error text.
// Deadline and cancellation get stable wording; everything else surfaces
// the underlying message.
func terminalMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "execution timed out"
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}
