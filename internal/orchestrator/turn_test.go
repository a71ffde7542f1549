package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/turnstonelabs/turnstone/internal/checkpoint"
	"github.com/turnstonelabs/turnstone/internal/docstore"
	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/internal/sessionrepo"
	"github.com/turnstonelabs/turnstone/internal/tools"
	"github.com/turnstonelabs/turnstone/internal/tools/policy"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// chatStep is one scripted gateway exchange.
type chatStep struct {
	resp *gateway.Response
	err  error
}

type fakeLLM struct {
	mu    sync.Mutex
	steps []chatStep
	reqs  []*gateway.Request
	delay time.Duration
}

func (f *fakeLLM) Chat(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := *req
	snapshot.Messages = append([]models.Message(nil), req.Messages...)
	f.reqs = append(f.reqs, &snapshot)
	if len(f.steps) == 0 {
		return nil, errors.New("unscripted llm call")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeLLM) request(i int) *gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

func textStep(content string, tokens int) chatStep {
	return chatStep{resp: &gateway.Response{
		Content:      content,
		FinishReason: "stop",
		Usage:        gateway.Usage{TotalTokens: tokens},
	}}
}

func toolStep(tokens int, calls ...models.ToolCall) chatStep {
	return chatStep{resp: &gateway.Response{
		FinishReason: "tool_calls",
		ToolCalls:    calls,
		Usage:        gateway.Usage{TotalTokens: tokens},
	}}
}

type stubTool struct {
	name   string
	output string
	delay  time.Duration
	panics bool

	mu   sync.Mutex
	runs int
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return "stub " + s.name }
func (s *stubTool) Schema() json.RawMessage { return nil }

func (s *stubTool) Execute(ctx context.Context, _ json.RawMessage) (*models.ToolResult, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.panics {
		panic("stub exploded")
	}
	return &models.ToolResult{Success: true, Output: s.output}, nil
}

func (s *stubTool) ran() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type fakeRetriever struct {
	memories []models.Memory
	err      error

	mu      sync.Mutex
	queries []string
}

func (f *fakeRetriever) AdaptiveRetrieve(_ context.Context, _, query string, _ int) ([]models.Memory, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.memories, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{})
}

// fixture wires an orchestrator over in-memory stores with a scripted LLM.
type fixture struct {
	llm  *fakeLLM
	reg  *tools.Registry
	cp   *checkpoint.Checkpointer
	repo *sessionrepo.MemoryRepository
	orch *Orchestrator
}

func newFixture(llm *fakeLLM, pol policy.Policy, toolset []tools.Tool, opts ...Option) *fixture {
	return newFixtureWithStore(llm, docstore.NewMemory(), pol, toolset, opts...)
}

func newFixtureWithStore(llm *fakeLLM, store docstore.Store, pol policy.Policy, toolset []tools.Tool, opts ...Option) *fixture {
	logger := testLogger()
	reg := tools.NewRegistry(pol, logger)
	for _, tl := range toolset {
		reg.Register(tl)
	}
	cp := checkpoint.New(store, logger)
	repo := sessionrepo.NewMemory()
	return &fixture{
		llm:  llm,
		reg:  reg,
		cp:   cp,
		repo: repo,
		orch: New(llm, reg, cp, repo, logger, opts...),
	}
}

func (f *fixture) turn(t *testing.T, req TurnRequest) []*models.AgentEvent {
	t.Helper()
	ch, err := f.orch.Turn(context.Background(), req)
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	return drain(t, ch)
}

func drain(t *testing.T, ch <-chan *models.AgentEvent) []*models.AgentEvent {
	t.Helper()
	var events []*models.AgentEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %v", typesOf(events))
		}
	}
}

func typesOf(events []*models.AgentEvent) []models.AgentEventType {
	kinds := make([]models.AgentEventType, len(events))
	for i, ev := range events {
		kinds[i] = ev.Type
	}
	return kinds
}

func terminal(t *testing.T, events []*models.AgentEvent) *models.AgentEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	return events[len(events)-1]
}

// verifyStream checks the invariants every turn stream must satisfy:
// SessionCreated only ever first, exactly one terminal event and it comes
// last, strictly increasing sequence numbers, and every ToolResult preceded
// by its own ToolCall.
func verifyStream(t *testing.T, events []*models.AgentEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	for i, ev := range events {
		if ev.Type == models.EventSessionCreated && i != 0 {
			t.Errorf("SessionCreated at index %d, want 0", i)
		}
		if ev.Type.IsTerminal() && i != len(events)-1 {
			t.Errorf("terminal %s at index %d of %d", ev.Type, i, len(events)-1)
		}
		if i > 0 && events[i].Sequence <= events[i-1].Sequence {
			t.Errorf("sequence not increasing at index %d: %d then %d", i, events[i-1].Sequence, events[i].Sequence)
		}
	}
	if last := events[len(events)-1]; !last.Type.IsTerminal() {
		t.Errorf("last event %s is not terminal", last.Type)
	}
	announced := make(map[string]bool)
	for _, ev := range events {
		switch ev.Type {
		case models.EventToolCall:
			announced[ev.ToolCall.ID] = true
		case models.EventToolResult:
			if !announced[ev.ToolResult.ToolCallID] {
				t.Errorf("ToolResult %s has no preceding ToolCall", ev.ToolResult.ToolCallID)
			}
		}
	}
}

func indexOf(events []*models.AgentEvent, match func(*models.AgentEvent) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func TestTurnValidation(t *testing.T) {
	f := newFixture(&fakeLLM{}, policy.Policy{}, nil)

	if _, err := f.orch.Turn(context.Background(), TurnRequest{UserMessage: "hi"}); err == nil {
		t.Error("Turn() accepted a request with no model")
	}
	if _, err := f.orch.Turn(context.Background(), TurnRequest{Agent: AgentConfig{Model: "m"}}); err == nil {
		t.Error("Turn() accepted an empty message on a fresh session")
	}
}

func TestTurnFirstMessageNoTools(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{textStep("Hello!", 12)}}
	f := newFixture(llm, policy.Policy{}, nil)

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model", SystemPrompt: "You are helpful"},
	})
	verifyStream(t, events)

	want := []models.AgentEventType{
		models.EventSessionCreated,
		models.EventThinking,
		models.EventText,
		models.EventDone,
	}
	got := typesOf(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (stream %v)", i, got[i], want[i], got)
		}
	}

	if th := events[1].Thinking; th.Status != "processing" || th.Iteration != 1 {
		t.Errorf("Thinking = %+v, want processing iteration 1", th)
	}
	if events[2].Text.Content != "Hello!" {
		t.Errorf("Text.Content = %q", events[2].Text.Content)
	}
	done := events[3].Done
	if done.Content != "Hello!" || done.Iterations != 1 || done.ToolIterations != 0 {
		t.Errorf("Done = %+v", done)
	}
	if done.Termination != models.TerminationCompleted {
		t.Errorf("Termination = %q, want completed", done.Termination)
	}
	if done.TotalTokens != 12 {
		t.Errorf("TotalTokens = %d, want 12", done.TotalTokens)
	}

	sessionID := events[0].SessionCreated.SessionID
	if sessionID == "" {
		t.Fatal("SessionCreated carries no session id")
	}

	// The system prompt leads the request.
	req := llm.request(0)
	if len(req.Messages) != 2 || req.Messages[0].Role != models.RoleSystem {
		t.Fatalf("request messages = %+v", req.Messages)
	}
	if req.Messages[1].Content != "hi" {
		t.Errorf("user message = %q", req.Messages[1].Content)
	}

	// Durable state: checkpoint written before Done.
	state, err := f.cp.Load(context.Background(), sessionID)
	if err != nil || state == nil {
		t.Fatalf("Load() = %v, %v", state, err)
	}
	if len(state.Messages) != 2 || len(state.PendingToolCalls) != 0 {
		t.Errorf("checkpoint state = %+v", state)
	}

	// Mirror rows: user plus assistant.
	rows, err := f.repo.ListMessages(context.Background(), sessionID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(rows) != 2 || rows[0].Role != "user" || rows[1].Role != "assistant" {
		t.Errorf("mirrored rows = %+v", rows)
	}
}

func TestTurnSingleToolRound(t *testing.T) {
	lister := &stubTool{name: "list_dir", output: "a\nb"}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(10, models.ToolCall{ID: "t1", Name: "list_dir", Arguments: map[string]any{"path": "/"}}),
		textStep("I see a and b.", 20),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{lister})

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "list /",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"list_dir"}},
	})
	verifyStream(t, events)

	done := terminal(t, events)
	if done.Type != models.EventDone {
		t.Fatalf("terminal = %s, want Done (stream %v)", done.Type, typesOf(events))
	}
	if done.Done.ToolIterations != 1 || done.Done.Iterations != 2 {
		t.Errorf("Done = %+v, want 1 tool iteration over 2 iterations", done.Done)
	}
	if done.Done.Content != "I see a and b." {
		t.Errorf("Done.Content = %q", done.Done.Content)
	}

	callIdx := indexOf(events, func(ev *models.AgentEvent) bool { return ev.Type == models.EventToolCall })
	resultIdx := indexOf(events, func(ev *models.AgentEvent) bool { return ev.Type == models.EventToolResult })
	analyzeIdx := indexOf(events, func(ev *models.AgentEvent) bool {
		return ev.Type == models.EventThinking && ev.Thinking.Status == "analyzing"
	})
	textIdx := indexOf(events, func(ev *models.AgentEvent) bool { return ev.Type == models.EventText })
	if callIdx < 0 || resultIdx < 0 || analyzeIdx < 0 || textIdx < 0 {
		t.Fatalf("missing events in stream %v", typesOf(events))
	}
	if !(callIdx < resultIdx && resultIdx < analyzeIdx && analyzeIdx < textIdx) {
		t.Errorf("order = call %d, result %d, analyzing %d, text %d", callIdx, resultIdx, analyzeIdx, textIdx)
	}

	res := events[resultIdx].ToolResult
	if !res.Success || res.Output != "a\nb" || res.ToolCallID != "t1" {
		t.Errorf("ToolResult = %+v", res)
	}

	// The second request carries the tool result back to the model.
	req := llm.request(1)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != models.RoleTool || last.ToolCallID != "t1" || last.Content != "a\nb" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestTurnParallelTools(t *testing.T) {
	slow := &stubTool{name: "slow_tool", output: "slow", delay: 120 * time.Millisecond}
	fast := &stubTool{name: "fast_tool", output: "fast", delay: 10 * time.Millisecond}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(10,
			models.ToolCall{ID: "t1", Name: "slow_tool"},
			models.ToolCall{ID: "t2", Name: "fast_tool"},
		),
		textStep("both finished", 20),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{slow, fast})

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "run both",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"slow_tool", "fast_tool"}},
	})
	verifyStream(t, events)

	var callIdx, resultIdx []int
	var resultOrder []string
	for i, ev := range events {
		switch ev.Type {
		case models.EventToolCall:
			callIdx = append(callIdx, i)
		case models.EventToolResult:
			resultIdx = append(resultIdx, i)
			resultOrder = append(resultOrder, ev.ToolResult.ToolCallID)
		case models.EventText:
			if len(resultIdx) == 1 {
				t.Error("Text emitted between tool results")
			}
		}
	}
	if len(callIdx) != 2 || len(resultIdx) != 2 {
		t.Fatalf("tool events = %d calls, %d results", len(callIdx), len(resultIdx))
	}
	if callIdx[1] > resultIdx[0] {
		t.Errorf("second ToolCall at %d after first ToolResult at %d", callIdx[1], resultIdx[0])
	}
	if resultOrder[0] != "t2" || resultOrder[1] != "t1" {
		t.Errorf("result order = %v, want fast tool first", resultOrder)
	}
	if llm.calls() != 2 {
		t.Errorf("llm calls = %d, want 2", llm.calls())
	}
}

func TestTurnInterruptOnApprovalGate(t *testing.T) {
	dangerous := &stubTool{name: "delete_file"}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(10, models.ToolCall{ID: "t1", Name: "delete_file", Arguments: map[string]any{"path": "/tmp/x"}}),
	}}
	f := newFixture(llm, policy.Policy{RequireConfirmation: []string{"delete_file"}}, []tools.Tool{dangerous})

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "clean up",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"delete_file"}},
	})
	verifyStream(t, events)

	last := terminal(t, events)
	if last.Type != models.EventInterrupt {
		t.Fatalf("terminal = %s, want Interrupt (stream %v)", last.Type, typesOf(events))
	}
	if last.Interrupt.Reason != "approval_required" || len(last.Interrupt.ToolCalls) != 1 {
		t.Errorf("Interrupt = %+v", last.Interrupt)
	}
	for _, ev := range events {
		if ev.Type == models.EventDone || ev.Type == models.EventToolResult {
			t.Errorf("unexpected %s in interrupted stream", ev.Type)
		}
	}
	if dangerous.ran() != 0 {
		t.Errorf("gated tool ran %d times", dangerous.ran())
	}

	sessionID := events[0].SessionCreated.SessionID
	state, err := f.cp.Load(context.Background(), sessionID)
	if err != nil || state == nil {
		t.Fatalf("Load() = %v, %v", state, err)
	}
	if len(state.PendingToolCalls) != 1 || state.PendingToolCalls[0].ID != "t1" {
		t.Errorf("pending calls = %+v", state.PendingToolCalls)
	}
}

func TestTurnResumeApproved(t *testing.T) {
	dangerous := &stubTool{name: "delete_file", output: "deleted"}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(10, models.ToolCall{ID: "t1", Name: "delete_file"}),
		textStep("Gone.", 20),
	}}
	f := newFixture(llm, policy.Policy{RequireConfirmation: []string{"delete_file"}}, []tools.Tool{dangerous})

	first := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "clean up",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"delete_file"}},
	})
	if terminal(t, first).Type != models.EventInterrupt {
		t.Fatalf("first turn terminal = %s", terminal(t, first).Type)
	}
	sessionID := first[0].SessionCreated.SessionID

	second := f.turn(t, TurnRequest{
		SessionID: sessionID,
		UserID:    "u",
		Approve:   true,
		Agent:     AgentConfig{Model: "test-model", Tools: []string{"delete_file"}},
	})
	verifyStream(t, second)

	last := terminal(t, second)
	if last.Type != models.EventDone {
		t.Fatalf("resume terminal = %s (stream %v)", last.Type, typesOf(second))
	}
	if last.Done.Content != "Gone." || last.Done.ToolIterations != 1 {
		t.Errorf("Done = %+v", last.Done)
	}
	if dangerous.ran() != 1 {
		t.Errorf("approved tool ran %d times, want 1", dangerous.ran())
	}

	resultIdx := indexOf(second, func(ev *models.AgentEvent) bool { return ev.Type == models.EventToolResult })
	if resultIdx < 0 || !second[resultIdx].ToolResult.Success {
		t.Fatalf("resumed stream missing successful ToolResult: %v", typesOf(second))
	}

	state, err := f.cp.Load(context.Background(), sessionID)
	if err != nil || state == nil {
		t.Fatalf("Load() = %v, %v", state, err)
	}
	if len(state.PendingToolCalls) != 0 {
		t.Errorf("pending calls not cleared: %+v", state.PendingToolCalls)
	}
}

func TestTurnResumeRejected(t *testing.T) {
	dangerous := &stubTool{name: "delete_file"}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(10, models.ToolCall{ID: "t1", Name: "delete_file"}),
		textStep("Understood, leaving it alone.", 20),
	}}
	f := newFixture(llm, policy.Policy{RequireConfirmation: []string{"delete_file"}}, []tools.Tool{dangerous})

	first := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "clean up",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"delete_file"}},
	})
	sessionID := first[0].SessionCreated.SessionID

	second := f.turn(t, TurnRequest{
		SessionID:   sessionID,
		UserID:      "u",
		UserMessage: "no, keep it",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"delete_file"}},
	})
	verifyStream(t, second)

	if dangerous.ran() != 0 {
		t.Errorf("rejected tool ran %d times", dangerous.ran())
	}
	resultIdx := indexOf(second, func(ev *models.AgentEvent) bool { return ev.Type == models.EventToolResult })
	if resultIdx < 0 {
		t.Fatalf("no ToolResult in stream %v", typesOf(second))
	}
	res := second[resultIdx].ToolResult
	if res.Success || res.Error != "rejected by user" {
		t.Errorf("ToolResult = %+v", res)
	}

	// The model sees the rejection and the new user message, in that order.
	req := llm.request(1)
	msgs := req.Messages
	toolIdx, userIdx := -1, -1
	for i, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID == "t1" {
			toolIdx = i
		}
		if m.Role == models.RoleUser && m.Content == "no, keep it" {
			userIdx = i
		}
	}
	if toolIdx < 0 || userIdx < 0 || toolIdx > userIdx {
		t.Errorf("rejection ordering: tool at %d, user at %d in %+v", toolIdx, userIdx, msgs)
	}
	if !strings.Contains(msgs[toolIdx].Content, "rejected by user") {
		t.Errorf("tool message = %q", msgs[toolIdx].Content)
	}
}

func TestTurnToolIterationCap(t *testing.T) {
	busy := &stubTool{name: "busy_tool", output: "more"}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(10, models.ToolCall{ID: "t1", Name: "busy_tool"}),
		toolStep(10, models.ToolCall{ID: "t2", Name: "busy_tool"}),
		toolStep(10, models.ToolCall{ID: "t3", Name: "busy_tool"}),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{busy},
		WithLimits(Limits{MaxToolIterations: 2}))

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "loop forever",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"busy_tool"}},
	})
	verifyStream(t, events)

	last := terminal(t, events)
	if last.Type != models.EventDone {
		t.Fatalf("terminal = %s (stream %v)", last.Type, typesOf(events))
	}
	if last.Done.ToolIterations != 2 {
		t.Errorf("ToolIterations = %d, want 2", last.Done.ToolIterations)
	}
	if last.Done.Termination != models.TerminationToolLimit {
		t.Errorf("Termination = %q, want tool_limit", last.Done.Termination)
	}
	if busy.ran() != 2 {
		t.Errorf("tool ran %d times, want 2", busy.ran())
	}
	if llm.calls() != 3 {
		t.Errorf("llm calls = %d, want 3", llm.calls())
	}
}

func TestTurnTokenBudget(t *testing.T) {
	busy := &stubTool{name: "busy_tool"}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(150, models.ToolCall{ID: "t1", Name: "busy_tool"}),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{busy})

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model", MaxTokens: 100, Tools: []string{"busy_tool"}},
	})
	verifyStream(t, events)

	last := terminal(t, events)
	if last.Type != models.EventDone {
		t.Fatalf("terminal = %s (stream %v)", last.Type, typesOf(events))
	}
	if last.Done.Termination != models.TerminationTokenBudget {
		t.Errorf("Termination = %q, want token_budget", last.Done.Termination)
	}
	if last.Done.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150", last.Done.TotalTokens)
	}
	if busy.ran() != 0 {
		t.Errorf("tool ran %d times after budget exhaustion", busy.ran())
	}
}

func TestTurnZeroToolIterations(t *testing.T) {
	busy := &stubTool{name: "busy_tool"}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(10, models.ToolCall{ID: "t1", Name: "busy_tool"}),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{busy},
		WithLimits(Limits{MaxToolIterations: 0}))

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"busy_tool"}},
	})
	verifyStream(t, events)

	last := terminal(t, events)
	if last.Type != models.EventDone || last.Done.ToolIterations != 0 {
		t.Fatalf("terminal = %+v, want Done with no tool iterations", last)
	}
	if last.Done.Termination != models.TerminationToolLimit {
		t.Errorf("Termination = %q, want tool_limit", last.Done.Termination)
	}
	if busy.ran() != 0 {
		t.Errorf("tool ran %d times with a zero cap", busy.ran())
	}
}

func TestTurnEmptyStopResponse(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{textStep("", 5)}}
	f := newFixture(llm, policy.Policy{}, nil)

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model"},
	})
	verifyStream(t, events)

	for _, ev := range events {
		if ev.Type == models.EventText {
			t.Error("Text emitted for an empty response")
		}
	}
	last := terminal(t, events)
	if last.Type != models.EventDone || last.Done.Content != "" {
		t.Errorf("terminal = %+v, want empty Done", last)
	}
}

func TestTurnContinuesExistingSession(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{
		textStep("Hello!", 10),
		textStep("Again!", 10),
	}}
	f := newFixture(llm, policy.Policy{}, nil)
	agent := AgentConfig{Model: "test-model"}

	first := f.turn(t, TurnRequest{UserID: "u", UserMessage: "hi", Agent: agent})
	sessionID := first[0].SessionCreated.SessionID

	second := f.turn(t, TurnRequest{SessionID: sessionID, UserID: "u", UserMessage: "more", Agent: agent})
	verifyStream(t, second)

	for _, ev := range second {
		if ev.Type == models.EventSessionCreated {
			t.Error("SessionCreated emitted for an existing session")
		}
	}

	// The second request sees the checkpointed history.
	req := llm.request(1)
	var contents []string
	for _, m := range req.Messages {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "|")
	for _, want := range []string{"hi", "Hello!", "more"} {
		if !strings.Contains(joined, want) {
			t.Errorf("request missing %q: %v", want, contents)
		}
	}

	state, err := f.cp.Load(context.Background(), sessionID)
	if err != nil || state == nil {
		t.Fatalf("Load() = %v, %v", state, err)
	}
	if len(state.Messages) != 4 {
		t.Errorf("checkpointed messages = %d, want 4", len(state.Messages))
	}
	if state.Iteration != 1 {
		t.Errorf("Iteration = %d, want reset to 1 for the new turn", state.Iteration)
	}
}

func TestTurnRebuildsFromRepoWithoutCheckpoint(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{textStep("Welcome back.", 10)}}
	f := newFixture(llm, policy.Policy{}, nil)

	ctx := context.Background()
	sess, err := f.repo.CreateSession(ctx, "u", "", "old chat")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	mustAdd := func(role, content string, calls []models.ToolCall) {
		t.Helper()
		if _, err := f.repo.AddMessage(ctx, sess.ID, role, content, calls, 0); err != nil {
			t.Fatalf("AddMessage(%s) error = %v", role, err)
		}
	}
	mustAdd("user", "what is up", nil)
	mustAdd("assistant", "", []models.ToolCall{{ID: "t0", Name: "check"}})
	mustAdd("tool", "all good", nil)
	mustAdd("assistant", "not much", nil)

	events := f.turn(t, TurnRequest{
		SessionID:   sess.ID,
		UserID:      "u",
		UserMessage: "still there?",
		Agent:       AgentConfig{Model: "test-model"},
	})
	verifyStream(t, events)

	if terminal(t, events).Type != models.EventDone {
		t.Fatalf("terminal = %s", terminal(t, events).Type)
	}

	// Tool rows are dropped in the rebuild; plain text survives.
	req := llm.request(0)
	var roles []models.Role
	for _, m := range req.Messages {
		if m.Role == models.RoleTool {
			t.Errorf("tool row leaked into rebuilt history: %+v", m)
		}
		roles = append(roles, m.Role)
	}
	var joined []string
	for _, m := range req.Messages {
		joined = append(joined, m.Content)
	}
	all := strings.Join(joined, "|")
	for _, want := range []string{"what is up", "not much", "still there?"} {
		if !strings.Contains(all, want) {
			t.Errorf("rebuilt history missing %q (roles %v)", want, roles)
		}
	}
}

func TestTurnRecallInjectsMemories(t *testing.T) {
	retriever := &fakeRetriever{memories: []models.Memory{
		{ID: "m1", Content: "User prefers metric units"},
		{ID: "m2", Content: "User lives in Lisbon"},
	}}
	llm := &fakeLLM{steps: []chatStep{textStep("Noted.", 10)}}
	f := newFixture(llm, policy.Policy{}, nil, WithRetriever(retriever))

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "how far is Porto?",
		Agent:       AgentConfig{Model: "test-model", SystemPrompt: "You are helpful"},
	})
	verifyStream(t, events)

	req := llm.request(0)
	found := false
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem && strings.Contains(m.Content, "metric units") && strings.Contains(m.Content, "Lisbon") {
			found = true
		}
	}
	if !found {
		t.Errorf("memories not injected: %+v", req.Messages)
	}

	sessionID := events[0].SessionCreated.SessionID
	state, err := f.cp.Load(context.Background(), sessionID)
	if err != nil || state == nil {
		t.Fatalf("Load() = %v, %v", state, err)
	}
	if len(state.RecalledMemories) != 2 {
		t.Errorf("RecalledMemories = %d, want 2", len(state.RecalledMemories))
	}
}

func TestTurnRecallFailureIsSoft(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("vector store offline")}
	llm := &fakeLLM{steps: []chatStep{textStep("Hi.", 10)}}
	f := newFixture(llm, policy.Policy{}, nil, WithRetriever(retriever))

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model"},
	})
	verifyStream(t, events)

	if terminal(t, events).Type != models.EventDone {
		t.Errorf("terminal = %s, want Done despite recall failure", terminal(t, events).Type)
	}
}

func TestTurnReasoningPrecedesToolEvents(t *testing.T) {
	tool := &stubTool{name: "check", output: "ok"}
	llm := &fakeLLM{steps: []chatStep{
		{resp: &gateway.Response{
			ReasoningContent: "I should check first.",
			FinishReason:     "tool_calls",
			ToolCalls:        []models.ToolCall{{ID: "t1", Name: "check"}},
			Usage:            gateway.Usage{TotalTokens: 10},
		}},
		textStep("All good.", 10),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{tool})

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "check it",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"check"}},
	})
	verifyStream(t, events)

	reasonIdx := indexOf(events, func(ev *models.AgentEvent) bool {
		return ev.Type == models.EventThinking && ev.Thinking.Status == "reasoning"
	})
	callIdx := indexOf(events, func(ev *models.AgentEvent) bool { return ev.Type == models.EventToolCall })
	if reasonIdx < 0 || callIdx < 0 || reasonIdx > callIdx {
		t.Errorf("reasoning at %d, tool call at %d (stream %v)", reasonIdx, callIdx, typesOf(events))
	}
	if ev := events[reasonIdx]; ev.Thinking.Content != "I should check first." {
		t.Errorf("reasoning content = %q", ev.Thinking.Content)
	}
}
