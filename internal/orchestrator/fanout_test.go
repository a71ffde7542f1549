package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/turnstonelabs/turnstone/internal/tools"
	"github.com/turnstonelabs/turnstone/internal/tools/policy"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// errTool always fails with a plain error, never a ToolResult.
type errTool struct {
	name string
	err  error
}

func (e *errTool) Name() string            { return e.name }
func (e *errTool) Description() string     { return "erroring " + e.name }
func (e *errTool) Schema() json.RawMessage { return nil }

func (e *errTool) Execute(context.Context, json.RawMessage) (*models.ToolResult, error) {
	return nil, e.err
}

// gaugeTool records the peak number of concurrent executions it observed.
type gaugeTool struct {
	name string

	mu      sync.Mutex
	running int
	peak    int
}

func (g *gaugeTool) Name() string            { return g.name }
func (g *gaugeTool) Description() string     { return "gauge " + g.name }
func (g *gaugeTool) Schema() json.RawMessage { return nil }

func (g *gaugeTool) Execute(context.Context, json.RawMessage) (*models.ToolResult, error) {
	g.mu.Lock()
	g.running++
	if g.running > g.peak {
		g.peak = g.running
	}
	g.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	g.mu.Lock()
	g.running--
	g.mu.Unlock()
	return &models.ToolResult{Success: true, Output: "ok"}, nil
}

func (g *gaugeTool) peakSeen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func TestTurnToolPanicBecomesFailedResult(t *testing.T) {
	bomb := &stubTool{name: "detonate", panics: true}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(5, models.ToolCall{ID: "t1", Name: "detonate"}),
		textStep("Survived.", 5),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{bomb})

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "go",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"detonate"}},
	})
	verifyStream(t, events)

	if terminal(t, events).Type != models.EventDone {
		t.Fatalf("terminal = %s, want Done: a panicking tool must not kill the turn", terminal(t, events).Type)
	}
	i := indexOf(events, func(ev *models.AgentEvent) bool { return ev.Type == models.EventToolResult })
	if i < 0 {
		t.Fatal("no ToolResult event")
	}
	res := events[i].ToolResult
	if res.Success || !strings.Contains(res.Error, "tool panicked") {
		t.Errorf("ToolResult = %+v, want failed with panic message", res)
	}

	last := llm.request(1).Messages[len(llm.request(1).Messages)-1]
	if last.Role != models.RoleTool || !strings.Contains(last.Content, "tool failed:") {
		t.Errorf("tool message after panic = %+v", last)
	}
}

func TestTurnUnknownToolFailsSoft(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{
		toolStep(5, models.ToolCall{ID: "t1", Name: "ghost"}),
		textStep("Moving on.", 5),
	}}
	f := newFixture(llm, policy.Policy{}, nil)

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "go",
		Agent:       AgentConfig{Model: "test-model"},
	})
	verifyStream(t, events)

	if terminal(t, events).Type != models.EventDone {
		t.Fatalf("terminal = %s, want Done", terminal(t, events).Type)
	}
	i := indexOf(events, func(ev *models.AgentEvent) bool { return ev.Type == models.EventToolResult })
	if i < 0 {
		t.Fatal("no ToolResult event")
	}
	res := events[i].ToolResult
	if res.Success || !strings.Contains(res.Error, "not available") {
		t.Errorf("ToolResult = %+v, want tool-not-available failure", res)
	}
}

func TestTurnToolErrorBecomesFailedResult(t *testing.T) {
	broken := &errTool{name: "read_disk", err: errors.New("disk offline")}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(5, models.ToolCall{ID: "t1", Name: "read_disk"}),
		textStep("Noted.", 5),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{broken})

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "go",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"read_disk"}},
	})
	verifyStream(t, events)

	i := indexOf(events, func(ev *models.AgentEvent) bool { return ev.Type == models.EventToolResult })
	if i < 0 {
		t.Fatal("no ToolResult event")
	}
	res := events[i].ToolResult
	if res.Success || !strings.Contains(res.Error, "disk offline") {
		t.Errorf("ToolResult = %+v, want the tool's error", res)
	}

	last := llm.request(1).Messages[len(llm.request(1).Messages)-1]
	if !strings.Contains(last.Content, "disk offline") {
		t.Errorf("tool message = %q, want the failure surfaced to the model", last.Content)
	}
}

func TestTurnToolConcurrencyBound(t *testing.T) {
	gauge := &gaugeTool{name: "probe"}
	llm := &fakeLLM{steps: []chatStep{
		toolStep(5,
			models.ToolCall{ID: "t1", Name: "probe"},
			models.ToolCall{ID: "t2", Name: "probe"},
			models.ToolCall{ID: "t3", Name: "probe"},
		),
		textStep("Done.", 5),
	}}
	f := newFixture(llm, policy.Policy{}, []tools.Tool{gauge}, WithToolConcurrency(1))

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "go",
		Agent:       AgentConfig{Model: "test-model", Tools: []string{"probe"}},
	})
	verifyStream(t, events)

	if got := gauge.peakSeen(); got != 1 {
		t.Errorf("peak concurrent executions = %d, want 1", got)
	}
	results := 0
	for _, ev := range events {
		if ev.Type == models.EventToolResult {
			results++
		}
	}
	if results != 3 {
		t.Errorf("ToolResult events = %d, want 3", results)
	}
}
