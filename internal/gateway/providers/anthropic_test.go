package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

func marshalBlock(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func TestToAnthropicSystemHoistsAndMarks(t *testing.T) {
	req := &gateway.Request{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "you are a careful analyst"},
			{Role: models.RoleUser, Content: "hello"},
			{Role: models.RoleSystem, Content: "workspace context follows"},
		},
		CachePlan: &gateway.CachePlan{SystemIndexes: []int{0}},
	}

	system := toAnthropicSystem(req)
	if len(system) != 2 {
		t.Fatalf("system blocks = %d, want 2", len(system))
	}
	if system[0].Text != "you are a careful analyst" {
		t.Errorf("first block text = %q", system[0].Text)
	}

	if !strings.Contains(marshalBlock(t, system[0]), "cache_control") {
		t.Error("marked block missing cache_control")
	}
	if strings.Contains(marshalBlock(t, system[1]), "cache_control") {
		t.Error("unmarked block carries cache_control")
	}
}

func TestToAnthropicSystemWithoutPlan(t *testing.T) {
	req := &gateway.Request{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "short prompt"},
		},
	}

	system := toAnthropicSystem(req)
	if len(system) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(system))
	}
	if strings.Contains(marshalBlock(t, system[0]), "cache_control") {
		t.Error("cache_control set without a plan")
	}
}

func TestToAnthropicMessagesMergesToolResults(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "hoisted elsewhere"},
		{Role: models.RoleUser, Content: "run both"},
		{
			Role:    models.RoleAssistant,
			Content: "running",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "execute_shell", Arguments: map[string]any{"command": "ls"}},
				{ID: "call_2", Name: "execute_python"},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "a.txt"},
		{Role: models.RoleTool, ToolCallID: "call_2", Content: "42"},
		{Role: models.RoleUser, Content: "thanks"},
	}

	out := toAnthropicMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("messages = %d, want 4", len(out))
	}

	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("message 0 role = %s", out[0].Role)
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("message 1 role = %s", out[1].Role)
	}
	if len(out[1].Content) != 3 {
		t.Fatalf("assistant blocks = %d, want text + 2 tool_use", len(out[1].Content))
	}
	if out[1].Content[1].OfToolUse == nil || out[1].Content[1].OfToolUse.Name != "execute_shell" {
		t.Errorf("second assistant block is not the execute_shell tool_use")
	}

	if out[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("tool results carried by role %s, want user", out[2].Role)
	}
	if len(out[2].Content) != 2 {
		t.Fatalf("tool result blocks = %d, want 2 in one message", len(out[2].Content))
	}
	for i, id := range []string{"call_1", "call_2"} {
		block := out[2].Content[i].OfToolResult
		if block == nil {
			t.Fatalf("block %d is not a tool_result", i)
		}
		if block.ToolUseID != id {
			t.Errorf("block %d tool_use_id = %q, want %q", i, block.ToolUseID, id)
		}
	}

	if out[3].Role != anthropic.MessageParamRoleUser || len(out[3].Content) != 1 {
		t.Errorf("trailing user message malformed: %+v", out[3])
	}
}

func TestToAnthropicMessagesNilToolArguments(t *testing.T) {
	msgs := []models.Message{
		{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "call_1", Name: "execute_shell"}},
		},
	}

	out := toAnthropicMessages(msgs)
	if len(out) != 1 || len(out[0].Content) != 1 {
		t.Fatalf("unexpected shape: %+v", out)
	}
	raw := marshalBlock(t, out[0].Content[0])
	if !strings.Contains(raw, `"input":{}`) {
		t.Errorf("nil arguments did not become an empty object: %s", raw)
	}
}

func TestToAnthropicMessagesTrailingToolResults(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "execute_shell"}}},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "done"},
	}

	out := toAnthropicMessages(msgs)
	if len(out) != 2 {
		t.Fatalf("messages = %d, want 2", len(out))
	}
	if out[1].Role != anthropic.MessageParamRoleUser || out[1].Content[0].OfToolResult == nil {
		t.Error("trailing tool result not flushed as a user message")
	}
}

func TestNormalizeAnthropicStopReason(t *testing.T) {
	cases := []struct {
		in   anthropic.StopReason
		want string
	}{
		{anthropic.StopReasonEndTurn, "stop"},
		{anthropic.StopReasonStopSequence, "stop"},
		{anthropic.StopReasonMaxTokens, "length"},
		{anthropic.StopReasonToolUse, "tool_calls"},
		{anthropic.StopReason("pause_turn"), "pause_turn"},
	}
	for _, tc := range cases {
		if got := normalizeAnthropicStopReason(tc.in); got != tc.want {
			t.Errorf("normalize(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools, err := toAnthropicTools([]gateway.ToolSpec{{
		Name:        "execute_shell",
		Description: "Run a shell command",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
	}})
	if err != nil {
		t.Fatalf("toAnthropicTools: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
	if tools[0].OfTool == nil {
		t.Fatal("missing tool definition")
	}
	if tools[0].OfTool.Name != "execute_shell" {
		t.Errorf("name = %q", tools[0].OfTool.Name)
	}
	if tools[0].OfTool.Description.Value != "Run a shell command" {
		t.Errorf("description = %q", tools[0].OfTool.Description.Value)
	}
}

func TestBuildParamsDefaults(t *testing.T) {
	p := NewAnthropicWithKey("test-key")
	params, err := p.buildParams(&gateway.Request{
		Model:       "claude-sonnet-4-20250514",
		Messages:    []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Temperature: 1.5,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.MaxTokens != 4096 {
		t.Errorf("max tokens = %d, want 4096 default", params.MaxTokens)
	}
	if params.Temperature.Value != 1 {
		t.Errorf("temperature = %v, want clamped to 1", params.Temperature.Value)
	}
}
