package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAgentEventType_IsTerminal(t *testing.T) {
	tests := []struct {
		typ  AgentEventType
		want bool
	}{
		{EventSessionCreated, false},
		{EventThinking, false},
		{EventToolCall, false},
		{EventToolResult, false},
		{EventText, false},
		{EventTitleUpdated, false},
		{EventSessionRecreated, false},
		{EventDone, true},
		{EventInterrupt, true},
		{EventError, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentEvent_MarshalEnvelope(t *testing.T) {
	ev := NewDoneEvent(DoneEvent{
		Content:        "done",
		Iterations:     2,
		ToolIterations: 1,
		TotalTokens:    345,
		Termination:    TerminationCompleted,
	})
	ev.Sequence = 7
	ev.Time = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal envelope error: %v", err)
	}

	if env.Type != "Done" {
		t.Errorf("type = %q, want %q", env.Type, "Done")
	}
	if env.Data["content"] != "done" {
		t.Errorf("data.content = %v, want %q", env.Data["content"], "done")
	}
	if env.Data["total_tokens"] != float64(345) {
		t.Errorf("data.total_tokens = %v, want 345", env.Data["total_tokens"])
	}
	if env.Data["seq"] != float64(7) {
		t.Errorf("data.seq = %v, want 7", env.Data["seq"])
	}
	if env.Data["termination"] != "completed" {
		t.Errorf("data.termination = %v, want %q", env.Data["termination"], "completed")
	}
}

func TestAgentEvent_RoundTrip(t *testing.T) {
	events := []*AgentEvent{
		NewSessionCreatedEvent("sess-1"),
		NewThinkingEvent("reasoning", 1, "pondering"),
		NewToolCallEvent(ToolCall{ID: "tc-1", Name: "execute_shell", Arguments: map[string]any{"command": "ls"}}),
		NewToolResultEvent(ToolResult{ToolCallID: "tc-1", Success: true, Output: "file.txt", DurationMS: 12}),
		NewTextEvent("hello"),
		NewTitleUpdatedEvent("sess-1", "Listing files"),
		NewSessionRecreatedEvent("previous environment was cleaned up", &SessionSummary{
			LastSessionID:     "old-1",
			CleanupReason:     "idle_timeout",
			InstalledPackages: []string{"requests"},
		}),
		NewInterruptEvent("approval_required", []ToolCall{{ID: "tc-2", Name: "execute_shell"}}, "execute_shell needs approval"),
		NewErrorEvent("boom", "sess-1"),
	}

	for _, original := range events {
		t.Run(string(original.Type), func(t *testing.T) {
			raw, err := json.Marshal(original)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}

			var decoded AgentEvent
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if decoded.Type != original.Type {
				t.Fatalf("Type = %q, want %q", decoded.Type, original.Type)
			}
		})
	}
}

func TestAgentEvent_RoundTripPayloads(t *testing.T) {
	tc := NewToolCallEvent(ToolCall{ID: "tc-9", Name: "search", Arguments: map[string]any{"q": "go"}})
	raw, err := json.Marshal(tc)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var decoded AgentEvent
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.ToolCall == nil {
		t.Fatal("ToolCall payload is nil after round trip")
	}
	if decoded.ToolCall.ID != "tc-9" {
		t.Errorf("ToolCall.ID = %q, want %q", decoded.ToolCall.ID, "tc-9")
	}
	if decoded.ToolCall.Args["q"] != "go" {
		t.Errorf("ToolCall.Args[q] = %v, want %q", decoded.ToolCall.Args["q"], "go")
	}

	ir := NewInterruptEvent("approval_required", []ToolCall{{ID: "tc-2", Name: "rmrf"}}, "")
	raw, err = json.Marshal(ir)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	decoded = AgentEvent{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Interrupt == nil {
		t.Fatal("Interrupt payload is nil after round trip")
	}
	if len(decoded.Interrupt.ToolCalls) != 1 || decoded.Interrupt.ToolCalls[0].Name != "rmrf" {
		t.Errorf("Interrupt.ToolCalls = %+v, want one call named rmrf", decoded.Interrupt.ToolCalls)
	}
}

func TestAgentEvent_UnknownDataFieldsIgnored(t *testing.T) {
	raw := []byte(`{"type":"Text","data":{"content":"hi","future_field":42}}`)

	var decoded AgentEvent
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Text == nil || decoded.Text.Content != "hi" {
		t.Errorf("Text = %+v, want content %q", decoded.Text, "hi")
	}
}
