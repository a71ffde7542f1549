package models

import "testing"

func TestTurnState_Clone(t *testing.T) {
	orig := &TurnState{
		SessionID:   "sess-1",
		UserID:      "user-1",
		Iteration:   3,
		TotalTokens: 512,
		Messages: []Message{
			{Role: RoleSystem, Content: "be helpful"},
			{Role: RoleUser, Content: "hi"},
		},
		PendingToolCalls: []ToolCall{{ID: "tc-1", Name: "search"}},
	}

	clone := orig.Clone()
	clone.AppendMessage(Message{Role: RoleAssistant, Content: "hello"})
	clone.PendingToolCalls = clone.PendingToolCalls[:0]

	if len(orig.Messages) != 2 {
		t.Errorf("original Messages length = %d after clone mutation, want 2", len(orig.Messages))
	}
	if len(orig.PendingToolCalls) != 1 {
		t.Errorf("original PendingToolCalls length = %d, want 1", len(orig.PendingToolCalls))
	}
	if clone.SessionID != orig.SessionID {
		t.Errorf("clone SessionID = %q, want %q", clone.SessionID, orig.SessionID)
	}
	if len(clone.Messages) != 3 {
		t.Errorf("clone Messages length = %d, want 3", len(clone.Messages))
	}
}

func TestTurnState_CloneNil(t *testing.T) {
	var s *TurnState
	if s.Clone() != nil {
		t.Error("Clone of nil state should be nil")
	}
}
