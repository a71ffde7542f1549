package models

// TurnState is the durable snapshot of an in-progress or completed turn.
// The checkpointer owns it; the orchestrator loads a copy, mutates it
// locally, and writes it back. PendingToolCalls is empty at every
// iteration-boundary checkpoint and non-empty only when a turn pauses for
// tool approval.
type TurnState struct {
	SessionID        string     `json:"session_id"`
	UserID           string     `json:"user_id,omitempty"`
	Messages         []Message  `json:"messages"`
	Iteration        int        `json:"iteration"`
	ToolIteration    int        `json:"tool_iteration"`
	TotalTokens      int        `json:"total_tokens"`
	PendingToolCalls []ToolCall `json:"pending_tool_calls,omitempty"`
	RecalledMemories []Memory   `json:"recalled_memories,omitempty"`
}

// Clone returns a deep enough copy for the orchestrator to mutate without
// aliasing the checkpointer's slices. Message contents are immutable strings;
// only the slice headers need copying.
func (s *TurnState) Clone() *TurnState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.PendingToolCalls = append([]ToolCall(nil), s.PendingToolCalls...)
	out.RecalledMemories = append([]Memory(nil), s.RecalledMemories...)
	return &out
}

// AppendMessage adds a message to the state.
func (s *TurnState) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
}
