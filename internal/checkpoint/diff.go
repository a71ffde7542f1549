package checkpoint

import "github.com/turnstonelabs/turnstone/pkg/models"

// Delta describes how checkpoint b advanced relative to checkpoint a.
// Compression can shrink the message list between checkpoints, so
// MessagesAdded may be negative; NewMessages is populated only when b
// extends a.
type Delta struct {
	MessagesAdded  int              `json:"messages_added"`
	TokensDelta    int              `json:"tokens_delta"`
	IterationDelta int              `json:"iteration_delta"`
	NewMessages    []models.Message `json:"new_messages,omitempty"`
}

// Diff compares two checkpoints. A nil checkpoint counts as empty, so
// Diff(nil, state) reports the whole state as new.
func Diff(a, b *models.TurnState) Delta {
	var empty models.TurnState
	if a == nil {
		a = &empty
	}
	if b == nil {
		b = &empty
	}

	d := Delta{
		MessagesAdded:  len(b.Messages) - len(a.Messages),
		TokensDelta:    b.TotalTokens - a.TotalTokens,
		IterationDelta: b.Iteration - a.Iteration,
	}
	if len(b.Messages) > len(a.Messages) {
		d.NewMessages = append([]models.Message(nil), b.Messages[len(a.Messages):]...)
	}
	return d
}
