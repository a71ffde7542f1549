package tools

import "context"

// Turn identifies the conversation a tool invocation belongs to. The
// orchestrator stamps it on the context before fanning out tool calls so
// that shared tools can reach the right sandbox session.
type Turn struct {
	UserID         string
	ConversationID string
}

type turnContextKey struct{}

// WithTurn attaches turn identity to the context.
func WithTurn(ctx context.Context, turn Turn) context.Context {
	return context.WithValue(ctx, turnContextKey{}, turn)
}

// TurnFromContext retrieves turn identity from the context.
func TurnFromContext(ctx context.Context) (Turn, bool) {
	turn, ok := ctx.Value(turnContextKey{}).(Turn)
	return turn, ok
}
