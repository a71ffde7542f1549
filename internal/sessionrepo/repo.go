// Package sessionrepo persists conversation rows and their messages.
//
// The orchestrator's durable turn state lives in the checkpointer; this
// package is the queryable record behind it: one row per session, one row
// per message, paginated reads for UIs and the background title task. Three
// implementations ship with the repo: an in-memory store for tests and
// development, a sqlite store for single-node deployments, and a postgres
// store for shared ones.
package sessionrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// ErrSessionNotFound is returned when an operation references a session id
// that does not exist in the repository.
var ErrSessionNotFound = errors.New("session not found")

// Session is one conversation row.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored conversation message. ToolCalls is populated only
// for assistant messages that requested tools.
type Message struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	TokenCount int               `json:"token_count"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Repository stores sessions and their messages.
type Repository interface {
	// CreateSession inserts a new session row. agentID and title may be empty.
	CreateSession(ctx context.Context, userID, agentID, title string) (*Session, error)

	// AddMessage appends a message to a session and bumps the session's
	// updated_at. Returns ErrSessionNotFound if the session does not exist.
	AddMessage(ctx context.Context, sessionID, role, content string, toolCalls []models.ToolCall, tokenCount int) (*Message, error)

	// CountMessages returns the number of messages stored for a session.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// GetSession returns a session by id, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// ListMessages returns messages in chronological order, skipping the
	// first skip rows. A limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, skip, limit int) ([]*Message, error)

	// UpdateTitle sets the session title. Returns ErrSessionNotFound if the
	// session does not exist.
	UpdateTitle(ctx context.Context, sessionID, title string) error
}

// encodeToolCalls serialises tool calls for a SQL column. Empty slices map
// to NULL so rows without tool calls stay cheap to scan.
func encodeToolCalls(calls []models.ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	return string(data), nil
}

func decodeToolCalls(raw sql.NullString, out *[]models.ToolCall) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), out); err != nil {
		return fmt.Errorf("failed to unmarshal tool calls: %w", err)
	}
	return nil
}
