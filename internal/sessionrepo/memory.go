package sessionrepo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// MemoryRepository keeps sessions and messages in process memory. Used by
// tests and by the CLI when no storage backend is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

func (r *MemoryRepository) CreateSession(ctx context.Context, userID, agentID, title string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	out := *sess
	return &out, nil
}

func (r *MemoryRepository) AddMessage(ctx context.Context, sessionID, role, content string, toolCalls []models.ToolCall, tokenCount int) (*Message, error) {
	now := time.Now().UTC()
	msg := &Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		ToolCalls:  append([]models.ToolCall(nil), toolCalls...),
		TokenCount: tokenCount,
		CreatedAt:  now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.UpdatedAt = now
	r.messages[sessionID] = append(r.messages[sessionID], msg)

	out := *msg
	return &out, nil
}

func (r *MemoryRepository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages[sessionID]), nil
}

func (r *MemoryRepository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := *sess
	return &out, nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, sessionID string, skip, limit int) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.messages[sessionID]
	if skip < 0 {
		skip = 0
	}
	if skip >= len(all) {
		return nil, nil
	}
	window := all[skip:]
	if limit > 0 && limit < len(window) {
		window = window[:limit]
	}

	out := make([]*Message, len(window))
	for i, m := range window {
		cp := *m
		cp.ToolCalls = append([]models.ToolCall(nil), m.ToolCalls...)
		out[i] = &cp
	}
	return out, nil
}

func (r *MemoryRepository) UpdateTitle(ctx context.Context, sessionID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC()
	return nil
}
