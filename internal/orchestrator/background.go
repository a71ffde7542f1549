package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

const (
	titleTimeout   = 15 * time.Second
	extractTimeout = 60 * time.Second

	maxTitleLength = 80
)

// spawnPostTurn fires the post-turn tasks. They receive a snapshot of the
// state and a context detached from the turn's cancellation so they survive
// the caller hanging up right after Done.
func (o *Orchestrator) spawnPostTurn(ctx context.Context, state *models.TurnState, agent AgentConfig, firstTurn bool, userMessage string) {
	bgCtx := context.WithoutCancel(ctx)

	if firstTurn && o.repo != nil && userMessage != "" {
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			o.generateTitle(bgCtx, state.SessionID, agent, userMessage)
		}()
	}

	if o.extractor != nil {
		snapshot := state.Clone()
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			o.extractMemories(bgCtx, snapshot)
		}()
	}
}

// generateTitle asks the model for a short session title after the first
// turn. It re-reads the session so a title set concurrently is never
// clobbered. Failures are logged and forgotten.
func (o *Orchestrator) generateTitle(ctx context.Context, sessionID string, agent AgentConfig, userMessage string) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		o.logger.Debug(ctx, "title generation skipped",
			"session_id", sessionID,
			"error", err)
		return
	}
	if sess.Title != "" {
		return
	}

	resp, err := o.llm.Chat(ctx, &gateway.Request{
		Model: agent.Model,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "Produce a short title, at most six words, for the conversation that starts with the next message. Reply with the title only."},
			{Role: models.RoleUser, Content: userMessage},
		},
		Temperature: 0.3,
		MaxTokens:   32,
	})
	if err != nil {
		o.logger.Warn(ctx, "title generation failed",
			"session_id", sessionID,
			"error", err)
		return
	}

	title := sanitizeTitle(resp.Content)
	if title == "" {
		return
	}
	if err := o.repo.UpdateTitle(ctx, sessionID, title); err != nil {
		o.logger.Warn(ctx, "title update failed",
			"session_id", sessionID,
			"error", err)
		return
	}
	o.logger.Info(ctx, "session titled",
		"session_id", sessionID,
		"title", title)
}

// sanitizeTitle trims quoting and whitespace the model tends to wrap
// titles in and keeps only the first line.
func sanitizeTitle(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`")
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxTitleLength {
		s = strings.TrimSpace(string(r[:maxTitleLength]))
	}
	return s
}

// extractMemories feeds the finished turn to the memory pipeline. Errors
// are logged, never surfaced to the caller.
func (o *Orchestrator) extractMemories(ctx context.Context, snapshot *models.TurnState) {
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	atoms, err := o.extractor.ProcessAndStore(ctx, snapshot.SessionID, snapshot.UserID, snapshot.Messages)
	if err != nil {
		o.logger.Warn(ctx, "memory extraction failed",
			"session_id", snapshot.SessionID,
			"error", err)
		return
	}
	if len(atoms) > 0 {
		o.logger.Debug(ctx, "memories extracted",
			"session_id", snapshot.SessionID,
			"count", len(atoms))
	}
}
