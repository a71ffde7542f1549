package sessionrepo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// SQLiteConfig configures the sqlite-backed session repository.
type SQLiteConfig struct {
	// Path is the database file path. Defaults to in-memory.
	Path string
}

// SQLiteRepository is a Repository backed by a local SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database and prepares the schema.
func NewSQLite(cfg SQLiteConfig) (*SQLiteRepository, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)

	r := &SQLiteRepository{db: db}
	if err := r.Setup(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Setup creates the sessions and messages tables.
func (r *SQLiteRepository) Setup(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			tool_calls  TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CreateSession(ctx context.Context, userID, agentID, title string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, agent_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.AgentID, sess.Title, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (r *SQLiteRepository) AddMessage(ctx context.Context, sessionID, role, content string, toolCalls []models.ToolCall, tokenCount int) (*Message, error) {
	callsJSON, err := encodeToolCalls(toolCalls)
	if err != nil {
		return nil, err
	}

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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The touch doubles as the existence check.
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		now.UnixMilli(), sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, token_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, callsJSON, msg.TokenCount, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

func (r *SQLiteRepository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`,
		sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	var createdMS, updatedMS int64

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&sess.ID, &sess.UserID, &sess.AgentID, &sess.Title, &createdMS, &updatedMS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess.CreatedAt = time.UnixMilli(createdMS).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return sess, nil
}

func (r *SQLiteRepository) ListMessages(ctx context.Context, sessionID string, skip, limit int) ([]*Message, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = -1 // sqlite treats a negative limit as unbounded
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, token_count, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at, rowid
		 LIMIT ? OFFSET ?`,
		sessionID, limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var callsJSON sql.NullString
		var createdMS int64

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &callsJSON, &msg.TokenCount, &createdMS); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := decodeToolCalls(callsJSON, &msg.ToolCalls); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) UpdateTitle(ctx context.Context, sessionID, title string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC().UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
