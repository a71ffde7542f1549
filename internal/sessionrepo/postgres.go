package sessionrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// PostgresConfig holds connection settings for the postgres repository.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default connection settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "turnstone",
		Password:        "",
		Database:        "turnstone",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresRepository is a Repository backed by PostgreSQL.
type PostgresRepository struct {
	db *sql.DB

	// Prepared statements for the hot path
	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtUpdateTitle   *sql.Stmt
	stmtInsertMessage *sql.Stmt
	stmtCountMessages *sql.Stmt
	stmtListMessages  *sql.Stmt
}

// NewPostgres connects using the given config and prepares the repository.
func NewPostgres(cfg *PostgresConfig) (*PostgresRepository, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password,
		cfg.Database, cfg.SSLMode, int(cfg.ConnectTimeout.Seconds()),
	)

	return newPostgresWithDSN(dsn, cfg)
}

// NewPostgresFromDSN connects using a raw DSN or URL.
func NewPostgresFromDSN(dsn string, cfg *PostgresConfig) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}
	return newPostgresWithDSN(dsn, cfg)
}

func newPostgresWithDSN(dsn string, cfg *PostgresConfig) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &PostgresRepository{db: db}
	if err := r.Setup(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := r.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return r, nil
}

// Setup creates the sessions and messages tables.
func (r *PostgresRepository) Setup(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			tool_calls  JSONB,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) prepareStatements() error {
	var err error

	r.stmtCreateSession, err = r.db.Prepare(`
		INSERT INTO sessions (id, user_id, agent_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create session: %w", err)
	}

	r.stmtGetSession, err = r.db.Prepare(`
		SELECT id, user_id, agent_id, title, created_at, updated_at
		FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get session: %w", err)
	}

	r.stmtUpdateTitle, err = r.db.Prepare(`
		UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update title: %w", err)
	}

	r.stmtInsertMessage, err = r.db.Prepare(`
		INSERT INTO messages (id, session_id, role, content, tool_calls, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert message: %w", err)
	}

	r.stmtCountMessages, err = r.db.Prepare(`
		SELECT COUNT(*) FROM messages WHERE session_id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare count messages: %w", err)
	}

	r.stmtListMessages, err = r.db.Prepare(`
		SELECT id, session_id, role, content, tool_calls, token_count, created_at
		FROM messages WHERE session_id = $1
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list messages: %w", err)
	}

	return nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, userID, agentID, title string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.stmtCreateSession.ExecContext(ctx,
		sess.ID, sess.UserID, sess.AgentID, sess.Title, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// AddMessage wraps the message insert and the session timestamp update in one
// transaction so the two rows cannot drift apart.
func (r *PostgresRepository) AddMessage(ctx context.Context, sessionID, role, content string, toolCalls []models.ToolCall, tokenCount int) (*Message, error) {
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
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	// The touch doubles as the existence check.
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, now, sessionID)
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

	_, err = tx.StmtContext(ctx, r.stmtInsertMessage).ExecContext(ctx,
		msg.ID, msg.SessionID, msg.Role, msg.Content, callsJSON, msg.TokenCount, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

func (r *PostgresRepository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := r.stmtCountMessages.QueryRowContext(ctx, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	err := r.stmtGetSession.QueryRowContext(ctx, sessionID).Scan(
		&sess.ID, &sess.UserID, &sess.AgentID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, sessionID string, skip, limit int) ([]*Message, error) {
	if skip < 0 {
		skip = 0
	}
	// LIMIT NULL means no limit in postgres.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.stmtListMessages.QueryContext(ctx, sessionID, limitArg, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var callsJSON []byte

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &callsJSON, &msg.TokenCount, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(callsJSON) > 0 && string(callsJSON) != "null" {
			if err := json.Unmarshal(callsJSON, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdateTitle(ctx context.Context, sessionID, title string) error {
	res, err := r.stmtUpdateTitle.ExecContext(ctx, title, time.Now().UTC(), sessionID)
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

// Close closes the prepared statements and the database connection.
func (r *PostgresRepository) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		r.stmtCreateSession,
		r.stmtGetSession,
		r.stmtUpdateTitle,
		r.stmtInsertMessage,
		r.stmtCountMessages,
		r.stmtListMessages,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := r.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing repository: %v", errs)
	}
	return nil
}
