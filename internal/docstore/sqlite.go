package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteConfig configures the sqlite-backed document store.
type SQLiteConfig struct {
	// Path is the database file path. Defaults to in-memory.
	Path string
}

// SQLiteStore is a Store backed by a local SQLite database. It uses the pure
// Go driver so binaries stay CGO-free.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database and prepares the schema.
func NewSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Setup(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Setup creates the documents table and its namespace index.
func (s *SQLiteStore) Setup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_namespace ON documents(namespace);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize document schema: %w", err)
	}
	return nil
}

// Get returns the document at (namespace, key).
func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE namespace = ? AND key = ?`,
		ns.String(), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return json.RawMessage(value), nil
}

// Put stores the document at (namespace, key).
func (s *SQLiteStore) Put(ctx context.Context, ns Namespace, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		ns.String(), key, string(value), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to put document: %w", err)
	}
	return nil
}

// Delete removes the document at (namespace, key).
func (s *SQLiteStore) Delete(ctx context.Context, ns Namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE namespace = ? AND key = ?`,
		ns.String(), key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Compact reclaims space from deleted documents.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
