package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/turnstonelabs/turnstone/internal/vectorstore/embed"
)

// PgvectorStore keeps vectors in PostgreSQL via the pgvector extension.
// Each collection maps to its own table so the vector column carries the
// collection's dimension.
type PgvectorStore struct {
	db       *sql.DB
	provider embed.Provider
	ownsDB   bool
}

var _ Store = (*PgvectorStore)(nil)

// NewPgvector connects to postgres and ensures the pgvector extension and
// the collection registry exist.
func NewPgvector(cfg Config, provider embed.Provider) (*PgvectorStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgvector backend requires a DSN")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PgvectorStore{db: db, provider: provider, ownsDB: true}
	if err := s.setup(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPgvectorWithDB wraps an existing connection; the caller keeps ownership.
func NewPgvectorWithDB(db *sql.DB, provider embed.Provider) (*PgvectorStore, error) {
	s := &PgvectorStore{db: db, provider: provider}
	if err := s.setup(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgvectorStore) setup(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vector_collections (
			name      TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize collection registry: %w", err)
	}
	return nil
}

// CreateCollection registers the collection and creates its table.
func (s *PgvectorStore) CreateCollection(ctx context.Context, name string, dim int) error {
	var existing int
	err := s.db.QueryRowContext(ctx,
		`SELECT dimension FROM vector_collections WHERE name = $1`, name,
	).Scan(&existing)
	if err == nil {
		if existing != dim {
			return fmt.Errorf("collection %q exists with dimension %d, requested %d", name, existing, dim)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	table := collectionTable(name)
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			text       TEXT NOT NULL,
			metadata   JSONB,
			embedding  vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, dim)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create collection table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO vector_collections (name, dimension) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, dim); err != nil {
		return fmt.Errorf("failed to register collection: %w", err)
	}
	return nil
}

func (s *PgvectorStore) collectionDim(ctx context.Context, name string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx,
		`SELECT dimension FROM vector_collections WHERE name = $1`, name,
	).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, ErrCollectionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up collection: %w", err)
	}
	return dim, nil
}

// Upsert inserts or replaces points, embedding any that lack vectors.
func (s *PgvectorStore) Upsert(ctx context.Context, collection string, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	dim, err := s.collectionDim(ctx, collection)
	if err != nil {
		return err
	}
	if err := embedMissing(ctx, s.provider, points); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, text, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4::vector, now())
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`, collectionTable(collection)))
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if len(p.Vector) != dim {
			return fmt.Errorf("point %s has dimension %d, collection %q wants %d", p.ID, len(p.Vector), collection, dim)
		}
		meta, err := json.Marshal(SanitizeMetadata(p.Metadata))
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Text, string(meta), encodePgVector(p.Vector)); err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// Search embeds the query and ranks by cosine similarity using the <=>
// distance operator. The filter becomes a JSONB containment predicate.
func (s *PgvectorStore) Search(ctx context.Context, collection, query string, limit int, filter Filter) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	if _, err := s.collectionDim(ctx, collection); err != nil {
		return nil, err
	}
	queryVec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT id, text, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM %s
	`, collectionTable(collection))
	args := []any{encodePgVector(queryVec)}

	if len(filter) > 0 {
		filterJSON, err := json.Marshal(SanitizeMetadata(filter))
		if err != nil {
			return nil, fmt.Errorf("failed to encode filter: %w", err)
		}
		sqlQuery += ` WHERE metadata @> $2::jsonb`
		args = append(args, string(filterJSON))
	}
	sqlQuery += fmt.Sprintf(` ORDER BY embedding <=> $1::vector ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search collection: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			hit     Hit
			metaRaw sql.NullString
		)
		if err := rows.Scan(&hit.ID, &hit.Text, &metaRaw, &hit.Score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		if metaRaw.Valid && metaRaw.String != "" {
			if err := json.Unmarshal([]byte(metaRaw.String), &hit.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", hit.ID, err)
			}
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Delete removes points by id.
func (s *PgvectorStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, collectionTable(collection)),
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Close closes the connection if this store opened it.
func (s *PgvectorStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// collectionTable maps a collection name to a safe table identifier.
func collectionTable(name string) string {
	var b strings.Builder
	b.WriteString("vs_")
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// encodePgVector renders a vector in pgvector literal form: [0.1,0.2,...]
func encodePgVector(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
