package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/turnstonelabs/turnstone/internal/vectorstore/embed"
)

// SQLiteStore keeps vectors in a local SQLite database and scores cosine
// similarity in process. Suited to single-node deployments and tests; for
// large corpora use the qdrant or pgvector backends.
type SQLiteStore struct {
	db       *sql.DB
	provider embed.Provider
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (or creates) the database and prepares the schema.
func NewSQLite(cfg Config, provider embed.Provider) (*SQLiteStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, provider: provider}
	if err := s.setup(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) setup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vector_collections (
			name      TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS vector_points (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			text       TEXT NOT NULL,
			metadata   TEXT,
			embedding  BLOB NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_vector_points_collection ON vector_points(collection);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize vector schema: %w", err)
	}
	return nil
}

// CreateCollection registers a collection and its dimension. Idempotent;
// recreating with a different dimension is an error.
func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, dim int) error {
	var existing int
	err := s.db.QueryRowContext(ctx,
		`SELECT dimension FROM vector_collections WHERE name = ?`, name,
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vector_collections (name, dimension) VALUES (?, ?)`, name, dim)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) collectionDim(ctx context.Context, name string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx,
		`SELECT dimension FROM vector_collections WHERE name = ?`, name,
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
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, points ...Point) error {
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

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO vector_points (collection, id, text, metadata, embedding) VALUES (?, ?, ?, ?, ?)`)
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
		if _, err := stmt.ExecContext(ctx, collection, p.ID, p.Text, string(meta), encodeVector(p.Vector)); err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// Search embeds the query and scans the collection, scoring cosine
// similarity in process.
func (s *SQLiteStore) Search(ctx context.Context, collection, query string, limit int, filter Filter) ([]Hit, error) {
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

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, metadata, embedding FROM vector_points WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			id, text string
			metaRaw  sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&id, &text, &metaRaw, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}

		var meta map[string]any
		if metaRaw.Valid && metaRaw.String != "" {
			if err := json.Unmarshal([]byte(metaRaw.String), &meta); err != nil {
				continue
			}
		}
		if !matchesFilter(meta, filter) {
			continue
		}

		hits = append(hits, Hit{
			ID:       id,
			Score:    cosineSimilarity(queryVec, decodeVector(blob)),
			Text:     text,
			Metadata: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate points: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Delete removes points by id.
func (s *SQLiteStore) Delete(ctx context.Context, collection string, ids ...string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM vector_points WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return fmt.Errorf("failed to delete point %s: %w", id, err)
		}
	}
	return nil
}

// Compact reclaims space from deleted points.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// embedMissing fills vectors for points that arrived without one, batching
// up to the provider's limit.
func embedMissing(ctx context.Context, provider embed.Provider, points []Point) error {
	var texts []string
	var idx []int
	for i, p := range points {
		if p.Vector == nil {
			texts = append(texts, p.Text)
			idx = append(idx, i)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	if provider == nil {
		return fmt.Errorf("no embedding provider configured and %d points lack vectors", len(texts))
	}

	batch := provider.MaxBatchSize()
	if batch <= 0 {
		batch = len(texts)
	}
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := provider.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("failed to embed points: %w", err)
		}
		for j, vec := range vecs {
			points[idx[start+j]].Vector = vec
		}
	}
	return nil
}

// matchesFilter reports whether the payload satisfies every filter entry.
// Numeric values compare as float64 since metadata round-trips through JSON.
func matchesFilter(meta map[string]any, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

func looselyEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case uint:
		return float64(tv), true
	case uint32:
		return float64(tv), true
	case uint64:
		return float64(tv), true
	case float32:
		return float64(tv), true
	case float64:
		return tv, true
	default:
		return 0, false
	}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
