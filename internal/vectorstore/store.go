// Package vectorstore provides dense-vector collections with metadata
// filtering behind a backend-neutral interface. Backends: qdrant (gRPC),
// sqlite (pure Go, in-process cosine), pgvector (postgres).
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/turnstonelabs/turnstone/internal/vectorstore/embed"
)

// ErrCollectionNotFound is returned when operating on an unknown collection.
var ErrCollectionNotFound = errors.New("vector collection not found")

// Point is one indexed entry. If Vector is nil the store embeds Text itself.
type Point struct {
	ID       string
	Text     string
	Metadata map[string]any
	Vector   []float32
}

// Hit is a search result. Score is cosine similarity in [0,1] for normalised
// embeddings; higher is better.
type Hit struct {
	ID       string
	Score    float64
	Text     string
	Metadata map[string]any
}

// Filter restricts a search to points whose payload matches every entry
// exactly. Values must be primitives.
type Filter map[string]any

// Store is the vector index contract the memory subsystem depends on.
type Store interface {
	// CreateCollection ensures a collection with the given dimension exists.
	CreateCollection(ctx context.Context, name string, dim int) error

	// Upsert inserts or replaces points. Points without vectors are embedded.
	Upsert(ctx context.Context, collection string, points ...Point) error

	// Search embeds the query and returns up to limit nearest points.
	Search(ctx context.Context, collection, query string, limit int, filter Filter) ([]Hit, error)

	// Delete removes points by id. Missing ids are ignored.
	Delete(ctx context.Context, collection string, ids ...string) error

	// Close releases resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend"` // qdrant, sqlite, pgvector

	// Dimension of stored vectors; must match the embedding provider.
	Dimension int `yaml:"dimension"`

	// SQLite backend.
	Path string `yaml:"path"`

	// Postgres backend.
	DSN string `yaml:"dsn"`

	// Qdrant backend.
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`
}

// New constructs the backend named by cfg.Backend.
func New(cfg Config, provider embed.Provider) (Store, error) {
	if cfg.Dimension <= 0 && provider != nil {
		cfg.Dimension = provider.Dimension()
	}
	switch cfg.Backend {
	case "", "sqlite":
		return NewSQLite(cfg, provider)
	case "pgvector":
		return NewPgvector(cfg, provider)
	case "qdrant":
		return NewQdrant(cfg, provider)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

// SanitizeMetadata coerces a payload down to primitive values. Strings,
// bools, nil, and numbers pass through; lists of strings (and anything else
// non-primitive) are JSON-encoded into a string field so every backend can
// index them.
func SanitizeMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch tv := v.(type) {
		case nil, string, bool,
			int, int32, int64, uint, uint32, uint64,
			float32, float64:
			out[k] = tv
		default:
			raw, err := json.Marshal(tv)
			if err != nil {
				continue
			}
			out[k] = string(raw)
		}
	}
	return out
}
