// Package memory provides hybrid long-term memory: a vector index for
// semantic recall paired with a document store for the full records, both
// isolated per session.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/turnstonelabs/turnstone/internal/docstore"
	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/internal/vectorstore"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Collection is the vector collection holding all memories.
const Collection = "memories"

// Config tunes the manager.
type Config struct {
	// Dimension of the vector collection; must match the embedding provider.
	Dimension int `yaml:"dimension"`

	// DefaultLimit applies when Search is called with limit <= 0.
	DefaultLimit int `yaml:"default_limit"`
}

func (c *Config) applyDefaults() {
	if c.Dimension <= 0 {
		c.Dimension = 1536
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 5
	}
}

// Manager coordinates the two stores. Writes go to the document store first,
// then the vector index; search treats the vector index as the source of
// truth and resolves documents through a namespace fallback chain.
type Manager struct {
	vector  vectorstore.Store
	docs    docstore.Store
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewManager builds a Manager over the given stores.
func NewManager(vector vectorstore.Store, docs docstore.Store, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Manager{vector: vector, docs: docs, cfg: cfg, logger: logger, metrics: metrics}
}

// sessionNamespace is (session_{id}, memories[, type]).
func sessionNamespace(sessionID, memoryType string) docstore.Namespace {
	ns := docstore.NS("session_"+sessionID, "memories")
	if memoryType != "" {
		ns = ns.Child(memoryType)
	}
	return ns
}

// memoryDocument is the document-store record. The session id lives in the
// namespace, not the document.
type memoryDocument struct {
	Content    string         `json:"content"`
	Type       string         `json:"type"`
	Importance float64        `json:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Setup prepares both stores.
func (m *Manager) Setup(ctx context.Context) error {
	if err := m.docs.Setup(ctx); err != nil {
		return fmt.Errorf("%w: failed to set up document store: %w", docstore.ErrStorage, err)
	}
	if err := m.vector.CreateCollection(ctx, Collection, m.cfg.Dimension); err != nil {
		return fmt.Errorf("%w: failed to create vector collection: %w", docstore.ErrStorage, err)
	}
	return nil
}

// Put stores a memory in both stores and returns its id. The write is
// two-phase: document first, vector second. A vector failure surfaces as a
// storage error; the orphaned document stays invisible to recall (search is
// vector-driven) and is reaped during later retrievals.
func (m *Manager) Put(ctx context.Context, sessionID, memoryType, content string, importance float64, metadata map[string]any) (string, error) {
	if content == "" {
		return "", fmt.Errorf("memory content is required")
	}
	if memoryType == "" {
		memoryType = "fact"
	}
	importance = models.ClampImportance(importance)
	id := uuid.NewString()

	doc := memoryDocument{
		Content:    content,
		Type:       memoryType,
		Importance: importance,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := docstore.PutJSON(ctx, m.docs, sessionNamespace(sessionID, memoryType), id, doc); err != nil {
		m.recordOp("put", "error")
		return "", fmt.Errorf("%w: failed to store memory document: %w", docstore.ErrStorage, err)
	}

	payload := map[string]any{
		"session_id":  sessionID,
		"memory_type": memoryType,
		"importance":  importance,
	}
	for k, v := range vectorstore.SanitizeMetadata(metadata) {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}

	err := m.vector.Upsert(ctx, Collection, vectorstore.Point{
		ID:       id,
		Text:     content,
		Metadata: payload,
	})
	if err != nil {
		m.recordOp("put", "error")
		return "", fmt.Errorf("%w: failed to index memory: %w", docstore.ErrStorage, err)
	}

	m.recordOp("put", "ok")
	return id, nil
}

// Search recalls memories for a session. It over-fetches twice the limit
// from the vector index, resolves each hit's document, ranks by (score,
// importance) and returns the top limit.
func (m *Manager) Search(ctx context.Context, sessionID, query string, limit int, memoryType string) ([]models.Memory, error) {
	if limit <= 0 {
		limit = m.cfg.DefaultLimit
	}
	start := time.Now()

	filter := vectorstore.Filter{"session_id": sessionID}
	if memoryType != "" {
		filter["memory_type"] = memoryType
	}
	hits, err := m.vector.Search(ctx, Collection, query, 2*limit, filter)
	if err != nil {
		m.recordOp("search", "error")
		return nil, fmt.Errorf("%w: failed to search memories: %w", docstore.ErrStorage, err)
	}

	memories := make([]models.Memory, 0, len(hits))
	for _, hit := range hits {
		mem, ok := m.resolve(ctx, sessionID, memoryType, hit)
		if !ok {
			continue
		}
		memories = append(memories, mem)
	}

	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Score != memories[j].Score {
			return memories[i].Score > memories[j].Score
		}
		return memories[i].Importance > memories[j].Importance
	})
	if len(memories) > limit {
		memories = memories[:limit]
	}

	m.recordOp("search", "ok")
	if m.metrics != nil {
		m.metrics.RecordMemorySearchDuration(time.Since(start))
	}
	return memories, nil
}

// resolve fetches the document behind a vector hit. The stored namespace
// carries the memory type, which may differ from the requested one, so the
// lookup tries the requested type, then the type recorded in the hit
// payload, then the untyped namespace.
func (m *Manager) resolve(ctx context.Context, sessionID, requestedType string, hit vectorstore.Hit) (models.Memory, bool) {
	payloadType, _ := hit.Metadata["memory_type"].(string)

	candidates := make([]docstore.Namespace, 0, 3)
	if requestedType != "" {
		candidates = append(candidates, sessionNamespace(sessionID, requestedType))
	}
	if payloadType != "" && payloadType != requestedType {
		candidates = append(candidates, sessionNamespace(sessionID, payloadType))
	}
	candidates = append(candidates, sessionNamespace(sessionID, ""))

	for _, ns := range candidates {
		var doc memoryDocument
		if err := docstore.GetJSON(ctx, m.docs, ns, hit.ID, &doc); err != nil {
			continue
		}
		if doc.Content == "" {
			continue
		}
		return models.Memory{
			ID:         hit.ID,
			SessionID:  sessionID,
			Type:       doc.Type,
			Content:    doc.Content,
			Importance: doc.Importance,
			CreatedAt:  doc.CreatedAt,
			Metadata:   doc.Metadata,
			Score:      hit.Score,
		}, true
	}

	// Dangling vector point with no document behind it. Reap it so the
	// next search does not pay the lookup again.
	m.logger.Warn(ctx, "reaping dangling memory vector", "memory_id", hit.ID)
	if err := m.vector.Delete(ctx, Collection, hit.ID); err != nil {
		m.logger.Warn(ctx, "failed to reap dangling vector", "memory_id", hit.ID, "error", err)
	}
	return models.Memory{}, false
}

// Delete removes a memory from both stores.
func (m *Manager) Delete(ctx context.Context, sessionID, id, memoryType string) error {
	if err := m.vector.Delete(ctx, Collection, id); err != nil {
		m.recordOp("delete", "error")
		return fmt.Errorf("%w: failed to delete memory vector: %w", docstore.ErrStorage, err)
	}
	if err := m.docs.Delete(ctx, sessionNamespace(sessionID, memoryType), id); err != nil {
		m.recordOp("delete", "error")
		return fmt.Errorf("%w: failed to delete memory document: %w", docstore.ErrStorage, err)
	}
	m.recordOp("delete", "ok")
	return nil
}

func (m *Manager) recordOp(op, status string) {
	if m.metrics != nil {
		m.metrics.RecordMemoryOperation(op, status)
	}
}
