// Package checkpoint persists turn state so a paused or crashed turn can
// resume from its last durable snapshot.
//
// One checkpoint exists per session. A save replaces the previous snapshot;
// once Save returns without error the state is durable, and a load after a
// crash returns exactly the last successful save.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/turnstonelabs/turnstone/internal/docstore"
	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// namespaceRoot prefixes every checkpoint namespace.
const namespaceRoot = "checkpoints"

// stateKey is the single document key used per session.
const stateKey = "state"

// Checkpointer stores one TurnState per session in the document store.
// Saves and loads on the same session are serialised; different sessions
// proceed independently.
type Checkpointer struct {
	store   docstore.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option adjusts checkpointer construction.
type Option func(*Checkpointer)

// WithMetrics records save durations and outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Checkpointer) {
		c.metrics = m
	}
}

// WithTracer emits a span per save.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Checkpointer) {
		c.tracer = t
	}
}

// New builds a checkpointer over the document store.
func New(store docstore.Store, logger *observability.Logger, opts ...Option) *Checkpointer {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	c := &Checkpointer{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func namespace(sessionID string) docstore.Namespace {
	return docstore.NS(namespaceRoot, sessionID)
}

// sessionLock returns the mutex guarding one session's checkpoint.
func (c *Checkpointer) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[sessionID] = lock
	}
	return lock
}

// Save durably stores state under sessionID, replacing any previous
// checkpoint for the session.
func (c *Checkpointer) Save(ctx context.Context, sessionID string, state *models.TurnState) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if state == nil {
		return fmt.Errorf("state is required")
	}

	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.TraceCheckpointSave(ctx, sessionID)
		defer span.End()
	}

	start := time.Now()
	err := docstore.PutJSON(ctx, c.store, namespace(sessionID), stateKey, state)
	duration := time.Since(start)
	if err != nil {
		if c.tracer != nil {
			c.tracer.RecordError(span, err)
		}
		c.recordSave("error", duration)
		return fmt.Errorf("%w: failed to save checkpoint: %w", docstore.ErrStorage, err)
	}

	c.recordSave("ok", duration)
	c.logger.Debug(ctx, "checkpoint saved",
		"session_id", sessionID,
		"messages", len(state.Messages),
		"iteration", state.Iteration,
		"pending_tool_calls", len(state.PendingToolCalls))
	return nil
}

// Load returns the last saved state for the session, or nil when the
// session has never been checkpointed.
func (c *Checkpointer) Load(ctx context.Context, sessionID string) (*models.TurnState, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var state models.TurnState
	err := docstore.GetJSON(ctx, c.store, namespace(sessionID), stateKey, &state)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load checkpoint: %w", docstore.ErrStorage, err)
	}
	return &state, nil
}

// Config returns the session's runner configuration in the shape downstream
// graph runtimes expect: {"configurable": {"thread_id": <session>}}.
func Config(sessionID string) map[string]any {
	return map[string]any{
		"configurable": map[string]any{
			"thread_id": sessionID,
		},
	}
}

func (c *Checkpointer) recordSave(status string, duration time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordCheckpointSave(status, duration)
}
