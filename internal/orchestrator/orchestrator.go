// Package orchestrator drives one agent turn end to end: load prior state,
// recall long-term memory, call the model, run tool calls, persist, and
// stream ordered events to the caller.
//
// The orchestrator is safe for concurrent use across sessions. Turns within
// one session must be serialised by the caller; the checkpointer assumes at
// most one writer per session at a time.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/turnstonelabs/turnstone/internal/checkpoint"
	"github.com/turnstonelabs/turnstone/internal/compress"
	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/internal/sessionrepo"
	"github.com/turnstonelabs/turnstone/internal/tokens"
	"github.com/turnstonelabs/turnstone/internal/tools"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

const (
	// eventBufferSize bounds how far a turn can run ahead of a slow reader.
	eventBufferSize = 64

	defaultMaxIterations   = 10
	defaultMaxTokens       = 8192
	defaultToolConcurrency = 5
	defaultRecallLimit     = 5
)

// Completer is the slice of the LLM gateway the orchestrator calls.
type Completer interface {
	Chat(ctx context.Context, req *gateway.Request) (*gateway.Response, error)
}

// Retriever recalls long-term memories relevant to the incoming message.
type Retriever interface {
	AdaptiveRetrieve(ctx context.Context, sessionID, query string, k int) ([]models.Memory, error)
}

// Extractor ingests a finished turn into long-term memory.
type Extractor interface {
	ProcessAndStore(ctx context.Context, sessionID, userID string, messages []models.Message) ([]models.MemoryAtom, error)
}

// AgentConfig describes the agent a turn runs as.
type AgentConfig struct {
	Name         string  `json:"name,omitempty"`
	Model        string  `json:"model"`
	Temperature  float32 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`

	// Tools names the registry tools exposed to the model this turn.
	Tools []string `json:"tools,omitempty"`

	// MaxIterations caps LLM calls within one turn.
	MaxIterations int `json:"max_iterations,omitempty"`
}

func sanitizeAgentConfig(cfg AgentConfig) AgentConfig {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return cfg
}

// Limits bound every turn regardless of the agent configuration.
type Limits struct {
	// MaxToolIterations caps rounds of tool execution per turn. Zero
	// disables tool rounds entirely.
	MaxToolIterations int

	// TotalTimeout is the wall-clock deadline for the whole turn,
	// covering every LLM call, tool call, and store write.
	TotalTimeout time.Duration

	// HistoryBudget is the token budget handed to the history compressor.
	HistoryBudget int
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxToolIterations: 10,
		TotalTimeout:      5 * time.Minute,
		HistoryBudget:     8192,
	}
}

// TurnRequest is one inbound user turn.
type TurnRequest struct {
	// SessionID selects the conversation. Empty starts a new session.
	SessionID string

	// UserID attributes the turn and scopes extracted memories.
	UserID string

	// UserMessage is the inbound text. It may be empty only when resuming
	// an interrupted session.
	UserMessage string

	// Agent selects the model, tools, and prompt for this turn.
	Agent AgentConfig

	// Approve resolves a pending interrupt: true executes the
	// checkpointed tool calls, false rejects them. Ignored when the
	// session has nothing pending.
	Approve bool
}

// Orchestrator runs agent turns.
type Orchestrator struct {
	llm         Completer
	registry    *tools.Registry
	checkpoints *checkpoint.Checkpointer
	repo        sessionrepo.Repository
	logger      *observability.Logger

	metrics    *observability.Metrics
	tracer     *observability.Tracer
	compressor *compress.Compressor
	counter    *tokens.Counter
	retriever  Retriever
	extractor  Extractor

	limits      Limits
	toolWorkers int
	recallK     int

	bg sync.WaitGroup
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics enables turn, tool, and error metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer enables per-turn spans.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithCompressor enables history compression during prompt assembly.
func WithCompressor(c *compress.Compressor) Option {
	return func(o *Orchestrator) { o.compressor = c }
}

// WithTokenCounter enables per-message token counts on mirrored rows.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

// WithRetriever enables long-term memory recall before the first LLM call.
func WithRetriever(r Retriever) Option {
	return func(o *Orchestrator) { o.retriever = r }
}

// WithExtractor enables post-turn memory extraction.
func WithExtractor(e Extractor) Option {
	return func(o *Orchestrator) { o.extractor = e }
}

// WithLimits replaces the default turn limits. A non-positive TotalTimeout
// or HistoryBudget falls back to the default; MaxToolIterations is taken
// as given, so zero forbids tool rounds.
func WithLimits(l Limits) Option {
	return func(o *Orchestrator) {
		d := DefaultLimits()
		if l.TotalTimeout <= 0 {
			l.TotalTimeout = d.TotalTimeout
		}
		if l.HistoryBudget <= 0 {
			l.HistoryBudget = d.HistoryBudget
		}
		if l.MaxToolIterations < 0 {
			l.MaxToolIterations = d.MaxToolIterations
		}
		o.limits = l
	}
}

// WithToolConcurrency bounds parallel tool execution within one turn.
func WithToolConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.toolWorkers = n
		}
	}
}

// WithRecallLimit sets the base number of memories recalled per turn.
func WithRecallLimit(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.recallK = k
		}
	}
}

// New assembles an orchestrator. The gateway and logger are required; the
// registry, checkpointer, and repository may be nil, which disables tool
// calling, checkpointing, and session mirroring respectively.
func New(llm Completer, registry *tools.Registry, checkpoints *checkpoint.Checkpointer, repo sessionrepo.Repository, logger *observability.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:         llm,
		registry:    registry,
		checkpoints: checkpoints,
		repo:        repo,
		logger:      logger,
		limits:      DefaultLimits(),
		toolWorkers: defaultToolConcurrency,
		recallK:     defaultRecallLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Turn runs one agent turn and streams its events. The channel is closed
// after the terminal event; exactly one of Done, Interrupt, or Error is
// delivered per turn. Post-turn work (title generation, memory extraction)
// is not awaited.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (<-chan *models.AgentEvent, error) {
	if o.llm == nil {
		return nil, errors.New("no llm gateway configured")
	}
	if req.Agent.Model == "" {
		return nil, errors.New("agent model is required")
	}
	if req.UserMessage == "" && req.SessionID == "" {
		return nil, errors.New("user message is empty")
	}

	agent := sanitizeAgentConfig(req.Agent)

	events := make(chan *models.AgentEvent, eventBufferSize)
	go o.runTurn(ctx, req, agent, events)
	return events, nil
}

// WaitBackground blocks until all post-turn tasks have finished. Call it
// during shutdown so title updates and memory extraction are not cut off
// mid-write.
func (o *Orchestrator) WaitBackground() {
	o.bg.Wait()
}
