package compress

import (
	"context"
	"sort"

	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/internal/tokens"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Stats describes one compression pass. Token counts cover message content
// only; the summary's own cost is included in CompressedTokens.
type Stats struct {
	OriginalMessages   int     `json:"original_messages"`
	CompressedMessages int     `json:"compressed_messages"`
	OriginalTokens     int     `json:"original_tokens"`
	CompressedTokens   int     `json:"compressed_tokens"`
	DroppedMessages    int     `json:"dropped_messages"`
	SummarizedMessages int     `json:"summarized_messages"`
	CompressionRatio   float64 `json:"compression_ratio"`

	// Degraded is set when a summary was attempted but the LLM call failed;
	// compression proceeded without it.
	Degraded bool `json:"degraded,omitempty"`
}

// Result carries the kept messages in original order, preceded by a
// synthetic summary message when one was generated.
type Result struct {
	Messages []models.Message
	Summary  string
	Stats    Stats
}

// Compressor fits conversation history into token budgets. Without a
// summarizer it is fully deterministic.
type Compressor struct {
	counter    *tokens.Counter
	summarizer *summarizer
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// Option adjusts compressor construction.
type Option func(*Compressor)

// WithSummarizer enables LLM summary generation for the dropped middle of
// long conversations.
func WithSummarizer(client SummaryClient, model string) Option {
	return func(c *Compressor) {
		if client != nil {
			c.summarizer = &summarizer{client: client, model: model}
		}
	}
}

// WithMetrics records compression ratios.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Compressor) {
		c.metrics = m
	}
}

// New builds a compressor. A nil counter falls back to the character
// heuristic.
func New(counter *tokens.Counter, logger *observability.Logger, opts ...Option) *Compressor {
	if counter == nil {
		counter = tokens.Heuristic()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	c := &Compressor{counter: counter, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type scored struct {
	index  int
	score  float64
	tier   Importance
	tokens int
}

// Compress shrinks messages so that the kept set plus the optional summary
// fits within budgetTokens. History already inside the budget passes through
// untouched. recalled feeds the redundancy penalty and may be nil.
func (c *Compressor) Compress(ctx context.Context, messages []models.Message, budgetTokens int, recalled []models.Memory) *Result {
	stats := Stats{OriginalMessages: len(messages)}
	for _, msg := range messages {
		stats.OriginalTokens += c.counter.Count(msg.Content)
	}

	if len(messages) == 0 || stats.OriginalTokens <= budgetTokens {
		stats.CompressedMessages = len(messages)
		stats.CompressedTokens = stats.OriginalTokens
		return &Result{Messages: messages, Stats: stats}
	}

	entries := c.classify(messages, recalled)

	summary, summarized, degraded := c.summarize(ctx, messages, entries, budgetTokens)
	stats.SummarizedMessages = summarized
	stats.Degraded = degraded

	available := budgetTokens
	summaryTokens := 0
	if summary != "" {
		summaryTokens = c.counter.Count(summary)
		if summaryTokens > budgetTokens {
			summary = ""
			summaryTokens = 0
			stats.SummarizedMessages = 0
		} else {
			available -= summaryTokens
		}
	}

	kept := selectWithin(entries, available)

	result := &Result{Summary: summary}
	if summary != "" {
		result.Messages = append(result.Messages, models.Message{
			Role:    models.RoleSystem,
			Content: summary,
		})
		stats.CompressedTokens += summaryTokens
	}
	for _, e := range kept {
		result.Messages = append(result.Messages, messages[e.index])
		stats.CompressedTokens += e.tokens
	}

	stats.CompressedMessages = len(result.Messages)
	stats.DroppedMessages = len(messages) - len(kept)
	if stats.OriginalTokens > 0 {
		stats.CompressionRatio = 1 - float64(stats.CompressedTokens)/float64(stats.OriginalTokens)
	}
	result.Stats = stats

	c.logger.Debug(ctx, "compressed conversation",
		"original_messages", stats.OriginalMessages,
		"kept_messages", len(kept),
		"original_tokens", stats.OriginalTokens,
		"compressed_tokens", stats.CompressedTokens,
		"degraded", stats.Degraded)
	if c.metrics != nil {
		c.metrics.RecordCompression(stats.CompressionRatio, stats.Degraded)
	}
	return result
}

// classify scores every message, maps it to a tier, and applies the
// positional promotions: the protected head becomes Critical, the protected
// tail at least High.
func (c *Compressor) classify(messages []models.Message, recalled []models.Memory) []scored {
	entries := make([]scored, len(messages))
	for i, msg := range messages {
		s := Score(messages, i, recalled)
		tier := Tier(s)
		if i < protectFirst {
			tier = Critical
		} else if i >= len(messages)-protectLast && tier < High {
			tier = High
		}
		entries[i] = scored{index: i, score: s, tier: tier, tokens: c.counter.Count(msg.Content)}
	}
	return entries
}

// selectWithin keeps Critical and High messages first, then fills the rest
// of the budget with optional messages by descending score. When the must
// set alone exceeds the budget, High messages are demoted to optional; if
// Critical messages still exceed it, they compete on score too. The result
// is in original order.
func selectWithin(entries []scored, available int) []scored {
	var must, optional []scored
	mustTokens := 0
	for _, e := range entries {
		if e.tier >= High {
			must = append(must, e)
			mustTokens += e.tokens
		} else {
			optional = append(optional, e)
		}
	}

	if mustTokens > available {
		demoted := must
		must = nil
		mustTokens = 0
		for _, e := range demoted {
			if e.tier == Critical {
				must = append(must, e)
				mustTokens += e.tokens
			} else {
				optional = append(optional, e)
			}
		}
	}
	if mustTokens > available {
		optional = append(optional, must...)
		must = nil
		mustTokens = 0
	}

	kept := make([]scored, 0, len(entries))
	kept = append(kept, must...)
	used := mustTokens

	sort.SliceStable(optional, func(i, j int) bool {
		if optional[i].score != optional[j].score {
			return optional[i].score > optional[j].score
		}
		return optional[i].index < optional[j].index
	})
	for _, e := range optional {
		if used+e.tokens > available {
			continue
		}
		kept = append(kept, e)
		used += e.tokens
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].index < kept[j].index })
	return kept
}
