// Package tokens estimates token counts for prompt budgeting.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Per-message structural overhead and reply priming, per OpenAI's published
// chat format accounting.
const (
	tokensPerMessage = 3
	replyPriming     = 3
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens for a model. When no BPE encoding is available it
// falls back to a character heuristic, which keeps counts additive and
// deterministic; budget consumers only need stability, not exactness.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewCounter returns a counter for the given model. It never fails: an
// unknown model maps to cl100k_base, and an unloadable encoding degrades to
// the heuristic.
func NewCounter(model string) *Counter {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Counter{model: model}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}
}

// Heuristic returns a counter that always uses the character heuristic.
func Heuristic() *Counter {
	return &Counter{}
}

// Model returns the model name this counter was configured for.
func (c *Counter) Model() string { return c.model }

// Count returns the token count for text. Safe for concurrent use.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message
// structure and reply priming.
func (c *Counter) CountMessages(messages []models.Message) int {
	total := replyPriming
	for _, msg := range messages {
		total += tokensPerMessage
		total += c.Count(string(msg.Role))
		total += c.Count(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += c.Count(tc.Name)
			total += c.Count(models.EncodeToolArguments(tc.Arguments))
		}
	}
	return total
}

// FitWithinLimit returns the suffix of messages that fits within maxTokens,
// preserving order. The newest messages win.
func (c *Counter) FitWithinLimit(messages []models.Message, maxTokens int) []models.Message {
	if len(messages) == 0 {
		return messages
	}

	current := replyPriming
	cut := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := c.CountMessages(messages[i:i+1]) - replyPriming
		if current+msgTokens > maxTokens {
			break
		}
		current += msgTokens
		cut = i
	}
	return messages[cut:]
}

// Estimate is the model-free heuristic: roughly four characters per token,
// rounded up so concatenation never undercounts.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
