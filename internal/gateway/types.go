// Package gateway routes chat requests to LLM providers, shapes prompts for
// provider-side caching, and normalises every response into one plain record
// regardless of which SDK produced it.
package gateway

import (
	"context"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Request contains all parameters for a chat completion. The zero value of
// optional fields means "provider default".
type Request struct {
	// Model selects both the provider (by prefix routing) and the wire-level
	// model identifier.
	Model string `json:"model"`

	// Messages is the conversation in chronological order. System messages
	// may appear anywhere; providers that require a separate system field
	// extract them.
	Messages []models.Message `json:"messages"`

	Temperature float32 `json:"temperature,omitempty"`

	// MaxTokens is clamped to the provider ceiling before dispatch.
	// Values <= 0 are clamped to 1.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Tools the model may call. Empty means no tool calling.
	Tools []ToolSpec `json:"tools,omitempty"`

	// ToolChoice is "auto", "none", "required", or a tool name.
	ToolChoice string `json:"tool_choice,omitempty"`

	// ExtraHeaders are passed through to the provider HTTP client.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`

	// CachePlan is filled in by the gateway before dispatch; callers leave
	// it nil. Providers without explicit cache markers ignore it.
	CachePlan *CachePlan `json:"-"`
}

// ToolSpec describes a callable tool to the model. Parameters is a JSON
// Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// CachePlan marks which system messages receive a prompt-cache breakpoint.
// Indexes refer to positions in Request.Messages and are ascending.
type CachePlan struct {
	SystemIndexes []int `json:"system_indexes"`
}

// Marked reports whether the message at index i carries a breakpoint.
func (p *CachePlan) Marked(i int) bool {
	if p == nil {
		return false
	}
	for _, idx := range p.SystemIndexes {
		if idx == i {
			return true
		}
	}
	return false
}

// Usage is the token accounting for one completion. Cache fields are zero
// for providers that do not report them.
type Usage struct {
	PromptTokens             int `json:"prompt_tokens"`
	CompletionTokens         int `json:"completion_tokens"`
	TotalTokens              int `json:"total_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Response is the normalised result of a non-streaming completion. Every
// provider-specific object has already been converted to primitives.
type Response struct {
	Content          string            `json:"content"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []models.ToolCall `json:"tool_calls,omitempty"`
	FinishReason     string            `json:"finish_reason"`
	Usage            Usage             `json:"usage"`
}

// Chunk is one increment of a streaming completion. ToolCalls, FinishReason
// and Usage are only set on the final chunk; Err terminates the stream.
type Chunk struct {
	Content          string            `json:"content,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []models.ToolCall `json:"tool_calls,omitempty"`
	FinishReason     string            `json:"finish_reason,omitempty"`
	Usage            *Usage            `json:"usage,omitempty"`
	Err              error             `json:"-"`
}

// Provider is one upstream LLM API. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string

	// Chat performs a blocking completion.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// ChatStream starts a streaming completion. The channel is closed after
	// the final chunk; a mid-stream failure is delivered as Chunk.Err.
	ChatStream(ctx context.Context, req *Request) (<-chan Chunk, error)
}
