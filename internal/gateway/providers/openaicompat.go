package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/turnstonelabs/turnstone/internal/gateway"
)

const (
	dashScopeBaseURL  = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	deepSeekBaseURL   = "https://api.deepseek.com/v1"
	volcengineBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	zhipuAIBaseURL    = "https://open.bigmodel.cn/api/paas/v4"
)

// Compat adapts any OpenAI-compatible chat API. One implementation serves
// DashScope, DeepSeek, Volcengine, and ZhipuAI; per-vendor quirks are limited
// to the base URL, an optional endpoint-id model override, and reasoning
// message pre-processing.
type Compat struct {
	Base
	client *openai.Client

	// endpointID replaces the model on the wire when set. Volcengine's ark
	// API addresses deployments by endpoint id rather than model name.
	endpointID string

	// fillReasoning marks models whose assistant tool-call messages must
	// carry a reasoning_content field.
	fillReasoning func(model string) bool
}

type compatSpec struct {
	name          string
	keyEnv        string
	baseEnv       string
	defaultBase   string
	endpointEnv   string
	fillReasoning func(model string) bool
}

func newCompat(spec compatSpec) (*Compat, error) {
	key := os.Getenv(spec.keyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s: %w", spec.name, gateway.ErrNoKeyConfigured)
	}
	base := os.Getenv(spec.baseEnv)
	if base == "" {
		base = spec.defaultBase
	}
	c := &Compat{
		Base:          NewBase(spec.name),
		client:        newOpenAIClient(key, base),
		fillReasoning: spec.fillReasoning,
	}
	if spec.endpointEnv != "" {
		c.endpointID = os.Getenv(spec.endpointEnv)
	}
	return c, nil
}

// NewDashScope builds the Alibaba DashScope adapter (qwen models).
func NewDashScope() (*Compat, error) {
	return newCompat(compatSpec{
		name:        "dashscope",
		keyEnv:      "DASHSCOPE_API_KEY",
		baseEnv:     "DASHSCOPE_API_BASE",
		defaultBase: dashScopeBaseURL,
	})
}

// NewDeepSeek builds the DeepSeek adapter. Reasoner models get the
// reasoning_content pre-processing on assistant tool-call messages.
func NewDeepSeek() (*Compat, error) {
	return newCompat(compatSpec{
		name:        "deepseek",
		keyEnv:      "DEEPSEEK_API_KEY",
		baseEnv:     "DEEPSEEK_API_BASE",
		defaultBase: deepSeekBaseURL,
		fillReasoning: func(model string) bool {
			return strings.Contains(model, "reasoner") || strings.Contains(model, "-r1")
		},
	})
}

// NewVolcengine builds the Volcengine ark adapter (doubao models). When
// VOLCENGINE_CHAT_ENDPOINT_ID is set it becomes the wire model id.
func NewVolcengine() (*Compat, error) {
	return newCompat(compatSpec{
		name:        "volcengine",
		keyEnv:      "VOLCENGINE_API_KEY",
		baseEnv:     "VOLCENGINE_API_BASE",
		defaultBase: volcengineBaseURL,
		endpointEnv: "VOLCENGINE_CHAT_ENDPOINT_ID",
	})
}

// NewZhipuAI builds the ZhipuAI adapter (glm models).
func NewZhipuAI() (*Compat, error) {
	return newCompat(compatSpec{
		name:        "zhipuai",
		keyEnv:      "ZHIPUAI_API_KEY",
		baseEnv:     "ZHIPUAI_API_BASE",
		defaultBase: zhipuAIBaseURL,
	})
}

// Chat performs one non-streaming completion.
func (p *Compat) Chat(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	ctx = withExtraHeaders(ctx, req.ExtraHeaders)
	chatReq := p.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	err := p.Retry(ctx, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			return wrapOpenAIError(p.Name(), req.Model, callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return normalizeOpenAIResponse(&resp), nil
}

// ChatStream performs a streaming completion over the shared OpenAI wire
// protocol.
func (p *Compat) ChatStream(ctx context.Context, req *gateway.Request) (<-chan gateway.Chunk, error) {
	ctx = withExtraHeaders(ctx, req.ExtraHeaders)
	chatReq := p.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, func() error {
		var callErr error
		stream, callErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if callErr != nil {
			return wrapOpenAIError(p.Name(), req.Model, callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan gateway.Chunk)
	go processOpenAIStream(ctx, p.Name(), req.Model, stream, chunks)
	return chunks, nil
}

func (p *Compat) buildRequest(req *gateway.Request, stream bool) openai.ChatCompletionRequest {
	fill := p.fillReasoning != nil && p.fillReasoning(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:       p.wireModel(req.Model),
		Messages:    toOpenAIMessages(req.Messages, fill),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}
	if req.ToolChoice != "" {
		chatReq.ToolChoice = req.ToolChoice
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return chatReq
}

func (p *Compat) wireModel(model string) string {
	if p.endpointID != "" {
		return p.endpointID
	}
	return model
}
