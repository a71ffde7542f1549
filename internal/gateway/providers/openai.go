package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// OpenAI adapts the gateway contract onto the OpenAI chat completions API.
type OpenAI struct {
	Base
	client *openai.Client
}

// NewOpenAI builds the adapter from the environment: OPENAI_API_KEY is
// required, OPENAI_API_BASE optionally overrides the endpoint.
func NewOpenAI() (*OpenAI, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("openai: %w", gateway.ErrNoKeyConfigured)
	}
	return NewOpenAIWithConfig(key, os.Getenv("OPENAI_API_BASE")), nil
}

// NewOpenAIWithConfig builds the adapter with an explicit key and base URL.
func NewOpenAIWithConfig(apiKey, baseURL string) *OpenAI {
	return &OpenAI{
		Base:   NewBase("openai"),
		client: newOpenAIClient(apiKey, baseURL),
	}
}

// Chat performs one non-streaming completion.
func (p *OpenAI) Chat(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
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

// ChatStream performs a streaming completion. Text and reasoning deltas are
// emitted as they arrive; tool-call fragments are accumulated per index and
// the complete list rides on the final chunk together with finish reason and
// usage.
func (p *OpenAI) ChatStream(ctx context.Context, req *gateway.Request) (<-chan gateway.Chunk, error) {
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

func (p *OpenAI) buildRequest(req *gateway.Request, stream bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages, false),
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

// processOpenAIStream consumes one SDK stream and forwards normalised chunks.
// Shared with the OpenAI-compatible adapter, which speaks the same wire
// protocol.
func processOpenAIStream(ctx context.Context, provider, model string, stream *openai.ChatCompletionStream, chunks chan<- gateway.Chunk) {
	defer close(chunks)
	defer stream.Close()

	acc := newToolCallAccumulator()
	var finishReason string
	var usage *gateway.Usage

	for {
		select {
		case <-ctx.Done():
			chunks <- gateway.Chunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- gateway.Chunk{
					ToolCalls:    acc.finalize(),
					FinishReason: finishReason,
					Usage:        usage,
				}
				return
			}
			chunks <- gateway.Chunk{Err: wrapOpenAIError(provider, model, err)}
			return
		}

		if response.Usage != nil {
			u := usageFromOpenAI(*response.Usage)
			usage = &u
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" || choice.Delta.ReasoningContent != "" {
			chunks <- gateway.Chunk{
				Content:          choice.Delta.Content,
				ReasoningContent: choice.Delta.ReasoningContent,
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}
	}
}

// toolCallAccumulator merges streamed tool-call fragments. OpenAI splits each
// call across chunks: the first fragment for an index carries the id and
// function name, later fragments append argument JSON.
type toolCallAccumulator struct {
	indexes []int
	calls   map[int]*streamedToolCall
}

type streamedToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*streamedToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	call, ok := a.calls[index]
	if !ok {
		call = &streamedToolCall{}
		a.calls[index] = call
		a.indexes = append(a.indexes, index)
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		call.args.WriteString(tc.Function.Arguments)
	}
}

func (a *toolCallAccumulator) finalize() []models.ToolCall {
	if len(a.indexes) == 0 {
		return nil
	}
	sort.Ints(a.indexes)
	result := make([]models.ToolCall, 0, len(a.indexes))
	for _, idx := range a.indexes {
		call := a.calls[idx]
		if call.id == "" && call.name == "" {
			continue
		}
		result = append(result, models.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: models.ParseToolArguments(call.args.String()),
		})
	}
	return result
}

func normalizeOpenAIResponse(resp *openai.ChatCompletionResponse) *gateway.Response {
	out := &gateway.Response{Usage: usageFromOpenAI(resp.Usage)}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.ReasoningContent = choice.Message.ReasoningContent
	out.FinishReason = string(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: models.ParseToolArguments(tc.Function.Arguments),
		})
	}
	return out
}

func usageFromOpenAI(u openai.Usage) gateway.Usage {
	usage := gateway.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadInputTokens = u.PromptTokensDetails.CachedTokens
	}
	return usage
}

// toOpenAIMessages converts canonical messages to the OpenAI wire shape.
// With fillReasoning set, assistant messages carrying tool calls get their
// reasoning_content populated from content; DeepSeek's reasoner models reject
// such messages without it.
func toOpenAIMessages(messages []models.Message, fillReasoning bool) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:             string(msg.Role),
			Content:          msg.Content,
			ReasoningContent: msg.ReasoningContent,
		}
		if msg.Role == models.RoleTool {
			oaiMsg.ToolCallID = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: models.EncodeToolArguments(tc.Arguments),
					},
				}
			}
			if fillReasoning && oaiMsg.ReasoningContent == "" {
				oaiMsg.ReasoningContent = msg.Content
			}
		}
		result = append(result, oaiMsg)
	}
	return result
}

func toOpenAITools(tools []gateway.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

func wrapOpenAIError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(provider, model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(provider, model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError(provider, model, err)
}

// extraHeadersKey carries per-request headers to the HTTP transport. The
// sashabaranov client has no per-call header hook, so headers travel on the
// context instead.
type extraHeadersKey struct{}

type headerTransport struct {
	base http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if headers, ok := req.Context().Value(extraHeadersKey{}).(map[string]string); ok && len(headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func withExtraHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return context.WithValue(ctx, extraHeadersKey{}, headers)
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Transport: headerTransport{}}
	return openai.NewClientWithConfig(cfg)
}
