package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Anthropic adapts the gateway contract onto the Anthropic messages API.
// System messages are hoisted out of the message list into the top-level
// system field as text blocks; cache breakpoints from the request's cache
// plan become ephemeral cache_control markers on those blocks.
type Anthropic struct {
	Base
	client anthropic.Client
}

// NewAnthropic builds the adapter from the environment (ANTHROPIC_API_KEY).
func NewAnthropic() (*Anthropic, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w", gateway.ErrNoKeyConfigured)
	}
	return NewAnthropicWithKey(key), nil
}

// NewAnthropicWithKey builds the adapter with an explicit API key.
func NewAnthropicWithKey(apiKey string) *Anthropic {
	return &Anthropic{
		Base:   NewBase("anthropic"),
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Chat performs one non-streaming completion.
func (p *Anthropic) Chat(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	err = p.Retry(ctx, func() error {
		var callErr error
		msg, callErr = p.client.Messages.New(ctx, params, requestOptions(req)...)
		if callErr != nil {
			return p.wrapError(req.Model, callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return normalizeAnthropicMessage(msg), nil
}

// ChatStream performs a streaming completion, translating Anthropic's SSE
// event sequence into gateway chunks.
func (p *Anthropic) ChatStream(ctx context.Context, req *gateway.Request) (<-chan gateway.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params, requestOptions(req)...)
	chunks := make(chan gateway.Chunk)
	go p.processStream(stream, chunks, req.Model)
	return chunks, nil
}

func (p *Anthropic) buildParams(req *gateway.Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
		System:    toAnthropicSystem(req),
	}

	if req.Temperature > 0 {
		temp := float64(req.Temperature)
		// Anthropic's range tops out at 1.
		if temp > 1 {
			temp = 1
		}
		params.Temperature = anthropic.Float(temp)
	}

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream consumes Anthropic SSE events. Text and thinking deltas are
// forwarded immediately; tool_use blocks accumulate their input JSON across
// input_json_delta events and are collected at content_block_stop. The final
// chunk carries the complete tool-call list, finish reason, and usage.
func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- gateway.Chunk, model string) {
	defer close(chunks)

	var toolCalls []models.ToolCall
	var currentTool *models.ToolCall
	var currentInput strings.Builder
	var usage gateway.Usage
	var finishReason string

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)
			usage.CacheReadInputTokens = int(messageStart.Message.Usage.CacheReadInputTokens)
			usage.CacheCreationInputTokens = int(messageStart.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			contentBlockStart := event.AsContentBlockStart()
			if contentBlockStart.ContentBlock.Type == "tool_use" {
				toolUse := contentBlockStart.ContentBlock.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- gateway.Chunk{Content: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- gateway.Chunk{ReasoningContent: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.Arguments = models.ParseToolArguments(currentInput.String())
				toolCalls = append(toolCalls, *currentTool)
				currentTool = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				finishReason = normalizeAnthropicStopReason(anthropic.StopReason(messageDelta.Delta.StopReason))
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			chunks <- gateway.Chunk{
				ToolCalls:    toolCalls,
				FinishReason: finishReason,
				Usage:        &usage,
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- gateway.Chunk{Err: p.wrapError(model, err)}
	}
}

func normalizeAnthropicMessage(msg *anthropic.Message) *gateway.Response {
	out := &gateway.Response{
		FinishReason: normalizeAnthropicStopReason(msg.StopReason),
		Usage: gateway.Usage{
			PromptTokens:             int(msg.Usage.InputTokens),
			CompletionTokens:         int(msg.Usage.OutputTokens),
			TotalTokens:              int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheReadInputTokens:     int(msg.Usage.CacheReadInputTokens),
			CacheCreationInputTokens: int(msg.Usage.CacheCreationInputTokens),
		},
	}

	var content, reasoning strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ThinkingBlock:
			reasoning.WriteString(b.Thinking)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: models.ParseToolArguments(string(b.Input)),
			})
		}
	}
	out.Content = content.String()
	out.ReasoningContent = reasoning.String()
	return out
}

func normalizeAnthropicStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return "stop"
	case anthropic.StopReasonMaxTokens:
		return "length"
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	default:
		return string(reason)
	}
}

// toAnthropicSystem hoists system messages into the top-level system field.
// Messages the cache plan marked get an ephemeral cache_control block.
func toAnthropicSystem(req *gateway.Request) []anthropic.TextBlockParam {
	var system []anthropic.TextBlockParam
	for i, msg := range req.Messages {
		if msg.Role != models.RoleSystem || msg.Content == "" {
			continue
		}
		block := anthropic.TextBlockParam{Text: msg.Content}
		if req.CachePlan.Marked(i) {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		system = append(system, block)
	}
	return system
}

// toAnthropicMessages converts the non-system conversation. Tool results are
// separate role=tool messages internally; Anthropic requires every
// tool_result for an assistant turn inside one user message, so consecutive
// runs are merged.
func toAnthropicMessages(messages []models.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam

	var pendingResults []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				msg.Content,
				false,
			))
			continue

		case models.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			flushResults()
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()
	return result
}

func toAnthropicTools(tools []gateway.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		if t.Description != "" {
			toolParam.OfTool.Description = anthropic.String(t.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}

func requestOptions(req *gateway.Request) []option.RequestOption {
	if len(req.ExtraHeaders) == 0 {
		return nil
	}
	opts := make([]option.RequestOption, 0, len(req.ExtraHeaders))
	for k, v := range req.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return opts
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *Anthropic) wrapError(model string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.Name(), model, err).WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr = providerErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					providerErr = providerErr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError(p.Name(), model, err)
}
