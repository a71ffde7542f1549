// Package models defines the core data types for Turnstone.
package models

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the canonical conversation message exchanged with LLM providers.
// Content and ToolCalls are both optional, but non-system messages must carry
// at least one of them. ReasoningContent is an independent channel: some
// providers emit it while Content stays empty.
type Message struct {
	Role             Role       `json:"role"`
	Content          string     `json:"content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
}

// IsEmpty reports whether the message carries neither content nor tool calls.
func (m Message) IsEmpty() bool {
	return m.Content == "" && len(m.ToolCalls) == 0
}

// ToolCall represents an LLM's request to execute a tool. Arguments are the
// parsed form; on the wire they travel as a JSON string (see ParseToolArguments).
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult represents the outcome of a single tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ParseToolArguments decodes the wire-level JSON argument string of a tool
// call. Providers occasionally emit truncated or invalid JSON for tool
// arguments; rather than failing the turn, the raw string is preserved under
// a "raw" key so the tool (or the user) can inspect it.
func ParseToolArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return map[string]any{"raw": raw}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// EncodeToolArguments renders parsed arguments back into the wire-level JSON
// string form. A nil map encodes as an empty object.
func EncodeToolArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
