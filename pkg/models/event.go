package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Session lifecycle
	EventSessionCreated   AgentEventType = "SessionCreated"
	EventSessionRecreated AgentEventType = "SessionRecreated"
	EventTitleUpdated     AgentEventType = "TitleUpdated"

	// Turn progress
	EventThinking   AgentEventType = "Thinking"
	EventToolCall   AgentEventType = "ToolCall"
	EventToolResult AgentEventType = "ToolResult"
	EventText       AgentEventType = "Text"

	// Terminals. Exactly one per turn.
	EventDone      AgentEventType = "Done"
	EventInterrupt AgentEventType = "Interrupt"
	EventError     AgentEventType = "Error"
)

// IsTerminal reports whether the event type ends a turn.
func (t AgentEventType) IsTerminal() bool {
	return t == EventDone || t == EventInterrupt || t == EventError
}

// Termination describes why a turn's loop ended.
type Termination string

const (
	TerminationCompleted   Termination = "completed"
	TerminationTokenBudget Termination = "token_budget"
	TerminationToolLimit   Termination = "tool_limit"
)

// AgentEvent is the unified event model for a turn's stream. Exactly one
// payload pointer is non-nil for a given Type. On the wire events are
// serialized as {"type": <variant>, "data": {...}}; Sequence and Time travel
// inside data and consumers must ignore data fields they do not know.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	// Sequence is monotonic within a turn for ordering guarantees.
	Sequence uint64 `json:"-"`

	// Time is when the event occurred.
	Time time.Time `json:"-"`

	SessionCreated   *SessionCreatedEvent   `json:"-"`
	SessionRecreated *SessionRecreatedEvent `json:"-"`
	TitleUpdated     *TitleUpdatedEvent     `json:"-"`
	Thinking         *ThinkingEvent         `json:"-"`
	ToolCall         *ToolCallEvent         `json:"-"`
	ToolResult       *ToolResult            `json:"-"`
	Text             *TextEvent             `json:"-"`
	Done             *DoneEvent             `json:"-"`
	Interrupt        *InterruptEvent        `json:"-"`
	Error            *ErrorEvent            `json:"-"`
}

// SessionCreatedEvent announces a brand-new session before any other event.
type SessionCreatedEvent struct {
	SessionID string `json:"session_id"`
}

// SessionRecreatedEvent tells the consumer a previously evicted sandbox
// session was started afresh for this conversation.
type SessionRecreatedEvent struct {
	Message       string          `json:"message,omitempty"`
	PreviousState *SessionSummary `json:"previous_state,omitempty"`
}

// SessionSummary is the portion of a cleaned-up session's history surfaced
// in a recreation notice.
type SessionSummary struct {
	LastSessionID     string   `json:"last_session_id,omitempty"`
	CleanupReason     string   `json:"cleanup_reason,omitempty"`
	InstalledPackages []string `json:"installed_packages,omitempty"`
	CreatedFiles      []string `json:"created_files,omitempty"`
}

// TitleUpdatedEvent carries an asynchronously generated session title.
type TitleUpdatedEvent struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

// ThinkingEvent reports model reasoning progress within an iteration.
type ThinkingEvent struct {
	Status    string `json:"status"`
	Iteration int    `json:"iteration"`
	Content   string `json:"content,omitempty"`
}

// ToolCallEvent announces a tool invocation before it runs.
type ToolCallEvent struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// TextEvent carries assistant text, either streamed deltas or the final chunk.
type TextEvent struct {
	Content string `json:"content"`
}

// DoneEvent is the successful terminal of a turn.
type DoneEvent struct {
	Content          string      `json:"content"`
	ReasoningContent string      `json:"reasoning_content,omitempty"`
	Iterations       int         `json:"iterations"`
	ToolIterations   int         `json:"tool_iterations"`
	TotalTokens      int         `json:"total_tokens"`
	Termination      Termination `json:"termination,omitempty"`
}

// InterruptEvent pauses a turn pending human approval. The checkpoint saved
// alongside it carries the pending tool calls so the turn can resume.
type InterruptEvent struct {
	Reason    string     `json:"reason"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// ErrorEvent is the failure terminal of a turn.
type ErrorEvent struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type eventEnvelope struct {
	Type AgentEventType  `json:"type"`
	Data json.RawMessage `json:"data"`
}

// payload returns the non-nil payload for the event's type, or nil.
func (e *AgentEvent) payload() any {
	switch e.Type {
	case EventSessionCreated:
		if e.SessionCreated != nil {
			return e.SessionCreated
		}
	case EventSessionRecreated:
		if e.SessionRecreated != nil {
			return e.SessionRecreated
		}
	case EventTitleUpdated:
		if e.TitleUpdated != nil {
			return e.TitleUpdated
		}
	case EventThinking:
		if e.Thinking != nil {
			return e.Thinking
		}
	case EventToolCall:
		if e.ToolCall != nil {
			return e.ToolCall
		}
	case EventToolResult:
		if e.ToolResult != nil {
			return e.ToolResult
		}
	case EventText:
		if e.Text != nil {
			return e.Text
		}
	case EventDone:
		if e.Done != nil {
			return e.Done
		}
	case EventInterrupt:
		if e.Interrupt != nil {
			return e.Interrupt
		}
	case EventError:
		if e.Error != nil {
			return e.Error
		}
	}
	return nil
}

// MarshalJSON renders the {"type","data"} envelope. Sequence and Time are
// folded into data so the envelope shape stays fixed.
func (e *AgentEvent) MarshalJSON() ([]byte, error) {
	var data map[string]any
	if p := e.payload(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("remarshal %s payload: %w", e.Type, err)
		}
	}
	if data == nil {
		data = map[string]any{}
	}
	if e.Sequence > 0 {
		data["seq"] = e.Sequence
	}
	if !e.Time.IsZero() {
		data["time"] = e.Time.UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Type: e.Type, Data: raw})
}

// UnmarshalJSON decodes the envelope back into a typed event. Unknown data
// fields are dropped.
func (e *AgentEvent) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	e.Type = env.Type

	var meta struct {
		Seq  uint64    `json:"seq"`
		Time time.Time `json:"time"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &meta); err == nil {
			e.Sequence = meta.Seq
			e.Time = meta.Time
		}
	}

	if len(env.Data) == 0 {
		return nil
	}
	switch env.Type {
	case EventSessionCreated:
		e.SessionCreated = &SessionCreatedEvent{}
		return json.Unmarshal(env.Data, e.SessionCreated)
	case EventSessionRecreated:
		e.SessionRecreated = &SessionRecreatedEvent{}
		return json.Unmarshal(env.Data, e.SessionRecreated)
	case EventTitleUpdated:
		e.TitleUpdated = &TitleUpdatedEvent{}
		return json.Unmarshal(env.Data, e.TitleUpdated)
	case EventThinking:
		e.Thinking = &ThinkingEvent{}
		return json.Unmarshal(env.Data, e.Thinking)
	case EventToolCall:
		e.ToolCall = &ToolCallEvent{}
		return json.Unmarshal(env.Data, e.ToolCall)
	case EventToolResult:
		e.ToolResult = &ToolResult{}
		return json.Unmarshal(env.Data, e.ToolResult)
	case EventText:
		e.Text = &TextEvent{}
		return json.Unmarshal(env.Data, e.Text)
	case EventDone:
		e.Done = &DoneEvent{}
		return json.Unmarshal(env.Data, e.Done)
	case EventInterrupt:
		e.Interrupt = &InterruptEvent{}
		return json.Unmarshal(env.Data, e.Interrupt)
	case EventError:
		e.Error = &ErrorEvent{}
		return json.Unmarshal(env.Data, e.Error)
	}
	return nil
}

// Constructors. The orchestrator stamps Sequence and Time at emit.

func NewSessionCreatedEvent(sessionID string) *AgentEvent {
	return &AgentEvent{Type: EventSessionCreated, SessionCreated: &SessionCreatedEvent{SessionID: sessionID}}
}

func NewSessionRecreatedEvent(message string, prev *SessionSummary) *AgentEvent {
	return &AgentEvent{Type: EventSessionRecreated, SessionRecreated: &SessionRecreatedEvent{Message: message, PreviousState: prev}}
}

func NewTitleUpdatedEvent(sessionID, title string) *AgentEvent {
	return &AgentEvent{Type: EventTitleUpdated, TitleUpdated: &TitleUpdatedEvent{SessionID: sessionID, Title: title}}
}

func NewThinkingEvent(status string, iteration int, content string) *AgentEvent {
	return &AgentEvent{Type: EventThinking, Thinking: &ThinkingEvent{Status: status, Iteration: iteration, Content: content}}
}

func NewToolCallEvent(tc ToolCall) *AgentEvent {
	return &AgentEvent{Type: EventToolCall, ToolCall: &ToolCallEvent{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}}
}

func NewToolResultEvent(tr ToolResult) *AgentEvent {
	return &AgentEvent{Type: EventToolResult, ToolResult: &tr}
}

func NewTextEvent(content string) *AgentEvent {
	return &AgentEvent{Type: EventText, Text: &TextEvent{Content: content}}
}

func NewDoneEvent(d DoneEvent) *AgentEvent {
	return &AgentEvent{Type: EventDone, Done: &d}
}

func NewInterruptEvent(reason string, calls []ToolCall, message string) *AgentEvent {
	return &AgentEvent{Type: EventInterrupt, Interrupt: &InterruptEvent{Reason: reason, ToolCalls: calls, Message: message}}
}

func NewErrorEvent(message, sessionID string) *AgentEvent {
	return &AgentEvent{Type: EventError, Error: &ErrorEvent{Message: message, SessionID: sessionID}}
}
