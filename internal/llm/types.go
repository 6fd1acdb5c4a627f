package llm

import "context"

// Message is the provider-neutral conversation unit.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation requested by the model. Arguments holds the
// decoded JSON object; RawArguments is kept when decoding failed so the call
// is never silently dropped.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"raw_arguments,omitempty"`
}

// ToolDefinition is the neutral tool shape; adapters translate it to each
// provider's schema format.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage carries provider-reported token counters.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one completion request.
type Request struct {
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// Response is the full result of a completion.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	Truncated  bool       `json:"truncated,omitempty"`
}

// Stop reasons normalized across providers.
const (
	StopReasonEnd       = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
	StopReasonCancelled = "cancelled"
)

// StreamEventType enumerates gateway stream events.
type StreamEventType string

const (
	// EventChunk carries a text delta.
	EventChunk StreamEventType = "chunk"
	// EventToolUseStart fires when a tool block opens; parameters are still
	// streaming at that point.
	EventToolUseStart StreamEventType = "tool_use_start"
	// EventToolUse fires when a tool block closes with parsed arguments.
	EventToolUse StreamEventType = "tool_use"
	// EventEnd terminates the stream with usage and stop reason.
	EventEnd StreamEventType = "end"
)

// StreamEvent is one event yielded by Client.Stream.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Truncated  bool            `json:"truncated,omitempty"`
}

// EmitFunc receives stream events; returning an error aborts the stream.
type EmitFunc func(StreamEvent) error

// Client is the provider-agnostic gateway interface.
type Client interface {
	// Complete awaits the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream yields events through emit. The cancel event is polled between
	// iterations; an aborted stream ends cleanly with StopReasonCancelled and
	// whatever partial text was produced.
	Stream(ctx context.Context, req Request, cancel *CancelEvent, emit EmitFunc) (*Response, error)
	// Model returns the model name used by this client.
	Model() string
}
