// Package llm routes completion requests to configured provider endpoints.
// A request names an agent, a tier, or a concrete model; the manager resolves
// it to a fallback chain of models, walks each model's endpoints in priority
// order, and translates messages through the endpoint's protocol adapter.
package llm

import (
	"encoding/json"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/events"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request describes one completion call. Exactly one of AgentID, Tier, or
// Model selects the fallback chain; Model wins over Tier wins over AgentID.
type Request struct {
	AgentID string
	Tier    string
	Model   string

	Messages []Message

	// MaxTokens caps the response length; zero uses the configured default.
	MaxTokens int

	// Temperature of nil uses the configured default; zero is deterministic.
	Temperature *float64

	// Timeout bounds one endpoint attempt; zero uses the configured default.
	Timeout time.Duration

	Tools      []ToolDefinition
	ToolChoice string

	// Stream requests incremental delivery. Chunks are emitted on the event
	// bus and passed to OnChunk when set. Adapters that cannot stream fall
	// back to a single synthesized chunk.
	Stream  bool
	OnChunk func(StreamChunk)

	// Ref carries correlation ids for stream events. A zero RequestID is
	// filled in by the manager.
	Ref events.StreamRef
}

// Response is the completion result.
type Response struct {
	RequestID    string
	Content      string
	Thinking     string
	Model        string
	TokensUsed   int64
	FinishReason string
	ToolCalls    []ToolCall
}

// StreamChunk is one increment of a streaming response. A line of the
// provider stream yields zero or one chunk.
type StreamChunk struct {
	Content      string
	Thinking     string
	Done         bool
	FinishReason string
	TokensUsed   int64
}
