package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

const (
	anthropicVersion       = "2023-06-01"
	anthropicDefaultBase   = "https://api.anthropic.com"
	anthropicDefaultKeyEnv = "ANTHROPIC_API_KEY"
)

// AnthropicAdapter speaks the Anthropic Messages API.
type AnthropicAdapter struct{}

func (a *AnthropicAdapter) Protocol() config.Protocol { return config.ProtocolAnthropic }

func (a *AnthropicAdapter) BuildURL(ep *config.EndpointConfig, _ string, _ bool) string {
	base := ep.BaseURL
	if base == "" {
		base = anthropicDefaultBase
	}
	return strings.TrimSuffix(base, "/") + "/v1/messages"
}

func (a *AnthropicAdapter) SignRequest(_ context.Context, req *http.Request, ep *config.EndpointConfig, _ []byte) error {
	key := apiKey(ep, anthropicDefaultKeyEnv)
	if key == "" {
		return NewFatalError(fmt.Errorf("anthropic: no API key in environment"))
	}
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", anthropicVersion)
	return nil
}

func (a *AnthropicAdapter) HasCredentials(ep *config.EndpointConfig) bool {
	return apiKey(ep, anthropicDefaultKeyEnv) != ""
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  *anthropicChoice   `json:"tool_choice,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func (a *AnthropicAdapter) BuildRequestBody(model string, messages []Message, opts BodyOptions) ([]byte, error) {
	system, rest := splitSystem(messages)

	apiMessages := make([]anthropicMessage, 0, len(rest))
	for _, msg := range rest {
		apiMessages = append(apiMessages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	req := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    apiMessages,
		System:      system,
		Temperature: opts.Temperature,
		Stream:      opts.Stream,
	}
	for _, tool := range opts.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		req.Tools = append(req.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	if opts.ToolChoice != "" {
		req.ToolChoice = &anthropicChoice{Type: "tool", Name: opts.ToolChoice}
	}

	return json.Marshal(req)
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`

		Thinking string `json:"thinking,omitempty"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) ParseResponse(body []byte, _ string) (*Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse anthropic response: %w", err))
	}

	out := &Response{
		Model:        resp.Model,
		TokensUsed:   resp.Usage.InputTokens + resp.Usage.OutputTokens,
		FinishReason: resp.StopReason,
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.Thinking += block.Thinking
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return out, nil
}

func (a *AnthropicAdapter) SupportsStreaming() bool { return true }

// anthropicStreamEvent covers the event payloads the stream parser consumes;
// everything else on the wire is ignored.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		Thinking   string `json:"thinking,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) ParseStreamLine(line string) (StreamChunk, bool) {
	payload, ok := ssePayload(line)
	if !ok {
		return StreamChunk{}, false
	}

	var ev anthropicStreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return StreamChunk{}, false
	}

	switch ev.Type {
	case "message_start":
		// Input-side usage arrives up front; report it so totals add up.
		if ev.Message.Usage.InputTokens > 0 {
			return StreamChunk{TokensUsed: ev.Message.Usage.InputTokens}, true
		}
		return StreamChunk{}, false
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			return StreamChunk{Content: ev.Delta.Text}, true
		case "thinking_delta":
			return StreamChunk{Thinking: ev.Delta.Thinking}, true
		}
		return StreamChunk{}, false
	case "message_delta":
		return StreamChunk{
			FinishReason: ev.Delta.StopReason,
			TokensUsed:   ev.Usage.OutputTokens,
		}, true
	case "message_stop":
		return StreamChunk{Done: true}, true
	default:
		return StreamChunk{}, false
	}
}

// splitSystem extracts the system prompt from a message list. Providers that
// carry the system turn out of band get it separately.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}

// apiKey resolves the endpoint credential, falling back to the protocol's
// conventional environment variable.
func apiKey(ep *config.EndpointConfig, defaultEnv string) string {
	env := ep.APIKeyEnv
	if env == "" {
		env = defaultEnv
	}
	return os.Getenv(env)
}

// ssePayload strips the server-sent-events framing from a line. It returns
// false for blank separators, comments, and event-name lines.
func ssePayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return "", false
	}
	return payload, true
}
