package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

const (
	openAIDefaultBase   = "https://api.openai.com/v1"
	openAIDefaultKeyEnv = "OPENAI_API_KEY"
	azureAPIVersion     = "2024-06-01"
)

// OpenAIAdapter speaks the OpenAI chat-completions dialect, which also
// covers Azure OpenAI (deployment-scoped URL, api-key header) and
// OpenAI-compatible gateways.
type OpenAIAdapter struct{}

func (o *OpenAIAdapter) Protocol() config.Protocol { return config.ProtocolOpenAI }

func (o *OpenAIAdapter) BuildURL(ep *config.EndpointConfig, _ string, _ bool) string {
	base := strings.TrimSuffix(ep.BaseURL, "/")
	if ep.Deployment != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, ep.Deployment, azureAPIVersion)
	}
	if base == "" {
		base = openAIDefaultBase
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func (o *OpenAIAdapter) SignRequest(_ context.Context, req *http.Request, ep *config.EndpointConfig, _ []byte) error {
	key := apiKey(ep, openAIDefaultKeyEnv)
	if key == "" {
		return NewFatalError(fmt.Errorf("openai: no API key in environment"))
	}
	if ep.Deployment != "" {
		req.Header.Set("api-key", key)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return nil
}

func (o *OpenAIAdapter) HasCredentials(ep *config.EndpointConfig) bool {
	return apiKey(ep, openAIDefaultKeyEnv) != ""
}

type openAIRequest struct {
	Model         string               `json:"model,omitempty"`
	Messages      []openAIMessage      `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
	Tools         []openAITool         `json:"tools,omitempty"`
	ToolChoice    any                  `json:"tool_choice,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (o *OpenAIAdapter) BuildRequestBody(model string, messages []Message, opts BodyOptions) ([]byte, error) {
	apiMessages := make([]openAIMessage, len(messages))
	for i, msg := range messages {
		apiMessages[i] = openAIMessage{Role: msg.Role, Content: msg.Content}
	}

	req := openAIRequest{
		Model:       model,
		Messages:    apiMessages,
		Temperature: opts.Temperature,
		Stream:      opts.Stream,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = &opts.MaxTokens
	}
	if opts.Stream {
		req.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	for _, tool := range opts.Tools {
		req.Tools = append(req.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	if opts.ToolChoice != "" {
		req.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": opts.ToolChoice},
		}
	}

	return json.Marshal(req)
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAIAdapter) ParseResponse(body []byte, _ string) (*Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse openai response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, NewFatalError(fmt.Errorf("openai response has no choices"))
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: choice.FinishReason,
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out, nil
}

func (o *OpenAIAdapter) SupportsStreaming() bool { return true }

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAIAdapter) ParseStreamLine(line string) (StreamChunk, bool) {
	payload, ok := ssePayload(line)
	if !ok {
		return StreamChunk{}, false
	}
	if payload == "[DONE]" {
		return StreamChunk{Done: true}, true
	}

	var ev openAIStreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return StreamChunk{}, false
	}

	var chunk StreamChunk
	if len(ev.Choices) > 0 {
		chunk.Content = ev.Choices[0].Delta.Content
		chunk.FinishReason = ev.Choices[0].FinishReason
	}
	// The usage frame arrives once, after the last content chunk.
	if ev.Usage != nil {
		chunk.TokensUsed = ev.Usage.TotalTokens
	}
	if chunk.Content == "" && chunk.FinishReason == "" && chunk.TokensUsed == 0 {
		return StreamChunk{}, false
	}
	return chunk, true
}
