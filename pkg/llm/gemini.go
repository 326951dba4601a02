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
	geminiDefaultBase   = "https://generativelanguage.googleapis.com"
	geminiDefaultKeyEnv = "GOOGLE_API_KEY"
)

// GeminiAdapter speaks the Google Generative Language REST dialect.
type GeminiAdapter struct{}

func (g *GeminiAdapter) Protocol() config.Protocol { return config.ProtocolGemini }

func (g *GeminiAdapter) BuildURL(ep *config.EndpointConfig, model string, stream bool) string {
	base := ep.BaseURL
	if base == "" {
		base = geminiDefaultBase
	}
	base = strings.TrimSuffix(base, "/")
	if stream {
		return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", base, model)
	}
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, model)
}

func (g *GeminiAdapter) SignRequest(_ context.Context, req *http.Request, ep *config.EndpointConfig, _ []byte) error {
	key := apiKey(ep, geminiDefaultKeyEnv)
	if key == "" {
		return NewFatalError(fmt.Errorf("gemini: no API key in environment"))
	}
	req.Header.Set("x-goog-api-key", key)
	return nil
}

func (g *GeminiAdapter) HasCredentials(ep *config.EndpointConfig) bool {
	return apiKey(ep, geminiDefaultKeyEnv) != ""
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

func (g *GeminiAdapter) BuildRequestBody(_ string, messages []Message, opts BodyOptions) ([]byte, error) {
	system, rest := splitSystem(messages)

	req := geminiRequest{
		GenerationConfig: geminiGenConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
		},
	}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, msg := range rest {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	return json.Marshal(req)
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (g *GeminiAdapter) ParseResponse(body []byte, model string) (*Response, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse gemini response: %w", err))
	}
	if len(resp.Candidates) == 0 {
		return nil, NewFatalError(fmt.Errorf("gemini response has no candidates"))
	}

	out := &Response{
		Model:        model,
		TokensUsed:   resp.UsageMetadata.TotalTokenCount,
		FinishReason: resp.Candidates[0].FinishReason,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		out.Content += part.Text
	}
	return out, nil
}

func (g *GeminiAdapter) SupportsStreaming() bool { return true }

func (g *GeminiAdapter) ParseStreamLine(line string) (StreamChunk, bool) {
	payload, ok := ssePayload(line)
	if !ok {
		return StreamChunk{}, false
	}

	var ev geminiResponse
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return StreamChunk{}, false
	}
	if len(ev.Candidates) == 0 {
		return StreamChunk{}, false
	}

	var chunk StreamChunk
	for _, part := range ev.Candidates[0].Content.Parts {
		chunk.Content += part.Text
	}
	chunk.FinishReason = ev.Candidates[0].FinishReason
	// usageMetadata repeats cumulatively; report only the final total so
	// accumulation stays additive.
	if chunk.FinishReason != "" {
		chunk.TokensUsed = ev.UsageMetadata.TotalTokenCount
		chunk.Done = true
	}
	if chunk.Content == "" && !chunk.Done {
		return StreamChunk{}, false
	}
	return chunk, true
}
