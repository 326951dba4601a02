package llm

import (
	"context"
	"net/http"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

// BodyOptions are the request knobs every protocol carries.
type BodyOptions struct {
	MaxTokens   int
	Temperature *float64
	Tools       []ToolDefinition
	ToolChoice  string
	Stream      bool
}

// ProtocolAdapter translates generic chat messages to and from one vendor
// wire dialect. Adapters are stateless; credentials come from the endpoint
// config and the environment at call time.
type ProtocolAdapter interface {
	// Protocol returns the dialect this adapter speaks.
	Protocol() config.Protocol

	// BuildURL constructs the request URL for the endpoint and model.
	BuildURL(ep *config.EndpointConfig, model string, stream bool) string

	// BuildRequestBody encodes messages into the provider-native shape.
	BuildRequestBody(model string, messages []Message, opts BodyOptions) ([]byte, error)

	// SignRequest sets protocol auth on req. body is the exact payload the
	// request carries; the bedrock signer hashes it.
	SignRequest(ctx context.Context, req *http.Request, ep *config.EndpointConfig, body []byte) error

	// HasCredentials reports whether the endpoint's credential is present
	// in the environment.
	HasCredentials(ep *config.EndpointConfig) bool

	// ParseResponse decodes a non-streaming provider response.
	ParseResponse(body []byte, model string) (*Response, error)

	// ParseStreamLine consumes one line of a streaming response body and
	// returns zero or one chunk. The second return is false when the line
	// carries no chunk (keep-alives, event names, blank separators).
	ParseStreamLine(line string) (StreamChunk, bool)

	// SupportsStreaming reports whether the dialect delivers line-framed
	// streams this adapter can parse.
	SupportsStreaming() bool
}

// defaultAdapters returns one adapter per supported protocol.
func defaultAdapters() map[config.Protocol]ProtocolAdapter {
	return map[config.Protocol]ProtocolAdapter{
		config.ProtocolAnthropic: &AnthropicAdapter{},
		config.ProtocolOpenAI:    &OpenAIAdapter{},
		config.ProtocolGemini:    &GeminiAdapter{},
		config.ProtocolBedrock:   &BedrockAdapter{},
	}
}
