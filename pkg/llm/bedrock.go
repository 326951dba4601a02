package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

// The Bedrock runtime exposes Anthropic models through the Messages body
// shape with a version pin instead of a model field.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockAdapter invokes models on the AWS Bedrock runtime with SigV4
// request signing. Responses stream as binary event frames rather than
// lines, so this adapter does not stream; the manager falls back to a
// buffered call.
type BedrockAdapter struct {
	signer *v4.Signer
}

func (b *BedrockAdapter) Protocol() config.Protocol { return config.ProtocolBedrock }

func (b *BedrockAdapter) BuildURL(ep *config.EndpointConfig, model string, _ bool) string {
	base := ep.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", ep.Region)
	}
	return fmt.Sprintf("%s/model/%s/invoke", strings.TrimSuffix(base, "/"), url.PathEscape(model))
}

func (b *BedrockAdapter) SignRequest(ctx context.Context, req *http.Request, ep *config.EndpointConfig, body []byte) error {
	creds, err := bedrockCredentials()
	if err != nil {
		return NewFatalError(err)
	}

	if b.signer == nil {
		b.signer = v4.NewSigner()
	}

	sum := sha256.Sum256(body)
	if err := b.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), "bedrock", ep.Region, time.Now()); err != nil {
		return NewFatalError(fmt.Errorf("sign bedrock request: %w", err))
	}
	return nil
}

func (b *BedrockAdapter) HasCredentials(_ *config.EndpointConfig) bool {
	_, err := bedrockCredentials()
	return err == nil
}

func bedrockCredentials() (aws.Credentials, error) {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return aws.Credentials{}, fmt.Errorf("bedrock: AWS credentials not in environment")
	}
	return aws.Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
	}, nil
}

type bedrockRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
	System           string             `json:"system,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
}

func (b *BedrockAdapter) BuildRequestBody(_ string, messages []Message, opts BodyOptions) ([]byte, error) {
	system, rest := splitSystem(messages)

	apiMessages := make([]anthropicMessage, 0, len(rest))
	for _, msg := range rest {
		apiMessages = append(apiMessages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         apiMessages,
		System:           system,
		Temperature:      opts.Temperature,
	})
}

func (b *BedrockAdapter) ParseResponse(body []byte, model string) (*Response, error) {
	resp, err := (&AnthropicAdapter{}).ParseResponse(body, model)
	if err != nil {
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}

func (b *BedrockAdapter) SupportsStreaming() bool { return false }

func (b *BedrockAdapter) ParseStreamLine(_ string) (StreamChunk, bool) {
	return StreamChunk{}, false
}
