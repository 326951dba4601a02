package config

import "time"

// Protocol selects the wire dialect an endpoint speaks.
type Protocol string

// Supported endpoint protocols.
const (
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolOpenAI    Protocol = "openai"
	ProtocolGemini    Protocol = "gemini"
	ProtocolBedrock   Protocol = "bedrock"
)

// Model tier names. A tier is an abstract complexity class the scheduler
// picks; the LLM layer resolves it to a concrete model.
const (
	TierSimple  = "simple"
	TierMedium  = "medium"
	TierComplex = "complex"
)

// LLMConfig is the complete llm-providers.yaml structure. It is
// hot-reloadable: the watcher re-parses the file and swaps the active
// snapshot atomically.
type LLMConfig struct {
	Endpoints map[string]*EndpointConfig   `yaml:"endpoints"`
	Models    map[string]*ModelConfig      `yaml:"models"`
	Tiers     map[string]*TierConfig       `yaml:"tiers"`
	Agents    map[string]*AgentModelConfig `yaml:"agents"`
	Defaults  *LLMDefaults                 `yaml:"defaults"`
}

// EndpointConfig describes one concrete provider endpoint.
type EndpointConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Protocol selects the ProtocolAdapter used for this endpoint.
	Protocol Protocol `yaml:"protocol"`

	// BaseURL overrides the protocol's default API host. Required for
	// bedrock (region-scoped) and self-hosted gateways.
	BaseURL string `yaml:"base_url,omitempty"`

	// Priority orders endpoints within a model's list; lower tries first.
	Priority int `yaml:"priority"`

	// APIKeyEnv is the environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Region is used by the bedrock signer.
	Region string `yaml:"region,omitempty"`

	// Deployment switches OpenAI-protocol requests to Azure conventions
	// (api-key header, deployment-scoped path).
	Deployment string `yaml:"deployment,omitempty"`

	// RateLimit is requests per minute; zero means unlimited.
	RateLimit int `yaml:"rate_limit,omitempty"`

	// CostMultiplier scales model cost when routed via this endpoint.
	CostMultiplier float64 `yaml:"cost_multiplier,omitempty"`
}

// IsEnabled reports whether the endpoint participates in routing.
func (e *EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ModelCost is price per 1k tokens in USD.
type ModelCost struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// ModelConfig describes one routable model. The map key in LLMConfig.Models
// is the provider-native model id sent on the wire.
type ModelConfig struct {
	DisplayName      string    `yaml:"display_name"`
	Endpoints        []string  `yaml:"endpoints"`
	CostPer1kTokens  ModelCost `yaml:"cost_per_1k_tokens"`
	MaxContextTokens int       `yaml:"max_context_tokens,omitempty"`
	Capabilities     []string  `yaml:"capabilities,omitempty"`
}

// TierConfig maps a complexity class to a primary model and fallbacks.
type TierConfig struct {
	Primary  string   `yaml:"primary"`
	Fallback []string `yaml:"fallback,omitempty"`
}

// AgentModelConfig pins an agent to a tier or to explicit models.
type AgentModelConfig struct {
	Tier     string   `yaml:"tier,omitempty"`
	Primary  string   `yaml:"primary,omitempty"`
	Fallback []string `yaml:"fallback,omitempty"`
}

// LLMDefaults applies when a request does not override.
type LLMDefaults struct {
	Timeout     Duration `yaml:"timeout"`
	MaxTokens   int      `yaml:"max_tokens"`
	MaxRetries  int      `yaml:"max_retries"`
	RetryDelay  Duration `yaml:"retry_delay"`
	Temperature float64  `yaml:"temperature"`
}

// DefaultLLMDefaults returns the built-in request defaults.
func DefaultLLMDefaults() *LLMDefaults {
	return &LLMDefaults{
		Timeout:     Duration(120 * time.Second),
		MaxTokens:   4096,
		MaxRetries:  3,
		RetryDelay:  Duration(1 * time.Second),
		Temperature: 0.2,
	}
}
