package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/metrics"
)

// maxResponseSize caps provider response bodies.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// maxStreamLineSize caps one SSE line; large tool payloads fit comfortably.
const maxStreamLineSize = 1024 * 1024

// Manager routes completion requests across configured endpoints and models.
// The active config is an immutable snapshot swapped atomically on reload;
// endpoint health is keyed by endpoint id and survives the swap.
type Manager struct {
	logger     *slog.Logger
	publisher  *events.Publisher
	httpClient *http.Client
	adapters   map[config.Protocol]ProtocolAdapter
	health     *healthTracker

	mu       sync.RWMutex
	cfg      *config.LLMConfig
	limiters map[string]*rate.Limiter
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithCooloff overrides the endpoint cool-off window.
func WithCooloff(d time.Duration) ManagerOption {
	return func(m *Manager) { m.health = newHealthTracker(d) }
}

// WithAdapter registers or replaces the adapter for a protocol.
func WithAdapter(a ProtocolAdapter) ManagerOption {
	return func(m *Manager) { m.adapters[a.Protocol()] = a }
}

// NewManager creates a Manager over the given config snapshot.
func NewManager(cfg *config.LLMConfig, publisher *events.Publisher, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if cfg == nil {
		panic("llm: config is required")
	}
	if publisher == nil {
		panic("llm: publisher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger:    logger.With("component", "llm"),
		publisher: publisher,
		httpClient: &http.Client{
			// Per-call deadlines come from the request context; this is a
			// hard backstop for stuck streams.
			Timeout: 10 * time.Minute,
		},
		adapters: defaultAdapters(),
		health:   newHealthTracker(DefaultCooloff),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.install(cfg)
	return m
}

// Reload swaps the active config snapshot. Endpoint health is preserved for
// endpoint ids that persist across the swap.
func (m *Manager) Reload(cfg *config.LLMConfig) {
	m.install(cfg)
	m.logger.Info("LLM config reloaded",
		"endpoints", len(cfg.Endpoints),
		"models", len(cfg.Models))
}

func (m *Manager) install(cfg *config.LLMConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limiters := make(map[string]*rate.Limiter, len(cfg.Endpoints))
	for id, ep := range cfg.Endpoints {
		if ep.RateLimit <= 0 {
			continue
		}
		// Keep bucket state for endpoints whose limit did not change.
		if old, ok := m.limiters[id]; ok && old.Limit() == rate.Every(time.Minute/time.Duration(ep.RateLimit)) {
			limiters[id] = old
			continue
		}
		limiters[id] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(ep.RateLimit)), 1)
	}

	m.cfg = cfg
	m.limiters = limiters
}

func (m *Manager) snapshot() (*config.LLMConfig, map[string]*rate.Limiter) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.limiters
}

// ModelForAgent resolves the primary model for an agent id.
func (m *Manager) ModelForAgent(agentID string) string {
	cfg, _ := m.snapshot()
	primary, _ := resolveChain(cfg, agentID, "", "")
	return primary
}

// ModelForTier resolves the primary model for a complexity tier, falling
// back to the medium tier when the requested one is not configured.
func (m *Manager) ModelForTier(tier string) string {
	cfg, _ := m.snapshot()
	primary, _ := resolveChain(cfg, "", tier, "")
	return primary
}

// FallbackChain resolves the ordered, deduplicated model chain for an agent.
func (m *Manager) FallbackChain(agentID string) []string {
	cfg, _ := m.snapshot()
	primary, fallback := resolveChain(cfg, agentID, "", "")
	if primary == "" {
		return nil
	}
	return dedupe(append([]string{primary}, fallback...))
}

// EndpointHealth reports the tracked state of every endpoint that has seen
// traffic, for diagnostics.
func (m *Manager) EndpointHealth() map[string]EndpointHealth {
	return m.health.snapshot()
}

// Complete resolves the request to a model chain and walks it: for each
// model, each available endpoint in priority order. Transient failures put
// the endpoint in cool-off and move on; fatal failures abort immediately.
func (m *Manager) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	cfg, limiters := m.snapshot()

	primary, fallback := resolveChain(cfg, req.AgentID, req.Tier, req.Model)
	if primary == "" {
		return nil, fmt.Errorf("no model resolvable for request (agent=%q tier=%q model=%q)",
			req.AgentID, req.Tier, req.Model)
	}
	chain := dedupe(append([]string{primary}, fallback...))

	ref := req.Ref
	if ref.RequestID == "" {
		ref.RequestID = uuid.New().String()
	}

	var lastErr error
	tried := 0
	for _, modelID := range chain {
		model, ok := cfg.Models[modelID]
		if !ok {
			m.logger.Warn("model not configured, skipping", "model", modelID)
			continue
		}
		if lastErr != nil {
			metrics.RecordLLMFailover("model")
		}

		for i, cand := range m.availableEndpoints(cfg, model) {
			if i > 0 {
				metrics.RecordLLMFailover("endpoint")
			}
			tried++

			resp, err := m.tryEndpoint(ctx, cand, limiters[cand.id], modelID, req, ref, cfg.Defaults)
			if err == nil {
				m.health.markSuccess(cand.id)
				resp.RequestID = ref.RequestID
				return resp, nil
			}
			lastErr = err

			if IsFatal(err) {
				// Config or request problem, not endpoint health.
				return nil, err
			}

			m.health.markFailure(cand.id)
			metrics.RecordLLMCooloff(cand.id)
			m.logger.Warn("endpoint failed, entering cool-off",
				"endpoint", cand.id,
				"model", modelID,
				"error", err)
		}
	}

	if tried == 0 {
		return nil, fmt.Errorf("no available endpoints for chain %v", chain)
	}
	return nil, fmt.Errorf("all endpoints failed for chain %v: %w", chain, lastErr)
}

type candidate struct {
	id      string
	ep      *config.EndpointConfig
	adapter ProtocolAdapter
}

// availableEndpoints filters a model's endpoint list to enabled endpoints
// with credentials that are not cooling off, ordered by priority.
func (m *Manager) availableEndpoints(cfg *config.LLMConfig, model *config.ModelConfig) []candidate {
	out := make([]candidate, 0, len(model.Endpoints))
	for _, id := range model.Endpoints {
		ep, ok := cfg.Endpoints[id]
		if !ok || !ep.IsEnabled() {
			continue
		}
		adapter, ok := m.adapters[ep.Protocol]
		if !ok {
			m.logger.Warn("no adapter for protocol", "endpoint", id, "protocol", ep.Protocol)
			continue
		}
		if !adapter.HasCredentials(ep) {
			continue
		}
		if !m.health.available(id) {
			continue
		}
		out = append(out, candidate{id: id, ep: ep, adapter: adapter})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ep.Priority != out[j].ep.Priority {
			return out[i].ep.Priority < out[j].ep.Priority
		}
		return out[i].id < out[j].id
	})
	return out
}

func (m *Manager) tryEndpoint(ctx context.Context, cand candidate, limiter *rate.Limiter, modelID string, req Request, ref events.StreamRef, defaults *config.LLMDefaults) (*Response, error) {
	if defaults == nil {
		defaults = config.DefaultLLMDefaults()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaults.Timeout.Duration()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limiter != nil {
		if err := limiter.Wait(callCtx); err != nil {
			return nil, NewTransientError(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaults.MaxTokens
	}
	temperature := req.Temperature
	if temperature == nil {
		t := defaults.Temperature
		temperature = &t
	}
	stream := req.Stream && cand.adapter.SupportsStreaming()

	body, err := cand.adapter.BuildRequestBody(modelID, req.Messages, BodyOptions{
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Stream:      stream,
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, cand.adapter.BuildURL(cand.ep, modelID, stream), bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if err := cand.adapter.SignRequest(callCtx, httpReq, cand.ep, body); err != nil {
		return nil, err
	}

	m.logger.Debug("sending completion request",
		"endpoint", cand.id,
		"model", modelID,
		"stream", stream,
		"messages", len(req.Messages))

	protocol := string(cand.ep.Protocol)
	start := time.Now()
	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		metrics.RecordLLMRequest(protocol, modelID, "network_error", time.Since(start))
		return nil, NewTransientError(fmt.Errorf("request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		metrics.RecordLLMRequest(protocol, modelID, fmt.Sprintf("http_%d", httpResp.StatusCode), time.Since(start))
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	if stream {
		resp, err := m.consumeStream(cand.adapter, httpResp.Body, req, ref, modelID)
		if err != nil {
			metrics.RecordLLMRequest(protocol, modelID, "stream_error", time.Since(start))
			return nil, err
		}
		metrics.RecordLLMRequest(protocol, modelID, "ok", time.Since(start))
		return resp, nil
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		metrics.RecordLLMRequest(protocol, modelID, "read_error", time.Since(start))
		return nil, NewTransientError(fmt.Errorf("read response: %w", err))
	}
	resp, err := cand.adapter.ParseResponse(respBody, modelID)
	if err != nil {
		metrics.RecordLLMRequest(protocol, modelID, "parse_error", time.Since(start))
		return nil, err
	}
	metrics.RecordLLMRequest(protocol, modelID, "ok", time.Since(start))

	// Streaming was requested but the dialect cannot stream: deliver the
	// buffered result as a single chunk so callers see a uniform shape.
	if req.Stream && !stream {
		m.publisher.StreamStart(ref, modelID)
		if resp.Content != "" {
			m.publisher.StreamChunk(ref, 0, resp.Content)
		}
		if req.OnChunk != nil {
			req.OnChunk(StreamChunk{
				Content:      resp.Content,
				Done:         true,
				FinishReason: resp.FinishReason,
				TokensUsed:   resp.TokensUsed,
			})
		}
		m.publisher.StreamEnd(ref, 1, resp.TokensUsed, resp.FinishReason)
	}
	return resp, nil
}

// consumeStream drains a line-framed streaming body, emitting chunk events
// in arrival order and accumulating the final response.
func (m *Manager) consumeStream(adapter ProtocolAdapter, body io.Reader, req Request, ref events.StreamRef, modelID string) (*Response, error) {
	m.publisher.StreamStart(ref, modelID)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineSize)

	resp := &Response{Model: modelID}
	var content, thinking strings.Builder
	index := 0

	for scanner.Scan() {
		chunk, ok := adapter.ParseStreamLine(scanner.Text())
		if !ok {
			continue
		}
		content.WriteString(chunk.Content)
		thinking.WriteString(chunk.Thinking)
		resp.TokensUsed += chunk.TokensUsed
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.Content != "" {
			m.publisher.StreamChunk(ref, index, chunk.Content)
			index++
		}
		if req.OnChunk != nil {
			req.OnChunk(chunk)
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		m.publisher.StreamError(ref, err.Error())
		return nil, NewTransientError(fmt.Errorf("stream read: %w", err))
	}

	resp.Content = content.String()
	resp.Thinking = thinking.String()
	m.publisher.StreamEnd(ref, index, resp.TokensUsed, resp.FinishReason)
	return resp, nil
}

// resolveChain applies the resolution rules: an explicit model wins, then a
// tier, then the agent's config, then the medium tier.
func resolveChain(cfg *config.LLMConfig, agentID, tier, model string) (primary string, fallback []string) {
	if model != "" {
		return model, nil
	}

	if tier == "" && agentID != "" {
		if agent, ok := cfg.Agents[agentID]; ok {
			if agent.Primary != "" {
				return agent.Primary, agent.Fallback
			}
			tier = agent.Tier
		}
	}
	if tier == "" {
		tier = config.TierMedium
	}

	tc, ok := cfg.Tiers[tier]
	if !ok {
		tc, ok = cfg.Tiers[config.TierMedium]
		if !ok {
			return "", nil
		}
	}
	return tc.Primary, tc.Fallback
}

func dedupe(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, id := range models {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
