package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: gateway → scheduler → LLM → schedules
	// This ensures dependencies are validated before dependents

	if err := v.validateGateway(); err != nil {
		return fmt.Errorf("gateway validation failed: %w", err)
	}

	if err := v.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}

	if err := validateLLM(v.cfg.LLM); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}

	if err := v.validateSchedules(); err != nil {
		return fmt.Errorf("schedule validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateGateway() error {
	gw := v.cfg.Gateway
	if gw == nil {
		return NewValidationError("gateway", "gateway", "", ErrMissingRequiredField)
	}
	if gw.Port < 1 || gw.Port > 65535 {
		return NewValidationError("gateway", "gateway", "port", fmt.Errorf("%w: %d", ErrInvalidValue, gw.Port))
	}
	if gw.HeartbeatInterval <= 0 {
		return NewValidationError("gateway", "gateway", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if gw.HeartbeatTimeout <= 0 || gw.HeartbeatTimeout >= gw.HeartbeatInterval {
		return NewValidationError("gateway", "gateway", "heartbeat_timeout", fmt.Errorf("must be positive and below heartbeat_interval"))
	}
	if gw.MaxConnectionsPerIP < 1 {
		return NewValidationError("gateway", "gateway", "max_connections_per_ip", fmt.Errorf("must be at least 1"))
	}
	if gw.AuthTimeout <= 0 {
		return NewValidationError("gateway", "gateway", "auth_timeout", fmt.Errorf("must be positive"))
	}

	for _, tok := range gw.PairingTokens {
		if tok.ID == "" {
			return NewValidationError("pairing_token", tok.ID, "id", ErrMissingRequiredField)
		}
		if len(tok.TokenHash) != 64 {
			return NewValidationError("pairing_token", tok.ID, "token_hash", fmt.Errorf("must be 64 hex chars (SHA-256)"))
		}
		for _, p := range tok.Permissions {
			switch p {
			case "read", "write", "admin":
			default:
				return NewValidationError("pairing_token", tok.ID, "permissions", fmt.Errorf("%w: %s", ErrInvalidValue, p))
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateScheduler() error {
	sc := v.cfg.Scheduler
	if sc == nil {
		return NewValidationError("scheduler", "scheduler", "", ErrMissingRequiredField)
	}
	if sc.TickInterval <= 0 {
		return NewValidationError("scheduler", "scheduler", "tick_interval", fmt.Errorf("must be positive"))
	}
	if sc.MaxConcurrentGoals < 1 {
		return NewValidationError("scheduler", "scheduler", "max_concurrent_goals", fmt.Errorf("must be at least 1"))
	}
	if sc.StuckSweepEvery < 1 {
		return NewValidationError("scheduler", "scheduler", "stuck_sweep_every", fmt.Errorf("must be at least 1"))
	}
	if sc.RetryBaseDelay <= 0 || sc.RetryMaxDelay < sc.RetryBaseDelay {
		return NewValidationError("scheduler", "scheduler", "retry_base_delay", fmt.Errorf("base must be positive and below retry_max_delay"))
	}

	for lane, max := range sc.Lanes {
		switch lane {
		case LaneMain, LaneSubagent, LaneCron, LaneSession:
		default:
			return NewValidationError("scheduler", "scheduler", "lanes", fmt.Errorf("unknown lane '%s'", lane))
		}
		if max < 1 {
			return NewValidationError("scheduler", "scheduler", "lanes", fmt.Errorf("lane '%s' concurrency must be at least 1", lane))
		}
	}
	if _, ok := sc.Lanes[LaneMain]; !ok {
		return NewValidationError("scheduler", "scheduler", "lanes", fmt.Errorf("lane '%s' is required (fallback target)", LaneMain))
	}

	return nil
}

// validateLLM is standalone so the hot-reload watcher can revalidate a new
// snapshot without a full Config.
func validateLLM(llm *LLMConfig) error {
	if llm == nil {
		return NewValidationError("llm", "llm", "", ErrMissingRequiredField)
	}

	for id, ep := range llm.Endpoints {
		switch ep.Protocol {
		case ProtocolAnthropic, ProtocolOpenAI, ProtocolGemini, ProtocolBedrock:
		default:
			return NewValidationError("endpoint", id, "protocol", fmt.Errorf("%w: %s", ErrInvalidValue, ep.Protocol))
		}
		if ep.Protocol == ProtocolBedrock && ep.Region == "" {
			return NewValidationError("endpoint", id, "region", fmt.Errorf("required for bedrock endpoints"))
		}
	}

	for id, model := range llm.Models {
		if len(model.Endpoints) == 0 {
			return NewValidationError("model", id, "endpoints", fmt.Errorf("at least one endpoint required"))
		}
		for _, epID := range model.Endpoints {
			if _, ok := llm.Endpoints[epID]; !ok {
				return NewValidationError("model", id, "endpoints", fmt.Errorf("%w: endpoint '%s'", ErrInvalidReference, epID))
			}
		}
		if model.CostPer1kTokens.Input < 0 || model.CostPer1kTokens.Output < 0 {
			return NewValidationError("model", id, "cost_per_1k_tokens", fmt.Errorf("must not be negative"))
		}
	}

	for name, tier := range llm.Tiers {
		switch name {
		case TierSimple, TierMedium, TierComplex:
		default:
			return NewValidationError("tier", name, "", fmt.Errorf("%w: tier name", ErrInvalidValue))
		}
		if tier.Primary == "" {
			return NewValidationError("tier", name, "primary", ErrMissingRequiredField)
		}
		if _, ok := llm.Models[tier.Primary]; !ok {
			return NewValidationError("tier", name, "primary", fmt.Errorf("%w: model '%s'", ErrInvalidReference, tier.Primary))
		}
		for _, fb := range tier.Fallback {
			if _, ok := llm.Models[fb]; !ok {
				return NewValidationError("tier", name, "fallback", fmt.Errorf("%w: model '%s'", ErrInvalidReference, fb))
			}
		}
	}

	// Tier resolution bottoms out at tiers.medium; require it when any
	// models are configured.
	if len(llm.Models) > 0 {
		if _, ok := llm.Tiers[TierMedium]; !ok {
			return NewValidationError("tier", TierMedium, "", fmt.Errorf("the medium tier is required"))
		}
	}

	for id, agent := range llm.Agents {
		if agent.Tier == "" && agent.Primary == "" {
			return NewValidationError("agent", id, "", fmt.Errorf("either tier or primary is required"))
		}
		if agent.Tier != "" {
			if _, ok := llm.Tiers[agent.Tier]; !ok {
				return NewValidationError("agent", id, "tier", fmt.Errorf("%w: tier '%s'", ErrInvalidReference, agent.Tier))
			}
		}
		if agent.Primary != "" {
			if _, ok := llm.Models[agent.Primary]; !ok {
				return NewValidationError("agent", id, "primary", fmt.Errorf("%w: model '%s'", ErrInvalidReference, agent.Primary))
			}
		}
		for _, fb := range agent.Fallback {
			if _, ok := llm.Models[fb]; !ok {
				return NewValidationError("agent", id, "fallback", fmt.Errorf("%w: model '%s'", ErrInvalidReference, fb))
			}
		}
	}

	if llm.Defaults != nil {
		if llm.Defaults.Timeout <= 0 {
			return NewValidationError("llm", "defaults", "timeout", fmt.Errorf("must be positive"))
		}
		if llm.Defaults.MaxTokens < 1 {
			return NewValidationError("llm", "defaults", "max_tokens", fmt.Errorf("must be at least 1"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateSchedules() error {
	if v.cfg.Schedules == nil {
		return nil
	}
	for name, sched := range v.cfg.Schedules.GetAll() {
		if sched.Title == "" {
			return NewValidationError("schedule", name, "title", ErrMissingRequiredField)
		}
		if sched.Schedule == "" {
			return NewValidationError("schedule", name, "schedule", ErrMissingRequiredField)
		}
		if err := ValidateScheduleExpr(sched.Schedule); err != nil {
			return NewValidationError("schedule", name, "schedule", err)
		}
	}
	return nil
}

// ValidateScheduleExpr accepts a Go duration ("30m") or a standard 5-field
// cron expression.
func ValidateScheduleExpr(expr string) error {
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return fmt.Errorf("interval must be positive")
		}
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("not a duration or cron expression: %v", err)
	}
	return nil
}
