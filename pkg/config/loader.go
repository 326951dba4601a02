package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConductorYAMLConfig represents the complete conductor.yaml file structure
type ConductorYAMLConfig struct {
	Gateway   *GatewayConfig             `yaml:"gateway"`
	Scheduler *SchedulerConfig           `yaml:"scheduler"`
	Engine    *EngineConfig              `yaml:"engine"`
	Schedules map[string]*ScheduleConfig `yaml:"schedules"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Build in-memory registries
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"endpoints", stats.Endpoints,
		"models", stats.Models,
		"tiers", stats.Tiers,
		"schedules", stats.Schedules)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load conductor.yaml (gateway, scheduler, schedules)
	conductorCfg, err := loader.loadConductorYAML()
	if err != nil {
		return nil, NewLoadError("conductor.yaml", err)
	}

	// 2. Load llm-providers.yaml
	llm, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// 3. Merge user values over built-in defaults (non-zero overrides)
	gatewayCfg := DefaultGatewayConfig()
	if conductorCfg.Gateway != nil {
		if err := mergo.Merge(gatewayCfg, conductorCfg.Gateway, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge gateway config: %w", err)
		}
	}

	schedulerCfg := DefaultSchedulerConfig()
	if conductorCfg.Scheduler != nil {
		if err := mergo.Merge(schedulerCfg, conductorCfg.Scheduler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge scheduler config: %w", err)
		}
		// mergo cannot express "explicit false over default false"; AutoStart
		// has a false default so copying it directly is enough
		schedulerCfg.AutoStart = conductorCfg.Scheduler.AutoStart
	}

	engineCfg := DefaultEngineConfig()
	if conductorCfg.Engine != nil {
		if err := mergo.Merge(engineCfg, conductorCfg.Engine, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge engine config: %w", err)
		}
	}

	applyLLMDefaults(llm)

	// 4. Build registries
	schedules := NewScheduleRegistry(conductorCfg.Schedules)

	return &Config{
		configDir: configDir,
		Gateway:   gatewayCfg,
		Scheduler: schedulerCfg,
		Engine:    engineCfg,
		Schedules: schedules,
		LLM:       llm,
	}, nil
}

// LoadLLMConfig re-reads and validates llm-providers.yaml alone. Used by the
// hot-reload watcher; a file that fails to parse or validate leaves the
// running snapshot untouched.
func LoadLLMConfig(configDir string) (*LLMConfig, error) {
	loader := &configLoader{configDir: configDir}

	llm, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}
	applyLLMDefaults(llm)

	if err := validateLLM(llm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return llm, nil
}

// applyLLMDefaults fills unset request defaults from the built-ins.
func applyLLMDefaults(llm *LLMConfig) {
	defaults := DefaultLLMDefaults()
	if llm.Defaults != nil {
		if err := mergo.Merge(defaults, llm.Defaults, mergo.WithOverride); err == nil {
			llm.Defaults = defaults
			return
		}
	}
	llm.Defaults = defaults
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadConductorYAML() (*ConductorYAMLConfig, error) {
	var config ConductorYAMLConfig

	// Initialize map to avoid nil map
	config.Schedules = make(map[string]*ScheduleConfig)

	if err := l.loadYAML("conductor.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadLLMProvidersYAML() (*LLMConfig, error) {
	var config LLMConfig

	// Initialize maps to avoid nil maps
	config.Endpoints = make(map[string]*EndpointConfig)
	config.Models = make(map[string]*ModelConfig)
	config.Tiers = make(map[string]*TierConfig)
	config.Agents = make(map[string]*AgentModelConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}
