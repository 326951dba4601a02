package config

// Config is the umbrella configuration object that encapsulates all
// sections and registries. This is the primary object returned by
// Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Gateway holds the WebSocket gateway settings.
	Gateway *GatewayConfig

	// Scheduler holds tick loop and dispatch policy settings.
	Scheduler *SchedulerConfig

	// Engine holds the external agent command bridge settings.
	Engine *EngineConfig

	// Schedules holds the recurring goal definitions.
	Schedules *ScheduleRegistry

	// LLM is the initial provider configuration snapshot. The LLM manager
	// owns the live snapshot once hot reload is running.
	LLM *LLMConfig
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Endpoints int
	Models    int
	Tiers     int
	Agents    int
	Schedules int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.LLM != nil {
		s.Endpoints = len(c.LLM.Endpoints)
		s.Models = len(c.LLM.Models)
		s.Tiers = len(c.LLM.Tiers)
		s.Agents = len(c.LLM.Agents)
	}
	if c.Schedules != nil {
		s.Schedules = c.Schedules.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}
