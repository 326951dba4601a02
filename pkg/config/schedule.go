package config

import (
	"fmt"
	"sync"
)

// ScheduleConfig describes a recurring goal. Schedule accepts either a Go
// duration ("30m") for fixed intervals or a standard 5-field cron
// expression. Goals submitted from a schedule carry context.scheduled=true
// and are routed to the cron lane.
type ScheduleConfig struct {
	Schedule    string            `yaml:"schedule"`
	Title       string            `yaml:"title"`
	Description string            `yaml:"description,omitempty"`
	Priority    int               `yaml:"priority,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	Context     map[string]any    `yaml:"context,omitempty"`
	Budget      *GoalBudgetConfig `yaml:"budget,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the schedule submits goals.
func (s *ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// GoalBudgetConfig caps a scheduled goal. Zero means unlimited on that axis.
type GoalBudgetConfig struct {
	Tokens      int64   `yaml:"tokens,omitempty"`
	TimeMinutes float64 `yaml:"time_minutes,omitempty"`
	CostUsd     float64 `yaml:"cost_usd,omitempty"`
}

// ScheduleRegistry stores schedule configurations in memory with thread-safe access
type ScheduleRegistry struct {
	schedules map[string]*ScheduleConfig
	mu        sync.RWMutex
}

// NewScheduleRegistry creates a new schedule registry
func NewScheduleRegistry(schedules map[string]*ScheduleConfig) *ScheduleRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ScheduleConfig, len(schedules))
	for k, v := range schedules {
		copied[k] = v
	}
	return &ScheduleRegistry{
		schedules: copied,
	}
}

// Get retrieves a schedule configuration by name (thread-safe)
func (r *ScheduleRegistry) Get(name string) (*ScheduleConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schedule, exists := r.schedules[name]
	if !exists {
		return nil, fmt.Errorf("schedule not found: %s", name)
	}
	return schedule, nil
}

// GetAll returns all schedule configurations (thread-safe, returns copy)
func (r *ScheduleRegistry) GetAll() map[string]*ScheduleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ScheduleConfig, len(r.schedules))
	for k, v := range r.schedules {
		result[k] = v
	}
	return result
}

// Len returns the number of schedules in the registry (thread-safe)
func (r *ScheduleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schedules)
}
