package config

import "time"

// SchedulerConfig contains tick loop and dispatch policy configuration.
// These values control how goals are activated, how work items are routed
// to lanes, and when the scheduler escalates instead of retrying.
type SchedulerConfig struct {
	// TickInterval is the cadence of the scheduler loop. A tick that
	// overruns causes the next tick to be skipped, not queued.
	TickInterval Duration `yaml:"tick_interval"`

	// MaxConcurrentGoals is how many goals may be active at once.
	MaxConcurrentGoals int `yaml:"max_concurrent_goals"`

	// AutoStart starts the tick loop at boot. When false the loop starts
	// on the first submitted goal.
	AutoStart bool `yaml:"auto_start"`

	// Lanes maps lane name to its maximum concurrency.
	Lanes map[string]int `yaml:"lanes"`

	// DefaultMaxRetries applies to work items that do not set their own.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// MaxSameErrorRetries is how many consecutive identical error
	// signatures are tolerated before escalating instead of retrying.
	MaxSameErrorRetries int `yaml:"max_same_error_retries"`

	// RetryBaseDelay is the first retry backoff; doubles per attempt.
	RetryBaseDelay Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay Duration `yaml:"retry_max_delay"`

	// StuckSweepEvery is the tick period of the stuck detector.
	StuckSweepEvery int `yaml:"stuck_sweep_every"`

	// MaxInProgressDuration flags items stuck in in_progress.
	MaxInProgressDuration Duration `yaml:"max_in_progress_duration"`

	// MaxReadyDuration flags items stuck in ready.
	MaxReadyDuration Duration `yaml:"max_ready_duration"`

	// MaxRunDuration flags runs that never completed.
	MaxRunDuration Duration `yaml:"max_run_duration"`

	// AckSuppression is the default window during which an acknowledged
	// item is excluded from stuck detection.
	AckSuppression Duration `yaml:"ack_suppression"`
}

// Lane names routable by the scheduler.
const (
	LaneMain     = "main"
	LaneSubagent = "subagent"
	LaneCron     = "cron"
	LaneSession  = "session"
)

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval:       Duration(1 * time.Second),
		MaxConcurrentGoals: 5,
		AutoStart:          false,
		Lanes: map[string]int{
			LaneMain:     1,
			LaneSubagent: 3,
			LaneCron:     1,
			LaneSession:  1,
		},
		DefaultMaxRetries:     3,
		MaxSameErrorRetries:   2,
		RetryBaseDelay:        Duration(2 * time.Second),
		RetryMaxDelay:         Duration(60 * time.Second),
		StuckSweepEvery:       10,
		MaxInProgressDuration: Duration(30 * time.Minute),
		MaxReadyDuration:      Duration(60 * time.Minute),
		MaxRunDuration:        Duration(30 * time.Minute),
		AckSuppression:        Duration(5 * time.Minute),
	}
}
