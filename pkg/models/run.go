package models

import "time"

// RunStatus represents the outcome of one execution attempt.
type RunStatus string

// Run status constants. Everything except running is terminal.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
	RunTimeout RunStatus = "timeout"
	RunAborted RunStatus = "aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s != RunRunning && s != ""
}

// Run is one execution attempt of a work item.
//
// RunSequence is 1-based and strictly increasing per work item; at most one
// run per work item is in the running state at any instant.
type Run struct {
	ID          string    `json:"id"`
	WorkItemID  string    `json:"workItemId"`
	GoalID      string    `json:"goalId"`
	AgentType   string    `json:"agentType,omitempty"`
	RunSequence int       `json:"runSequence"`
	Status      RunStatus `json:"status"`
	// Lane records the concurrency lane the run occupied, so lane
	// active-counts can be restored from outstanding runs on recovery.
	Lane           LaneID     `json:"lane"`
	Model          string     `json:"model,omitempty"`
	ExitCode       *int       `json:"exitCode,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	ErrorSignature string     `json:"errorSignature,omitempty"`
	TokensUsed     int64      `json:"tokensUsed"`
	TimeSeconds    float64    `json:"timeSeconds"`
	CostUsd        float64    `json:"costUsd"`
	Artifacts      []string   `json:"artifacts,omitempty"`
	ExecutionLog   string     `json:"executionLog,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Artifacts = append([]string(nil), r.Artifacts...)
	if r.ExitCode != nil {
		ec := *r.ExitCode
		cp.ExitCode = &ec
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// RunResult is the terminal state reported by an execution engine.
// Intermediate progress is the engine's own business; the scheduler only
// consumes the final accounting.
type RunResult struct {
	Status         RunStatus `json:"status"`
	TokensUsed     int64     `json:"tokensUsed"`
	TimeSeconds    float64   `json:"timeSeconds"`
	CostUsd        float64   `json:"costUsd"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	ErrorSignature string    `json:"errorSignature,omitempty"`
	Artifacts      []string  `json:"artifacts,omitempty"`
}

// Artifact is an opaque output produced by a run, addressed by id.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	Kind      string    `json:"kind,omitempty"`
	URI       string    `json:"uri,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
