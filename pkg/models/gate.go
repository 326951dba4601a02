package models

// GateType discriminates how a quality gate is evaluated.
type GateType string

// Gate types.
const (
	GateDeterministic GateType = "deterministic"
	GateLLMReview     GateType = "llm_review"
)

// QualityGate is a single verification check. Deterministic gates carry a
// command; llm_review gates carry a review prompt.
type QualityGate struct {
	Name             string   `json:"name"`
	Type             GateType `json:"type"`
	Command          string   `json:"command,omitempty"`
	ExpectedExitCode int      `json:"expectedExitCode"`
	ReviewPrompt     string   `json:"reviewPrompt,omitempty"`
	Required         bool     `json:"required"`
}

// GateResult records the outcome of one gate evaluation.
type GateResult struct {
	Name       string   `json:"name"`
	Type       GateType `json:"type"`
	Required   bool     `json:"required"`
	Passed     bool     `json:"passed"`
	Reasoning  string   `json:"reasoning,omitempty"`
	ExitCode   *int     `json:"exitCode,omitempty"`
	Stdout     string   `json:"stdout,omitempty"`
	Stderr     string   `json:"stderr,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"durationMs"`
}

// VerificationReport is the aggregate outcome of running a work item's
// verification plan.
type VerificationReport struct {
	WorkItemID      string       `json:"workItemId"`
	RunID           string       `json:"runId"`
	AllPassed       bool         `json:"allPassed"`
	RequiredPassed  bool         `json:"requiredPassed"`
	Results         []GateResult `json:"results"`
	TotalDurationMs int64        `json:"totalDurationMs"`
	Summary         string       `json:"summary,omitempty"`
}
