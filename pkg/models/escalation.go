package models

import "time"

// EscalationKind classifies why human input is needed.
type EscalationKind string

// Escalation kinds.
const (
	EscalationStuck            EscalationKind = "stuck"
	EscalationAmbiguous        EscalationKind = "ambiguous"
	EscalationRisk             EscalationKind = "risk"
	EscalationCredential       EscalationKind = "credential"
	EscalationValidationFailed EscalationKind = "validation_failed"
)

// Severity ranks how urgently an escalation needs attention.
type Severity string

// Severity levels, lowest to highest.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// EscalationStatus represents the lifecycle state of an escalation.
type EscalationStatus string

// Escalation status constants. Resolved and dismissed are terminal.
const (
	EscalationOpen         EscalationStatus = "open"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationResolved     EscalationStatus = "resolved"
	EscalationDismissed    EscalationStatus = "dismissed"
)

// Escalation is a structured request for human intervention.
type Escalation struct {
	ID          string           `json:"id"`
	WorkItemID  string           `json:"workItemId,omitempty"`
	GoalID      string           `json:"goalId"`
	RunID       string           `json:"runId,omitempty"`
	Kind        EscalationKind   `json:"kind"`
	Severity    Severity         `json:"severity"`
	Status      EscalationStatus `json:"status"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Context     map[string]any   `json:"context,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	ResolvedAt  *time.Time       `json:"resolvedAt,omitempty"`
}

// Blocking reports whether this escalation prevents progress on its goal:
// open or acknowledged, at severity high or above.
func (e *Escalation) Blocking() bool {
	if e.Status != EscalationOpen && e.Status != EscalationAcknowledged {
		return false
	}
	return e.Severity.AtLeast(SeverityHigh)
}

// EscalationSpec describes an escalation a component wants raised. The
// scheduler fills in the goal, work item, and run ids when it creates the
// record.
type EscalationSpec struct {
	Kind           EscalationKind `json:"kind"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	ErrorSignature string         `json:"errorSignature,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}
