package models

import "time"

// ApprovalStatus represents the lifecycle state of an approval request.
type ApprovalStatus string

// Approval status constants. Granted and denied are terminal.
const (
	ApprovalPending ApprovalStatus = "pending"
	ApprovalGranted ApprovalStatus = "granted"
	ApprovalDenied  ApprovalStatus = "denied"
)

// Approval is an explicit yes/no decision requested from an operator,
// distinct from escalations: approvals gate a forward action, escalations
// report a problem. Approvals live behind the repository so a persistent
// backend can replace the in-memory one without handler changes.
type Approval struct {
	ID          string         `json:"id"`
	GoalID      string         `json:"goalId,omitempty"`
	WorkItemID  string         `json:"workItemId,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	RequestedBy string         `json:"requestedBy,omitempty"`
	Status      ApprovalStatus `json:"status"`
	DecidedBy   string         `json:"decidedBy,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	DecidedAt   *time.Time     `json:"decidedAt,omitempty"`
}
