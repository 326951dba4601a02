package models

import "time"

// WorkItemStatus represents the lifecycle state of a work item.
type WorkItemStatus string

// Work item status constants. Done, failed, and cancelled are terminal.
const (
	WorkItemQueued     WorkItemStatus = "queued"
	WorkItemReady      WorkItemStatus = "ready"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemVerify     WorkItemStatus = "verify"
	WorkItemDone       WorkItemStatus = "done"
	WorkItemFailed     WorkItemStatus = "failed"
	WorkItemBlocked    WorkItemStatus = "blocked"
	WorkItemCancelled  WorkItemStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkItemStatus) Terminal() bool {
	return s == WorkItemDone || s == WorkItemFailed || s == WorkItemCancelled
}

// WorkItemType classifies what kind of work an item represents.
type WorkItemType string

// Work item types.
const (
	WorkItemCode     WorkItemType = "code"
	WorkItemTest     WorkItemType = "test"
	WorkItemDoc      WorkItemType = "doc"
	WorkItemRefactor WorkItemType = "refactor"
	WorkItemAnalysis WorkItemType = "analysis"
)

// Effort is the estimated size class of a work item.
type Effort string

// Effort classes.
const (
	EffortS  Effort = "S"
	EffortM  Effort = "M"
	EffortL  Effort = "L"
	EffortXL Effort = "XL"
)

// VerificationStatus tracks the outcome of a work item's verification plan.
type VerificationStatus string

// Verification status constants.
const (
	VerificationNotStarted VerificationStatus = "not_started"
	VerificationPassed     VerificationStatus = "passed"
	VerificationFailed     VerificationStatus = "failed"
	VerificationSkipped    VerificationStatus = "skipped"
)

// VerificationPlan bundles the quality gates and acceptance criteria that
// must hold before a work item is considered done.
type VerificationPlan struct {
	QualityGates       []QualityGate `json:"qualityGates,omitempty"`
	AcceptanceCriteria []string      `json:"acceptanceCriteria,omitempty"`
}

// WorkItem is a node in a goal's dependency DAG.
//
// Invariants: the dependency graph within a goal is acyclic; an item may be
// ready only when every dependency is done; at most one run is active per
// item at a time.
type WorkItem struct {
	ID          string         `json:"id"`
	GoalID      string         `json:"goalId"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Type        WorkItemType   `json:"type"`
	Status      WorkItemStatus `json:"status"`
	Priority    int            `json:"priority"`
	// Dependencies lists work item ids (same goal) that must be done first.
	Dependencies []string `json:"dependencies,omitempty"`
	// Blocks is the inverse edge set, maintained by the store.
	Blocks             []string           `json:"blocks,omitempty"`
	AssignedAgent      string             `json:"assignedAgent,omitempty"`
	EstimatedEffort    Effort             `json:"estimatedEffort"`
	RetryCount         int                `json:"retryCount"`
	MaxRetries         int                `json:"maxRetries"`
	Verification       *VerificationPlan  `json:"verification,omitempty"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	Context            map[string]any     `json:"context,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (w *WorkItem) Clone() *WorkItem {
	cp := *w
	cp.Dependencies = append([]string(nil), w.Dependencies...)
	cp.Blocks = append([]string(nil), w.Blocks...)
	if w.Verification != nil {
		v := *w.Verification
		v.QualityGates = append([]QualityGate(nil), w.Verification.QualityGates...)
		v.AcceptanceCriteria = append([]string(nil), w.Verification.AcceptanceCriteria...)
		cp.Verification = &v
	}
	if w.Context != nil {
		cp.Context = make(map[string]any, len(w.Context))
		for k, v := range w.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// ContextBool reads a boolean flag from the item context, falling back to
// the goal context when the item does not set it.
func ContextBool(item *WorkItem, goal *Goal, key string) bool {
	if item != nil && item.Context != nil {
		if v, ok := item.Context[key].(bool); ok {
			return v
		}
	}
	if goal != nil && goal.Context != nil {
		if v, ok := goal.Context[key].(bool); ok {
			return v
		}
	}
	return false
}

// ContextString reads a string value from the item context, falling back to
// the goal context when the item does not set it.
func ContextString(item *WorkItem, goal *Goal, key string) string {
	if item != nil && item.Context != nil {
		if v, ok := item.Context[key].(string); ok {
			return v
		}
	}
	if goal != nil && goal.Context != nil {
		if v, ok := goal.Context[key].(string); ok {
			return v
		}
	}
	return ""
}
