// Package models defines the core domain types shared by the scheduler,
// gateway, and storage layers.
package models

import "time"

// GoalStatus represents the lifecycle state of a goal.
type GoalStatus string

// Goal status constants. Completed and cancelled are terminal.
const (
	GoalQueued    GoalStatus = "queued"
	GoalActive    GoalStatus = "active"
	GoalBlocked   GoalStatus = "blocked"
	GoalCompleted GoalStatus = "completed"
	GoalCancelled GoalStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalCancelled
}

// CriterionKind discriminates how a success criterion is checked.
type CriterionKind string

// Criterion kinds.
const (
	CriterionDeterministic CriterionKind = "deterministic"
	CriterionHeuristic     CriterionKind = "heuristic"
)

// SuccessCriterion is one user-stated condition for goal success.
type SuccessCriterion struct {
	Description        string        `json:"description"`
	Kind               CriterionKind `json:"kind"`
	VerificationMethod string        `json:"verificationMethod,omitempty"`
	Required           bool          `json:"required"`
}

// Budget holds per-goal spend limits. A zero value on an axis means that
// axis is unlimited.
type Budget struct {
	Tokens      int64   `json:"tokens,omitempty"`
	TimeMinutes float64 `json:"timeMinutes,omitempty"`
	CostUsd     float64 `json:"costUsd,omitempty"`
}

// Spend holds running spend counters for a goal. Counters only ever grow.
type Spend struct {
	Tokens      int64   `json:"tokens"`
	TimeMinutes float64 `json:"timeMinutes"`
	CostUsd     float64 `json:"costUsd"`
}

// Goal is a unit of user intent, decomposed into a DAG of work items.
type Goal struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	SuccessCriteria []SuccessCriterion `json:"successCriteria,omitempty"`
	Status          GoalStatus         `json:"status"`
	// Priority orders goal activation; lower value = higher priority.
	Priority int     `json:"priority"`
	Budget   *Budget `json:"budget,omitempty"`
	Spent    Spend   `json:"spent"`
	ParentID string  `json:"parentId,omitempty"`
	// BlockedReason records why the goal is blocked (budget axis, escalation id).
	BlockedReason string         `json:"blockedReason,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (g *Goal) Clone() *Goal {
	cp := *g
	cp.SuccessCriteria = append([]SuccessCriterion(nil), g.SuccessCriteria...)
	cp.Tags = append([]string(nil), g.Tags...)
	if g.Budget != nil {
		b := *g.Budget
		cp.Budget = &b
	}
	if g.Context != nil {
		cp.Context = make(map[string]any, len(g.Context))
		for k, v := range g.Context {
			cp.Context[k] = v
		}
	}
	if g.CompletedAt != nil {
		t := *g.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
