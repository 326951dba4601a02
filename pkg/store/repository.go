// Package store defines the work-order repository contract and ships an
// in-memory implementation. The repository is the sole source of truth for
// goals, work items, runs, escalations, approvals, and artifacts; the
// scheduler and gateway never keep durable state of their own.
package store

import (
	"context"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// GoalFilter narrows ListGoals. Zero values mean "no filter".
type GoalFilter struct {
	Statuses []models.GoalStatus
	Limit    int
	Offset   int
}

// ApprovalFilter narrows ListApprovals. Zero values mean "no filter".
type ApprovalFilter struct {
	GoalID string
	Status models.ApprovalStatus
}

// Repository is the persistence boundary. Implementations must linearize
// status transitions: conditional updates observe a consistent snapshot, and
// terminal statuses are immutable.
//
// All methods return ErrNotFound for unknown ids and ErrConflict for
// transitions the current state does not permit.
type Repository interface {
	// Goals.
	CreateGoal(ctx context.Context, g *models.Goal) error
	GetGoal(ctx context.Context, id string) (*models.Goal, error)
	// ListGoals returns goals ordered by (priority asc, createdAt asc, id asc)
	// and the total count before limit/offset.
	ListGoals(ctx context.Context, f GoalFilter) ([]*models.Goal, int, error)
	// UpdateGoalStatus transitions a goal; reason is recorded for blocked.
	UpdateGoalStatus(ctx context.Context, id string, status models.GoalStatus, reason string) (*models.Goal, error)
	// AddGoalSpend increments the spend counters. Deltas must be >= 0.
	AddGoalSpend(ctx context.Context, id string, tokens int64, minutes, cost float64) (*models.Goal, error)

	// Work items.
	CreateWorkItem(ctx context.Context, w *models.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error)
	GetWorkItemsByGoal(ctx context.Context, goalID string) ([]*models.WorkItem, error)
	UpdateWorkItemStatus(ctx context.Context, id string, status models.WorkItemStatus) (*models.WorkItem, error)
	// UpdateWorkItemStatusIfDependenciesMet promotes queued → ready when every
	// dependency is done. Returns false without error when the guard fails.
	UpdateWorkItemStatusIfDependenciesMet(ctx context.Context, id string) (bool, error)
	// IncrementWorkItemRetry bumps the retry counter after a failed run.
	IncrementWorkItemRetry(ctx context.Context, id string) (*models.WorkItem, error)
	// SetWorkItemVerification records the verification outcome.
	SetWorkItemVerification(ctx context.Context, id string, vs models.VerificationStatus) (*models.WorkItem, error)

	// Runs.
	// CreateRun assigns RunSequence = prevMax+1 when unset and rejects a
	// second concurrently running run for the same work item.
	CreateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	// UpdateRunStatus writes a terminal status; result may carry accounting
	// fields (tokens, seconds, cost, error, artifacts) and may be nil.
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, result *models.RunResult) (*models.Run, error)
	GetRunsByWorkItem(ctx context.Context, workItemID string) ([]*models.Run, error)
	// GetRunningRuns returns all runs currently in the running state, used to
	// restore lane occupancy after a restart.
	GetRunningRuns(ctx context.Context) ([]*models.Run, error)

	// Escalations.
	CreateEscalation(ctx context.Context, e *models.Escalation) error
	GetEscalation(ctx context.Context, id string) (*models.Escalation, error)
	UpdateEscalationStatus(ctx context.Context, id string, status models.EscalationStatus) (*models.Escalation, error)
	// ResolveEscalation marks an escalation resolved with a resolution note.
	ResolveEscalation(ctx context.Context, id, resolution string) (*models.Escalation, error)
	// GetOpenEscalations returns open and acknowledged escalations; goalID
	// empty means all goals.
	GetOpenEscalations(ctx context.Context, goalID string) ([]*models.Escalation, error)
	ListEscalations(ctx context.Context, goalID string, status models.EscalationStatus) ([]*models.Escalation, error)

	// Approvals.
	CreateApproval(ctx context.Context, a *models.Approval) error
	GetApproval(ctx context.Context, id string) (*models.Approval, error)
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]*models.Approval, error)
	// DecideApproval transitions pending → granted|denied exactly once.
	DecideApproval(ctx context.Context, id string, status models.ApprovalStatus, decidedBy, reason string) (*models.Approval, error)

	// Artifacts.
	CreateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id string) (*models.Artifact, error)
}
