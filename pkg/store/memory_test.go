package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

func newGoal(t *testing.T, m *Memory, title string) *models.Goal {
	t.Helper()
	g := &models.Goal{Title: title, Priority: 5}
	require.NoError(t, m.CreateGoal(context.Background(), g))
	return g
}

func newItem(t *testing.T, m *Memory, goalID string, deps ...string) *models.WorkItem {
	t.Helper()
	w := &models.WorkItem{
		GoalID:       goalID,
		Title:        "item",
		Type:         models.WorkItemCode,
		Dependencies: deps,
	}
	require.NoError(t, m.CreateWorkItem(context.Background(), w))
	return w
}

func TestMemory_GoalLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	g := newGoal(t, m, "ship feature")
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, models.GoalQueued, g.Status)
	assert.False(t, g.CreatedAt.IsZero())

	got, err := m.GetGoal(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "ship feature", got.Title)

	// returned values are clones, mutating them must not affect the store
	got.Title = "mutated"
	again, err := m.GetGoal(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "ship feature", again.Title)

	updated, err := m.UpdateGoalStatus(ctx, g.ID, models.GoalActive, "")
	require.NoError(t, err)
	assert.Equal(t, models.GoalActive, updated.Status)

	updated, err = m.UpdateGoalStatus(ctx, g.ID, models.GoalCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, models.GoalCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	_, err = m.UpdateGoalStatus(ctx, g.ID, models.GoalCancelled, "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_GoalBlockedReason(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "blocked goal")

	updated, err := m.UpdateGoalStatus(ctx, g.ID, models.GoalBlocked, "escalation pending")
	require.NoError(t, err)
	assert.Equal(t, "escalation pending", updated.BlockedReason)

	updated, err = m.UpdateGoalStatus(ctx, g.ID, models.GoalActive, "")
	require.NoError(t, err)
	assert.Empty(t, updated.BlockedReason)
}

func TestMemory_GoalNotFound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetGoal(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.UpdateGoalStatus(ctx, "missing", models.GoalActive, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_AddGoalSpend(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "spender")

	updated, err := m.AddGoalSpend(ctx, g.ID, 100, 1.5, 0.02)
	require.NoError(t, err)
	assert.Equal(t, int64(100), updated.Spent.Tokens)

	updated, err = m.AddGoalSpend(ctx, g.ID, 50, 0.5, 0.01)
	require.NoError(t, err)
	assert.Equal(t, int64(150), updated.Spent.Tokens)
	assert.InDelta(t, 2.0, updated.Spent.TimeMinutes, 0.001)
	assert.InDelta(t, 0.03, updated.Spent.CostUsd, 0.0001)

	_, err = m.AddGoalSpend(ctx, g.ID, -1, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemory_ListGoalsOrderingAndPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	mk := func(id string, priority int, offset time.Duration) {
		g := &models.Goal{ID: id, Title: id, Priority: priority, CreatedAt: base.Add(offset), UpdatedAt: base}
		require.NoError(t, m.CreateGoal(ctx, g))
	}
	mk("g-c", 5, 2*time.Second)
	mk("g-a", 1, 3*time.Second)
	mk("g-b", 5, 1*time.Second)

	goals, total, err := m.ListGoals(ctx, GoalFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, goals, 3)
	assert.Equal(t, "g-a", goals[0].ID)
	assert.Equal(t, "g-b", goals[1].ID)
	assert.Equal(t, "g-c", goals[2].ID)

	page, total, err := m.ListGoals(ctx, GoalFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "g-b", page[0].ID)
}

func TestMemory_ListGoalsStatusFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	g1 := newGoal(t, m, "one")
	newGoal(t, m, "two")
	_, err := m.UpdateGoalStatus(ctx, g1.ID, models.GoalActive, "")
	require.NoError(t, err)

	goals, total, err := m.ListGoals(ctx, GoalFilter{Statuses: []models.GoalStatus{models.GoalActive}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, goals, 1)
	assert.Equal(t, g1.ID, goals[0].ID)
}

func TestMemory_WorkItemRequiresGoal(t *testing.T) {
	m := NewMemory()
	err := m.CreateWorkItem(context.Background(), &models.WorkItem{GoalID: "missing", Title: "w"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_DependencyPromotion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "dag goal")

	dep := newItem(t, m, g.ID)
	w := newItem(t, m, g.ID, dep.ID)

	// dependency not done yet
	promoted, err := m.UpdateWorkItemStatusIfDependenciesMet(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, promoted)

	_, err = m.UpdateWorkItemStatus(ctx, dep.ID, models.WorkItemDone)
	require.NoError(t, err)

	promoted, err = m.UpdateWorkItemStatusIfDependenciesMet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, promoted)

	got, err := m.GetWorkItem(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemReady, got.Status)

	// already promoted, guard fails without error
	promoted, err = m.UpdateWorkItemStatusIfDependenciesMet(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestMemory_DependencyPromotionUnknownDep(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "dangling")

	w := newItem(t, m, g.ID, "no-such-item")
	promoted, err := m.UpdateWorkItemStatusIfDependenciesMet(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestMemory_InverseDependencyEdges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "edges")

	dep := newItem(t, m, g.ID)
	w := newItem(t, m, g.ID, dep.ID)

	got, err := m.GetWorkItem(ctx, dep.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Blocks, w.ID)
}

func TestMemory_WorkItemTerminalImmutable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "terminal")
	w := newItem(t, m, g.ID)

	_, err := m.UpdateWorkItemStatus(ctx, w.ID, models.WorkItemCancelled)
	require.NoError(t, err)

	_, err = m.UpdateWorkItemStatus(ctx, w.ID, models.WorkItemReady)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_IncrementWorkItemRetry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "retry")
	w := newItem(t, m, g.ID)

	got, err := m.IncrementWorkItemRetry(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	got, err = m.IncrementWorkItemRetry(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func TestMemory_RunSequenceAssignment(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "runs")
	w := newItem(t, m, g.ID)

	r1 := &models.Run{WorkItemID: w.ID, GoalID: g.ID}
	require.NoError(t, m.CreateRun(ctx, r1))
	assert.Equal(t, 1, r1.RunSequence)
	assert.Equal(t, models.RunRunning, r1.Status)

	// second running run for the same item is rejected
	err := m.CreateRun(ctx, &models.Run{WorkItemID: w.ID, GoalID: g.ID})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.UpdateRunStatus(ctx, r1.ID, models.RunFailure, &models.RunResult{
		TokensUsed:     42,
		ErrorMessage:   "boom",
		ErrorSignature: "sig-1",
	})
	require.NoError(t, err)

	r2 := &models.Run{WorkItemID: w.ID, GoalID: g.ID}
	require.NoError(t, m.CreateRun(ctx, r2))
	assert.Equal(t, 2, r2.RunSequence)

	runs, err := m.GetRunsByWorkItem(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 1, runs[0].RunSequence)
	assert.Equal(t, 2, runs[1].RunSequence)
	assert.Equal(t, int64(42), runs[0].TokensUsed)
	assert.Equal(t, "sig-1", runs[0].ErrorSignature)
}

func TestMemory_UpdateRunStatusRules(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "run rules")
	w := newItem(t, m, g.ID)

	r := &models.Run{WorkItemID: w.ID, GoalID: g.ID}
	require.NoError(t, m.CreateRun(ctx, r))

	// only terminal statuses are accepted
	_, err := m.UpdateRunStatus(ctx, r.ID, models.RunRunning, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	done, err := m.UpdateRunStatus(ctx, r.ID, models.RunSuccess, &models.RunResult{TokensUsed: 10})
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)

	_, err = m.UpdateRunStatus(ctx, r.ID, models.RunAborted, nil)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_GetRunningRuns(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "running")
	w1 := newItem(t, m, g.ID)
	w2 := newItem(t, m, g.ID)

	r1 := &models.Run{WorkItemID: w1.ID, GoalID: g.ID, Lane: models.LaneMain}
	require.NoError(t, m.CreateRun(ctx, r1))
	r2 := &models.Run{WorkItemID: w2.ID, GoalID: g.ID, Lane: models.LaneSubagent}
	require.NoError(t, m.CreateRun(ctx, r2))

	_, err := m.UpdateRunStatus(ctx, r1.ID, models.RunSuccess, nil)
	require.NoError(t, err)

	running, err := m.GetRunningRuns(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, r2.ID, running[0].ID)
	assert.Equal(t, models.LaneSubagent, running[0].Lane)
}

func TestMemory_EscalationLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "esc goal")

	e := &models.Escalation{
		GoalID:   g.ID,
		Kind:     models.EscalationStuck,
		Severity: models.SeverityHigh,
		Title:    "stuck after retries",
	}
	require.NoError(t, m.CreateEscalation(ctx, e))
	assert.Equal(t, models.EscalationOpen, e.Status)

	open, err := m.GetOpenEscalations(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = m.UpdateEscalationStatus(ctx, e.ID, models.EscalationAcknowledged)
	require.NoError(t, err)

	// acknowledged still counts as open
	open, err = m.GetOpenEscalations(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	resolved, err := m.ResolveEscalation(ctx, e.ID, "operator bumped the retry limit")
	require.NoError(t, err)
	assert.Equal(t, models.EscalationResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "operator bumped the retry limit", resolved.Context["resolution"])

	open, err = m.GetOpenEscalations(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = m.ResolveEscalation(ctx, e.ID, "again")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_ListEscalationsFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g1 := newGoal(t, m, "g1")
	g2 := newGoal(t, m, "g2")

	e1 := &models.Escalation{GoalID: g1.ID, Kind: models.EscalationStuck, Severity: models.SeverityHigh, Title: "a"}
	require.NoError(t, m.CreateEscalation(ctx, e1))
	e2 := &models.Escalation{GoalID: g2.ID, Kind: models.EscalationRisk, Severity: models.SeverityLow, Title: "b"}
	require.NoError(t, m.CreateEscalation(ctx, e2))
	_, err := m.ResolveEscalation(ctx, e2.ID, "done")
	require.NoError(t, err)

	all, err := m.ListEscalations(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byGoal, err := m.ListEscalations(ctx, g1.ID, "")
	require.NoError(t, err)
	require.Len(t, byGoal, 1)
	assert.Equal(t, e1.ID, byGoal[0].ID)

	resolved, err := m.ListEscalations(ctx, "", models.EscalationResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, e2.ID, resolved[0].ID)
}

func TestMemory_ApprovalDecideOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "approval goal")

	a := &models.Approval{GoalID: g.ID, Title: "deploy to prod", RequestedBy: "scheduler"}
	require.NoError(t, m.CreateApproval(ctx, a))
	assert.Equal(t, models.ApprovalPending, a.Status)

	decided, err := m.DecideApproval(ctx, a.ID, models.ApprovalGranted, "local:127.0.0.1", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalGranted, decided.Status)
	assert.Equal(t, "local:127.0.0.1", decided.DecidedBy)
	assert.NotNil(t, decided.DecidedAt)

	_, err = m.DecideApproval(ctx, a.ID, models.ApprovalDenied, "local:127.0.0.1", "")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.DecideApproval(ctx, a.ID, models.ApprovalPending, "x", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemory_ListApprovalsFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "approvals")

	a1 := &models.Approval{GoalID: g.ID, Title: "one", RequestedBy: "scheduler"}
	require.NoError(t, m.CreateApproval(ctx, a1))
	a2 := &models.Approval{GoalID: g.ID, Title: "two", RequestedBy: "scheduler"}
	require.NoError(t, m.CreateApproval(ctx, a2))
	_, err := m.DecideApproval(ctx, a1.ID, models.ApprovalDenied, "admin", "too risky")
	require.NoError(t, err)

	pending, err := m.ListApprovals(ctx, ApprovalFilter{Status: models.ApprovalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a2.ID, pending[0].ID)

	byGoal, err := m.ListApprovals(ctx, ApprovalFilter{GoalID: g.ID})
	require.NoError(t, err)
	assert.Len(t, byGoal, 2)
}

func TestMemory_Artifacts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g := newGoal(t, m, "artifacts")
	w := newItem(t, m, g.ID)
	r := &models.Run{WorkItemID: w.ID, GoalID: g.ID}
	require.NoError(t, m.CreateRun(ctx, r))

	a := &models.Artifact{RunID: r.ID, Kind: "diff", URI: "mem://diff/1"}
	require.NoError(t, m.CreateArtifact(ctx, a))
	assert.NotEmpty(t, a.ID)

	got, err := m.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "mem://diff/1", got.URI)

	_, err = m.GetArtifact(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
