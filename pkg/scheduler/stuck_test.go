package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// The sweep tests drive sweepStuck directly: no goal.created event is
// published, so the tick loop never starts and the sweep runs exactly when
// called.

func (h *testHarness) stuckEscalations(ctx context.Context, goalID string) map[string]*models.Escalation {
	h.t.Helper()
	escs, err := h.repo.ListEscalations(ctx, goalID, "")
	require.NoError(h.t, err)
	byReason := make(map[string]*models.Escalation, len(escs))
	for _, e := range escs {
		reason, _ := e.Context["reason"].(string)
		byReason[reason] = e
	}
	return byReason
}

func TestScheduler_SweepEscalatesStateTimeouts(t *testing.T) {
	h := newTestHarness(t, &stubEngine{}, nil)
	ctx := context.Background()

	goal := &models.Goal{Title: "stale goal", Status: models.GoalActive}
	require.NoError(t, h.repo.CreateGoal(ctx, goal))

	stale := time.Now().Add(-2 * time.Hour)
	stalled := &models.WorkItem{
		GoalID: goal.ID, Title: "stalled", Status: models.WorkItemInProgress, UpdatedAt: stale,
	}
	starved := &models.WorkItem{
		GoalID: goal.ID, Title: "starved", Status: models.WorkItemReady, UpdatedAt: stale,
	}
	fresh := &models.WorkItem{
		GoalID: goal.ID, Title: "fresh", Status: models.WorkItemInProgress,
	}
	require.NoError(t, h.repo.CreateWorkItem(ctx, stalled))
	require.NoError(t, h.repo.CreateWorkItem(ctx, starved))
	require.NoError(t, h.repo.CreateWorkItem(ctx, fresh))

	h.sched.sweepStuck(ctx)

	byReason := h.stuckEscalations(ctx, goal.ID)
	require.Len(t, byReason, 2)

	inProgress := byReason[reasonTimeoutInProgress]
	require.NotNil(t, inProgress)
	assert.Equal(t, stalled.ID, inProgress.WorkItemID)
	assert.Equal(t, models.EscalationStuck, inProgress.Kind)
	assert.Equal(t, models.SeverityHigh, inProgress.Severity)

	ready := byReason[reasonTimeoutReady]
	require.NotNil(t, ready)
	assert.Equal(t, starved.ID, ready.WorkItemID)
	assert.Equal(t, models.SeverityMedium, ready.Severity)

	// Repeat sweeps must not duplicate open escalations.
	h.sched.sweepStuck(ctx)
	escs, err := h.repo.ListEscalations(ctx, goal.ID, "")
	require.NoError(t, err)
	assert.Len(t, escs, 2)
}

func TestScheduler_AcknowledgeStuckSuppressesSweep(t *testing.T) {
	h := newTestHarness(t, &stubEngine{}, nil)
	ctx := context.Background()

	goal := &models.Goal{Title: "acked goal", Status: models.GoalActive}
	require.NoError(t, h.repo.CreateGoal(ctx, goal))
	item := &models.WorkItem{
		GoalID:    goal.ID,
		Title:     "stalled",
		Status:    models.WorkItemInProgress,
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, h.repo.CreateWorkItem(ctx, item))

	h.sched.AcknowledgeStuck(item.ID, 50*time.Millisecond)
	h.sched.sweepStuck(ctx)

	escs, err := h.repo.ListEscalations(ctx, goal.ID, "")
	require.NoError(t, err)
	assert.Empty(t, escs, "acknowledged item must not escalate")

	time.Sleep(60 * time.Millisecond)
	h.sched.sweepStuck(ctx)

	escs, err = h.repo.ListEscalations(ctx, goal.ID, "")
	require.NoError(t, err)
	require.Len(t, escs, 1, "suppression expires with the window")
	assert.Equal(t, reasonTimeoutInProgress, escs[0].Context["reason"])
}

func TestScheduler_SweepFlagsDependencyProblems(t *testing.T) {
	h := newTestHarness(t, &stubEngine{}, nil)
	ctx := context.Background()

	goal := &models.Goal{Title: "tangled goal", Status: models.GoalActive}
	require.NoError(t, h.repo.CreateGoal(ctx, goal))
	orphanDep := &models.WorkItem{
		ID: "a", GoalID: goal.ID, Title: "needs ghost", Dependencies: []string{"ghost"},
	}
	require.NoError(t, h.repo.CreateWorkItem(ctx, orphanDep))
	require.NoError(t, h.repo.CreateWorkItem(ctx, &models.WorkItem{
		ID: "b", GoalID: goal.ID, Title: "waits on c", Dependencies: []string{"c"},
	}))
	require.NoError(t, h.repo.CreateWorkItem(ctx, &models.WorkItem{
		ID: "c", GoalID: goal.ID, Title: "waits on b", Dependencies: []string{"b"},
	}))

	h.sched.sweepStuck(ctx)

	byReason := h.stuckEscalations(ctx, goal.ID)
	require.Len(t, byReason, 2)

	cycle := byReason[reasonDependencyCycle]
	require.NotNil(t, cycle)
	assert.Empty(t, cycle.WorkItemID, "cycle escalations attach to the goal")
	assert.Equal(t, models.SeverityCritical, cycle.Severity)
	assert.Equal(t, [][]string{{"b", "c"}}, cycle.Context["cycles"])

	missing := byReason[reasonMissingDependency]
	require.NotNil(t, missing)
	assert.Equal(t, orphanDep.ID, missing.WorkItemID)
	assert.Equal(t, models.SeverityCritical, missing.Severity)
	assert.Equal(t, []string{"ghost"}, missing.Context["missingDependencies"])

	h.sched.sweepStuck(ctx)
	escs, err := h.repo.ListEscalations(ctx, goal.ID, "")
	require.NoError(t, err)
	assert.Len(t, escs, 2)
}

func TestScheduler_SweepRecoversOrphanedRuns(t *testing.T) {
	h := newTestHarness(t, &stubEngine{}, nil)
	ctx := context.Background()

	goal := &models.Goal{Title: "restarted goal", Status: models.GoalActive}
	require.NoError(t, h.repo.CreateGoal(ctx, goal))
	item := &models.WorkItem{GoalID: goal.ID, Title: "abandoned", Status: models.WorkItemInProgress}
	require.NoError(t, h.repo.CreateWorkItem(ctx, item))

	// A running run from a previous process: well past the run deadline and
	// not registered with this scheduler instance.
	run := &models.Run{
		WorkItemID: item.ID,
		GoalID:     goal.ID,
		Lane:       models.LaneMain,
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, h.repo.CreateRun(ctx, run))

	h.sched.sweepStuck(ctx)
	h.sched.drainCompletions()

	recovered, err := h.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunTimeout, recovered.Status)
	assert.Equal(t, "run_timeout", recovered.ErrorSignature)
	require.NotNil(t, recovered.CompletedAt)

	updated, err := h.repo.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemReady, updated.Status, "recovered item is rescheduled")
	assert.Equal(t, 1, updated.RetryCount)

	running, err := h.repo.GetRunningRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}
