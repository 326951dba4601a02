package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/gateway"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario: cancelling a goal mid-run aborts the in-flight
// run and cascades to its work items
// ────────────────────────────────────────────────────────────

func TestE2E_CancelMidRun(t *testing.T) {
	engine := NewScriptedEngine().Hold()
	app := NewTestApp(t, WithEngine(engine))

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	goal := submitGoal(t, ws, map[string]any{"title": "long running migration"})

	// Wait until the engine is actually executing before cancelling.
	_, err := ws.WaitForGoalEvent("run.started", goal.ID, eventWait)
	require.NoError(t, err)
	require.Equal(t, 1, engine.CallCount())

	var cancelResult struct {
		Success bool `json:"success"`
	}
	require.NoError(t, ws.CallInto("goal.cancel", map[string]any{"goalId": goal.ID}, &cancelResult))
	assert.True(t, cancelResult.Success)

	_, err = ws.WaitForGoalEvent("goal.cancelled", goal.ID, eventWait)
	require.NoError(t, err)

	cancelled := app.WaitForGoalStatus(t, goal.ID, models.GoalCancelled)
	assert.Nil(t, cancelled.CompletedAt)

	items := listWorkItems(t, ws, goal.ID)
	require.Len(t, items, 1)
	assert.Equal(t, models.WorkItemCancelled, items[0].Status)

	// The abort signal unparks the engine; the aborted completion lands on
	// the next tick.
	require.Eventually(t, func() bool {
		runs := app.ItemRuns(t, items[0].ID)
		return len(runs) == 1 && runs[0].Status == models.RunAborted
	}, 5*time.Second, 10*time.Millisecond, "in-flight run should finalize as aborted")

	// No retry or escalation follows an operator cancel.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, engine.CallCount())
	assert.False(t, ws.SawEvent("escalation.created"))

	// Cancelling a terminal goal is a conflict.
	_, err = ws.Call("goal.cancel", map[string]any{"goalId": goal.ID})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, gateway.CodeConflict, rpcErr.Code)
}

// ────────────────────────────────────────────────────────────
// Scenario: cancelling before any run dispatches
// ────────────────────────────────────────────────────────────

func TestE2E_CancelQueuedGoal(t *testing.T) {
	engine := NewScriptedEngine().Hold()
	app := NewTestApp(t, WithEngine(engine))

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	// Saturate the main lane with a decoy so the target goal never runs.
	decoy := submitGoal(t, ws, map[string]any{"title": "decoy"})
	_, err := ws.WaitForGoalEvent("run.started", decoy.ID, eventWait)
	require.NoError(t, err)

	target := submitGoal(t, ws, map[string]any{"title": "never starts"})
	_, err = ws.Call("goal.cancel", map[string]any{"goalId": target.ID})
	require.NoError(t, err)

	app.WaitForGoalStatus(t, target.ID, models.GoalCancelled)
	assert.Equal(t, 1, engine.CallCount(), "only the decoy may have dispatched")

	engine.Release()
	_, err = ws.WaitForGoalEvent("goal.completed", decoy.ID, eventWait)
	require.NoError(t, err)
}

// ────────────────────────────────────────────────────────────
// Scenario: cancelling an unknown goal
// ────────────────────────────────────────────────────────────

func TestE2E_CancelUnknownGoal(t *testing.T) {
	app := NewTestApp(t)
	ws := app.Connect(t)

	_, err := ws.Call("goal.cancel", map[string]any{"goalId": "no-such-goal"})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, gateway.CodeNotFound, rpcErr.Code)
}

// ────────────────────────────────────────────────────────────
// Scenario: cancelling a single work item aborts only its run;
// dependents are pruned and the rest of the goal completes
// ────────────────────────────────────────────────────────────

func TestE2E_CancelWorkItemMidRun(t *testing.T) {
	engine := NewScriptedEngine().Hold()
	app := NewTestApp(t, WithEngine(engine))

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	importer := &models.WorkItem{
		ID:              "wi-importer",
		Title:           "rewrite importer",
		EstimatedEffort: models.EffortS,
		Priority:        1,
	}
	importerDocs := &models.WorkItem{
		ID:           "wi-importer-docs",
		Title:        "document importer api",
		Priority:     2,
		Dependencies: []string{"wi-importer"},
	}
	exporter := &models.WorkItem{
		ID:              "wi-exporter",
		Title:           "rewrite exporter",
		EstimatedEffort: models.EffortS,
		Priority:        3,
	}
	goal := app.SubmitDecomposedGoal(t, &models.Goal{Title: "split the pipeline"}, importer, importerDocs, exporter)

	require.Eventually(t, func() bool { return engine.CallCount() == 2 },
		5*time.Second, 10*time.Millisecond, "both independent items should dispatch")

	var cancelResult struct {
		Success bool `json:"success"`
	}
	require.NoError(t, ws.CallInto("workitem.cancel", map[string]any{"workItemId": importer.ID}, &cancelResult))
	assert.True(t, cancelResult.Success)

	app.WaitForWorkItemStatus(t, importer.ID, models.WorkItemCancelled)
	app.WaitForWorkItemStatus(t, importerDocs.ID, models.WorkItemCancelled)

	require.Eventually(t, func() bool {
		runs := app.ItemRuns(t, importer.ID)
		return len(runs) == 1 && runs[0].Status == models.RunAborted
	}, 5*time.Second, 10*time.Millisecond, "importer run should finalize as aborted")

	// The goal itself keeps running on the surviving item.
	g, err := app.Repo.GetGoal(t.Context(), goal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalActive, g.Status)

	engine.Release()
	_, err = ws.WaitForGoalEvent("goal.completed", goal.ID, eventWait)
	require.NoError(t, err)

	app.WaitForWorkItemStatus(t, exporter.ID, models.WorkItemDone)
	assert.Empty(t, app.ItemRuns(t, importerDocs.ID), "pruned dependent never dispatches")
	assert.Equal(t, 2, engine.CallCount(), "cancelled item must not retry")

	// Cancelling a terminal item is a conflict.
	_, err = ws.Call("workitem.cancel", map[string]any{"workItemId": importer.ID})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, gateway.CodeConflict, rpcErr.Code)
}
