package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario: repeated identical failures escalate, an operator
// acknowledges and then resolves, and the goal resumes
// ────────────────────────────────────────────────────────────

func TestE2E_RetryThenEscalate(t *testing.T) {
	engine := NewScriptedEngine().Script(
		FailureResult("connection refused by tool backend", "conn_refused"),
	)
	app := NewTestApp(t, WithEngine(engine))

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	goal := submitGoal(t, ws, map[string]any{"title": "doomed deploy"})

	// Three identical failures exhaust the same-error tolerance; the item
	// fails and the goal parks behind a stuck escalation.
	escEvent, err := ws.WaitForGoalEvent("escalation.created", goal.ID, eventWait)
	require.NoError(t, err)
	assert.Equal(t, "stuck", escEvent.Data["kind"])
	assert.Equal(t, "high", escEvent.Data["severity"])
	assert.Equal(t, "conn_refused", escEvent.Data["errorSignature"])

	_, err = ws.WaitForGoalEvent("goal.blocked", goal.ID, eventWait)
	require.NoError(t, err)
	assert.Equal(t, 3, engine.CallCount(), "initial attempt plus two retries")

	blocked := app.WaitForGoalStatus(t, goal.ID, models.GoalBlocked)
	assert.Contains(t, blocked.BlockedReason, "escalation")

	items := listWorkItems(t, ws, goal.ID)
	require.Len(t, items, 1)
	assert.Equal(t, models.WorkItemFailed, items[0].Status)
	assert.Equal(t, 2, items[0].RetryCount)

	runs := listRuns(t, ws, items[0].ID)
	require.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, models.RunFailure, run.Status)
		assert.Equal(t, "conn_refused", run.ErrorSignature)
	}

	escalations := listEscalations(t, ws, goal.ID, "open")
	require.Len(t, escalations, 1)
	escID := escalations[0].ID

	// Acknowledging keeps the goal parked but records that someone is on it.
	_, err = ws.Call("escalation.respond", map[string]any{
		"escalationId": escID,
		"action":       "acknowledge",
		"data":         map[string]any{"suppressForMs": 60000},
	})
	require.NoError(t, err)

	acked, err := app.Repo.GetEscalation(context.Background(), escID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationAcknowledged, acked.Status)
	still, err := app.Repo.GetGoal(context.Background(), goal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalBlocked, still.Status, "acknowledged escalations still block")

	// Resolving clears the blocker; the next tick reactivates the goal.
	_, err = ws.Call("escalation.respond", map[string]any{
		"escalationId": escID,
		"action":       "resolve",
		"data":         map[string]any{"resolution": "backend restarted"},
	})
	require.NoError(t, err)

	_, err = ws.WaitForGoalEvent("escalation.resolved", goal.ID, eventWait)
	require.NoError(t, err)
	app.WaitForGoalStatus(t, goal.ID, models.GoalActive)

	// The failed item stays failed; resuming does not rewrite history.
	items = listWorkItems(t, ws, goal.ID)
	assert.Equal(t, models.WorkItemFailed, items[0].Status)
}

// ────────────────────────────────────────────────────────────
// Scenario: non-recoverable errors skip the retry budget
// ────────────────────────────────────────────────────────────

func TestE2E_NonRecoverableEscalatesImmediately(t *testing.T) {
	engine := NewScriptedEngine().Script(
		FailureResult("OPENAI_API_KEY is not set", "missing_credentials"),
	)
	app := NewTestApp(t, WithEngine(engine))

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	goal := submitGoal(t, ws, map[string]any{"title": "summarize the incident"})

	escEvent, err := ws.WaitForGoalEvent("escalation.created", goal.ID, eventWait)
	require.NoError(t, err)
	assert.Equal(t, "credential", escEvent.Data["kind"])
	assert.Equal(t, "critical", escEvent.Data["severity"])

	_, err = ws.WaitForGoalEvent("goal.blocked", goal.ID, eventWait)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.CallCount(), "credential errors must not burn retries")

	items := listWorkItems(t, ws, goal.ID)
	require.Len(t, items, 1)
	assert.Equal(t, models.WorkItemFailed, items[0].Status)
	assert.Zero(t, items[0].RetryCount)
}

// ────────────────────────────────────────────────────────────
// Scenario: a transient failure retries and then succeeds
// ────────────────────────────────────────────────────────────

func TestE2E_TransientFailureRecovers(t *testing.T) {
	engine := NewScriptedEngine().Script(
		FailureResult("rate limited", "rate_limit"),
		SuccessResult(120, 0.02),
	)
	app := NewTestApp(t, WithEngine(engine))

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	goal := submitGoal(t, ws, map[string]any{"title": "index the corpus"})

	_, err := ws.WaitForGoalEvent("goal.completed", goal.ID, eventWait)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.CallCount())

	items := listWorkItems(t, ws, goal.ID)
	require.Len(t, items, 1)
	assert.Equal(t, models.WorkItemDone, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)

	runs := listRuns(t, ws, items[0].ID)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunFailure, runs[0].Status)
	assert.Equal(t, models.RunSuccess, runs[1].Status)

	assert.False(t, ws.SawEvent("escalation.created"))
	assert.False(t, ws.SawEvent("goal.blocked"))
}
