package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// eventWait bounds how long scenarios wait for a pushed event. Generous
// against CI jitter; scenarios normally settle in tens of milliseconds.
const eventWait = 10 * time.Second

// submitGoal submits a goal over the WebSocket RPC and returns the created
// record.
func submitGoal(t *testing.T, ws *WSClient, params map[string]any) *models.Goal {
	t.Helper()
	var goal models.Goal
	require.NoError(t, ws.CallInto("goal.submit", params, &goal))
	require.NotEmpty(t, goal.ID)
	require.Equal(t, models.GoalQueued, goal.Status)
	return &goal
}

// requireEventOrder asserts that the named events for one goal were received
// in order, allowing other events in between.
func requireEventOrder(t *testing.T, events []WSEvent, goalID string, want ...string) {
	t.Helper()
	var got []string
	for _, e := range events {
		if e.Data["goalId"] == goalID {
			got = append(got, e.Event)
		}
	}
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i, "expected %v in order within %v", want, got)
}

// listWorkItems fetches the goal's work items over the WebSocket RPC.
func listWorkItems(t *testing.T, ws *WSClient, goalID string) []*models.WorkItem {
	t.Helper()
	var out struct {
		WorkItems []*models.WorkItem `json:"workItems"`
	}
	require.NoError(t, ws.CallInto("workitem.list", map[string]any{"goalId": goalID}, &out))
	return out.WorkItems
}

// listRuns fetches a work item's runs over the WebSocket RPC.
func listRuns(t *testing.T, ws *WSClient, workItemID string) []*models.Run {
	t.Helper()
	var out struct {
		Runs []*models.Run `json:"runs"`
	}
	require.NoError(t, ws.CallInto("run.list", map[string]any{"workItemId": workItemID}, &out))
	return out.Runs
}

// listEscalations fetches a goal's escalations over the WebSocket RPC.
func listEscalations(t *testing.T, ws *WSClient, goalID, status string) []*models.Escalation {
	t.Helper()
	params := map[string]any{"goalId": goalID}
	if status != "" {
		params["status"] = status
	}
	var out struct {
		Escalations []*models.Escalation `json:"escalations"`
	}
	require.NoError(t, ws.CallInto("escalation.list", params, &out))
	return out.Escalations
}
