package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

func TestRetryHandler_Decide(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	cfg := config.DefaultSchedulerConfig() // 3 retries, 2 same-error, 2s base, 60s cap
	handler := NewRetryHandler(repo, cfg)

	goal := &models.Goal{Title: "retry target"}
	require.NoError(t, repo.CreateGoal(ctx, goal))

	newItem := func(t *testing.T, retryCount, maxRetries int) *models.WorkItem {
		t.Helper()
		item := &models.WorkItem{
			GoalID:     goal.ID,
			Title:      "work",
			RetryCount: retryCount,
			MaxRetries: maxRetries,
		}
		require.NoError(t, repo.CreateWorkItem(ctx, item))
		return item
	}
	failRun := func(t *testing.T, itemID, signature string) *models.Run {
		t.Helper()
		run := &models.Run{WorkItemID: itemID, GoalID: goal.ID}
		require.NoError(t, repo.CreateRun(ctx, run))
		updated, err := repo.UpdateRunStatus(ctx, run.ID, models.RunFailure, &models.RunResult{
			ErrorMessage:   "boom",
			ErrorSignature: signature,
		})
		require.NoError(t, err)
		return updated
	}

	t.Run("retries with base delay", func(t *testing.T) {
		item := newItem(t, 0, 3)
		run := failRun(t, item.ID, "flaky")
		d, err := handler.Decide(ctx, item, run)
		require.NoError(t, err)
		assert.True(t, d.Retry)
		assert.Nil(t, d.Escalate)
		assert.Equal(t, 2*time.Second, d.Delay)
	})

	t.Run("escalates when retries exhausted", func(t *testing.T) {
		item := newItem(t, 3, 3)
		run := failRun(t, item.ID, "whatever")
		d, err := handler.Decide(ctx, item, run)
		require.NoError(t, err)
		assert.False(t, d.Retry)
		require.NotNil(t, d.Escalate)
		assert.Equal(t, models.EscalationStuck, d.Escalate.Kind)
		assert.Equal(t, models.SeverityHigh, d.Escalate.Severity)
		assert.Equal(t, reasonMaxRetries, d.Escalate.Context["reason"])
	})

	t.Run("config default applies when item has no max", func(t *testing.T) {
		item := newItem(t, cfg.DefaultMaxRetries, 0)
		run := failRun(t, item.ID, "whatever")
		d, err := handler.Decide(ctx, item, run)
		require.NoError(t, err)
		require.NotNil(t, d.Escalate)
		assert.Equal(t, reasonMaxRetries, d.Escalate.Context["reason"])
	})

	t.Run("escalates repeated identical failures before budget runs out", func(t *testing.T) {
		item := newItem(t, 1, 5)
		failRun(t, item.ID, "same")
		failRun(t, item.ID, "same")
		run := failRun(t, item.ID, "same")
		d, err := handler.Decide(ctx, item, run)
		require.NoError(t, err)
		require.NotNil(t, d.Escalate)
		assert.Equal(t, models.EscalationStuck, d.Escalate.Kind)
		assert.Equal(t, reasonRepeatedError, d.Escalate.Context["reason"])
		assert.Equal(t, "same", d.Escalate.ErrorSignature)
	})

	t.Run("different error resets the streak", func(t *testing.T) {
		item := newItem(t, 1, 5)
		failRun(t, item.ID, "same")
		failRun(t, item.ID, "same")
		failRun(t, item.ID, "different")
		run := failRun(t, item.ID, "same")
		d, err := handler.Decide(ctx, item, run)
		require.NoError(t, err)
		assert.True(t, d.Retry, "streak of one should retry")
	})

	t.Run("runs without a signature never match the streak rule", func(t *testing.T) {
		item := newItem(t, 0, 5)
		failRun(t, item.ID, "")
		failRun(t, item.ID, "")
		run := failRun(t, item.ID, "")
		d, err := handler.Decide(ctx, item, run)
		require.NoError(t, err)
		assert.True(t, d.Retry)
	})

	t.Run("non-recoverable signatures escalate immediately", func(t *testing.T) {
		cases := []struct {
			signature string
			kind      models.EscalationKind
			severity  models.Severity
		}{
			{"validation_failed", models.EscalationValidationFailed, models.SeverityHigh},
			{"invalid_params", models.EscalationAmbiguous, models.SeverityHigh},
			{"ambiguous", models.EscalationAmbiguous, models.SeverityHigh},
			{"missing_credentials", models.EscalationCredential, models.SeverityCritical},
			{"credential_error", models.EscalationCredential, models.SeverityCritical},
		}
		for _, tc := range cases {
			item := newItem(t, 0, 5)
			run := failRun(t, item.ID, tc.signature)
			d, err := handler.Decide(ctx, item, run)
			require.NoError(t, err, tc.signature)
			require.NotNil(t, d.Escalate, tc.signature)
			assert.Equal(t, tc.kind, d.Escalate.Kind, tc.signature)
			assert.Equal(t, tc.severity, d.Escalate.Severity, tc.signature)
			assert.Equal(t, tc.signature, d.Escalate.ErrorSignature)
		}
	})
}

func TestRetryHandler_Backoff(t *testing.T) {
	handler := NewRetryHandler(store.NewMemory(), config.DefaultSchedulerConfig())

	assert.Equal(t, 2*time.Second, handler.backoff(0))
	assert.Equal(t, 4*time.Second, handler.backoff(1))
	assert.Equal(t, 8*time.Second, handler.backoff(2))
	assert.Equal(t, 32*time.Second, handler.backoff(4))
	assert.Equal(t, time.Minute, handler.backoff(5), "caps at the configured max")
	assert.Equal(t, time.Minute, handler.backoff(50), "large counts stay capped")
}
