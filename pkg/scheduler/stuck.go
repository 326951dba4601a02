package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// Reasons recorded in escalation context by the stuck sweep and the retry
// handler. Deduplication keys on them.
const (
	reasonTimeoutInProgress = "timeout_in_progress"
	reasonTimeoutReady      = "timeout_ready"
	reasonMaxRetries        = "max_retries_exceeded"
	reasonRepeatedError     = "repeated_same_error"
	reasonMissingDependency = "missing_dependency"
	reasonRunTimeout        = "run_timeout"
	reasonDependencyCycle   = "dependency_cycle"
)

// AcknowledgeStuck suppresses stuck detection for a work item, typically
// after an operator acknowledged the matching escalation. A non-positive
// duration applies the configured default window.
func (s *Scheduler) AcknowledgeStuck(workItemID string, d time.Duration) {
	if d <= 0 {
		d = s.cfg.AckSuppression.Duration()
	}
	until := time.Now().Add(d)
	s.suppressMu.Lock()
	s.suppressed[workItemID] = until
	s.suppressMu.Unlock()
	s.logger.Info("Stuck detection suppressed", "work_item_id", workItemID, "until", until)
}

func (s *Scheduler) isSuppressed(workItemID string, now time.Time) bool {
	s.suppressMu.Lock()
	defer s.suppressMu.Unlock()
	until, ok := s.suppressed[workItemID]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(s.suppressed, workItemID)
		return false
	}
	return true
}

// sweepStuck scans non-terminal goals for work items and runs that exceeded
// their expected state durations and raises deduplicated escalations.
func (s *Scheduler) sweepStuck(ctx context.Context) {
	now := time.Now()
	goals, _, err := s.repo.ListGoals(ctx, store.GoalFilter{
		Statuses: []models.GoalStatus{models.GoalActive, models.GoalBlocked},
	})
	if err != nil {
		s.logger.Error("Stuck sweep failed to list goals", "error", err)
		return
	}
	for _, goal := range goals {
		s.sweepGoal(ctx, goal, now)
	}
	s.sweepRuns(ctx, now)
}

func (s *Scheduler) sweepGoal(ctx context.Context, goal *models.Goal, now time.Time) {
	items, err := s.repo.GetWorkItemsByGoal(ctx, goal.ID)
	if err != nil {
		s.logger.Error("Stuck sweep failed to list work items", "goal_id", goal.ID, "error", err)
		return
	}

	if cycles := s.workItems.DetectCycles(items); len(cycles) > 0 {
		s.createStuck(ctx, goal.ID, "", &models.EscalationSpec{
			Kind:        models.EscalationStuck,
			Severity:    models.SeverityCritical,
			Title:       fmt.Sprintf("dependency cycle in goal: %s", goal.Title),
			Description: fmt.Sprintf("%d dependency cycle(s) prevent the goal from progressing", len(cycles)),
			Context:     map[string]any{"reason": reasonDependencyCycle, "cycles": cycles},
		})
	}

	missing := s.workItems.MissingDependencies(items)

	for _, item := range items {
		if s.isSuppressed(item.ID, now) {
			continue
		}
		if deps, ok := missing[item.ID]; ok && !item.Status.Terminal() {
			s.createStuck(ctx, goal.ID, item.ID, &models.EscalationSpec{
				Kind:        models.EscalationStuck,
				Severity:    models.SeverityCritical,
				Title:       fmt.Sprintf("missing dependencies: %s", item.Title),
				Description: fmt.Sprintf("depends on %d work item(s) that do not exist", len(deps)),
				Context:     map[string]any{"reason": reasonMissingDependency, "missingDependencies": deps},
			})
		}

		switch item.Status {
		case models.WorkItemInProgress:
			max := s.cfg.MaxInProgressDuration.Duration()
			if age := now.Sub(item.UpdatedAt); max > 0 && age > max {
				s.createStuck(ctx, goal.ID, item.ID, &models.EscalationSpec{
					Kind:        models.EscalationStuck,
					Severity:    models.SeverityHigh,
					Title:       fmt.Sprintf("work item stalled in progress: %s", item.Title),
					Description: fmt.Sprintf("in progress for %s without completing", age.Round(time.Second)),
					Context:     map[string]any{"reason": reasonTimeoutInProgress},
				})
			}
		case models.WorkItemReady:
			max := s.cfg.MaxReadyDuration.Duration()
			if age := now.Sub(item.UpdatedAt); max > 0 && age > max {
				s.createStuck(ctx, goal.ID, item.ID, &models.EscalationSpec{
					Kind:        models.EscalationStuck,
					Severity:    models.SeverityMedium,
					Title:       fmt.Sprintf("work item starved: %s", item.Title),
					Description: fmt.Sprintf("ready for %s without being dispatched", age.Round(time.Second)),
					Context:     map[string]any{"reason": reasonTimeoutReady},
				})
			}
		case models.WorkItemFailed:
			s.sweepFailedItem(ctx, item)
		}
	}
}

// sweepFailedItem backstops the retry path: items failed outside the
// scheduler (external writers, recovery after a crash) still surface the
// retries-exhausted and repeated-error escalations. Items the retry path
// already escalated are left alone regardless of reason.
func (s *Scheduler) sweepFailedItem(ctx context.Context, item *models.WorkItem) {
	already, err := s.escalations.hasOpenForItem(ctx, item.GoalID, item.ID, models.EscalationStuck)
	if err != nil || already {
		return
	}
	if item.RetryCount >= s.retry.maxRetries(item) {
		s.createStuck(ctx, item.GoalID, item.ID, &models.EscalationSpec{
			Kind:        models.EscalationStuck,
			Severity:    models.SeverityHigh,
			Title:       fmt.Sprintf("retries exhausted: %s", item.Title),
			Description: fmt.Sprintf("failed after %d retries", item.RetryCount),
			Context:     map[string]any{"reason": reasonMaxRetries},
		})
	}

	runs, err := s.repo.GetRunsByWorkItem(ctx, item.ID)
	if err != nil || len(runs) == 0 {
		return
	}
	last := runs[len(runs)-1]
	if last.ErrorSignature == "" {
		return
	}
	same := 0
	for i := len(runs) - 1; i >= 0; i-- {
		if !runs[i].Status.Terminal() || runs[i].ErrorSignature != last.ErrorSignature {
			break
		}
		same++
	}
	if same >= s.cfg.MaxSameErrorRetries {
		s.createStuck(ctx, item.GoalID, item.ID, &models.EscalationSpec{
			Kind:           models.EscalationStuck,
			Severity:       models.SeverityHigh,
			Title:          fmt.Sprintf("repeated failure: %s", item.Title),
			Description:    fmt.Sprintf("last %d runs failed with the same error", same),
			ErrorSignature: last.ErrorSignature,
			Context:        map[string]any{"reason": reasonRepeatedError},
		})
	}
}

// sweepRuns handles runs outliving the maximum run duration. Runs owned by
// this process carry a context deadline, so one still running past it means
// the engine is ignoring cancellation: escalate and leave finalization to
// the deadline path. Orphaned runs from a previous process get finalized as
// timed out so their lane slots free and the retry rules engage.
func (s *Scheduler) sweepRuns(ctx context.Context, now time.Time) {
	max := s.cfg.MaxRunDuration.Duration()
	if max <= 0 {
		return
	}
	runs, err := s.repo.GetRunningRuns(ctx)
	if err != nil {
		s.logger.Error("Stuck sweep failed to list runs", "error", err)
		return
	}
	for _, run := range runs {
		age := now.Sub(run.CreatedAt)
		if age <= max {
			continue
		}
		if s.ownsRun(run.ID) {
			s.createStuckRun(ctx, run, &models.EscalationSpec{
				Kind:        models.EscalationStuck,
				Severity:    models.SeverityHigh,
				Title:       "run ignoring abort signal",
				Description: fmt.Sprintf("run %s still executing %s past its deadline", run.ID, (age - max).Round(time.Second)),
				Context:     map[string]any{"reason": reasonRunTimeout},
			})
			continue
		}
		s.logger.Warn("Recovering orphaned run", "run_id", run.ID, "work_item_id", run.WorkItemID, "age", age.Round(time.Second))
		s.enqueueCompletion(completion{
			kind:       completionRun,
			goalID:     run.GoalID,
			workItemID: run.WorkItemID,
			runID:      run.ID,
			lane:       run.Lane,
			model:      run.Model,
			startedAt:  run.CreatedAt,
			result: &models.RunResult{
				Status:         models.RunTimeout,
				ErrorMessage:   fmt.Sprintf("run exceeded maximum duration %s", max),
				ErrorSignature: "run_timeout",
			},
		})
	}
}

func (s *Scheduler) createStuck(ctx context.Context, goalID, workItemID string, spec *models.EscalationSpec) {
	if err := s.escalations.CreateDeduped(ctx, goalID, workItemID, "", spec); err != nil {
		s.logger.Error("Failed to create stuck escalation", "goal_id", goalID, "work_item_id", workItemID, "error", err)
	}
}

func (s *Scheduler) createStuckRun(ctx context.Context, run *models.Run, spec *models.EscalationSpec) {
	if err := s.escalations.CreateDeduped(ctx, run.GoalID, run.WorkItemID, run.ID, spec); err != nil {
		s.logger.Error("Failed to create stuck escalation", "run_id", run.ID, "error", err)
	}
}
