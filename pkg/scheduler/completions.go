package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/metrics"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

type completionKind int

const (
	completionRun completionKind = iota
	completionVerify
)

// completion re-enters the scheduler loop when an asynchronous task ends:
// an engine run, or the verification pass that follows a successful one.
type completion struct {
	kind       completionKind
	goalID     string
	workItemID string
	runID      string
	lane       models.LaneID
	model      string
	startedAt  time.Time
	result     *models.RunResult
	report     *models.VerificationReport
}

// enqueueCompletion never blocks the caller. The buffer outsizes everything
// that can be in flight between two drains; hitting the default branch
// means a goroutine leak.
func (s *Scheduler) enqueueCompletion(c completion) {
	select {
	case s.completions <- c:
	default:
		s.logger.Error("Completion queue full, dropping completion", "run_id", c.runID, "work_item_id", c.workItemID)
	}
}

// drainCompletions applies everything queued since the last drain. Runs on
// the loop goroutine each tick, and once more from Stop after the loop has
// exited. Persistence uses a background context: results must land even
// while the scheduler's own context is being torn down.
func (s *Scheduler) drainCompletions() {
	for {
		select {
		case c := <-s.completions:
			s.handleCompletion(context.Background(), c)
		default:
			return
		}
	}
}

func (s *Scheduler) handleCompletion(ctx context.Context, c completion) {
	s.completed.Add(1)
	s.unregisterRun(c.runID)
	switch c.kind {
	case completionRun:
		s.handleRunCompletion(ctx, c)
	case completionVerify:
		s.handleVerifyCompletion(ctx, c)
	}
}

// handleRunCompletion applies an engine result. Successful runs move to
// verification before their terminal status is written; failures and
// timeouts finalize immediately and go through the retry rules; aborted
// runs finalize without retrying.
func (s *Scheduler) handleRunCompletion(ctx context.Context, c completion) {
	switch c.result.Status {
	case models.RunSuccess:
		item, err := s.repo.UpdateWorkItemStatus(ctx, c.workItemID, models.WorkItemVerify)
		if err != nil {
			// Item reached a terminal state underneath the run, most likely
			// a cancel cascade. Keep the books: finalize the run as the
			// engine reported it.
			s.logger.Warn("Work item not verifiable, finalizing run",
				"run_id", c.runID, "work_item_id", c.workItemID, "error", err)
			s.finalizeRun(ctx, c, c.result.Status)
			return
		}
		s.publisher.WorkItemUpdated(item)
		s.startVerification(ctx, item, c)
	case models.RunFailure, models.RunTimeout:
		run := s.finalizeRun(ctx, c, c.result.Status)
		s.handleRunFailure(ctx, c, run)
	case models.RunAborted:
		s.finalizeRun(ctx, c, models.RunAborted)
	default:
		s.logger.Error("Completion carried unknown run status", "run_id", c.runID, "status", c.result.Status)
		run := s.finalizeRun(ctx, c, models.RunFailure)
		s.handleRunFailure(ctx, c, run)
	}
}

// finalizeRun persists the terminal run status with its accounting, records
// goal spend, releases the lane slot, and emits run.completed. Returns the
// persisted run, or nil when the write failed.
func (s *Scheduler) finalizeRun(ctx context.Context, c completion, status models.RunStatus) *models.Run {
	run, err := s.repo.UpdateRunStatus(ctx, c.runID, status, c.result)
	s.lanes.release(c.lane)
	if err != nil {
		s.logger.Warn("Failed to finalize run", "run_id", c.runID, "status", status, "error", err)
		return nil
	}
	if c.result.TokensUsed > 0 || c.result.TimeSeconds > 0 || c.result.CostUsd > 0 {
		if _, err := s.budget.RecordUsage(ctx, c.goalID, c.result.TokensUsed, c.result.TimeSeconds/60, c.result.CostUsd); err != nil {
			s.logger.Warn("Failed to record goal spend", "goal_id", c.goalID, "error", err)
		}
	}
	s.publisher.RunCompleted(run)
	metrics.RecordRunComplete(string(c.lane), string(status), c.model, time.Since(c.startedAt), c.result.TokensUsed)
	s.logger.Info("Run finished",
		"run_id", c.runID,
		"work_item_id", c.workItemID,
		"goal_id", c.goalID,
		"status", status,
		"tokens_used", c.result.TokensUsed,
		"error_signature", c.result.ErrorSignature)
	return run
}

// startVerification runs the item's quality gates off the loop goroutine
// and re-enters through the completion queue. Without a verifier the gates
// trivially pass.
func (s *Scheduler) startVerification(ctx context.Context, item *models.WorkItem, c completion) {
	verifyDone := func(report *models.VerificationReport) completion {
		vc := c
		vc.kind = completionVerify
		vc.report = report
		return vc
	}

	if s.verifier == nil {
		s.enqueueCompletion(verifyDone(&models.VerificationReport{
			WorkItemID:     item.ID,
			RunID:          c.runID,
			AllPassed:      true,
			RequiredPassed: true,
		}))
		return
	}

	run, err := s.repo.GetRun(ctx, c.runID)
	if err != nil {
		s.logger.Error("Failed to load run for verification", "run_id", c.runID, "error", err)
		run = &models.Run{ID: c.runID, WorkItemID: item.ID, GoalID: c.goalID}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report := s.verifier.RunVerification(s.baseCtx, item, run)
		s.enqueueCompletion(verifyDone(report))
		s.wake()
	}()
}

// handleVerifyCompletion writes the run's terminal status based on the gate
// outcome: required gates passing completes the item, a required failure
// flips the run to failure with a verification error signature and hands
// the item to the retry rules.
func (s *Scheduler) handleVerifyCompletion(ctx context.Context, c completion) {
	report := c.report
	if report == nil {
		report = &models.VerificationReport{WorkItemID: c.workItemID, RunID: c.runID, AllPassed: true, RequiredPassed: true}
	}

	if report.RequiredPassed {
		if _, err := s.repo.SetWorkItemVerification(ctx, c.workItemID, models.VerificationPassed); err != nil {
			s.logger.Warn("Failed to record verification status", "work_item_id", c.workItemID, "error", err)
		}
		s.finalizeRun(ctx, c, models.RunSuccess)
		item, err := s.repo.UpdateWorkItemStatus(ctx, c.workItemID, models.WorkItemDone)
		if err != nil {
			s.logger.Warn("Failed to complete work item", "work_item_id", c.workItemID, "error", err)
			return
		}
		s.publisher.WorkItemCompleted(item)
		s.logger.Info("Work item completed", "work_item_id", c.workItemID, "goal_id", c.goalID, "gates", len(report.Results))
		s.maybeCompleteGoal(ctx, c.goalID)
		return
	}

	if _, err := s.repo.SetWorkItemVerification(ctx, c.workItemID, models.VerificationFailed); err != nil {
		s.logger.Warn("Failed to record verification status", "work_item_id", c.workItemID, "error", err)
	}
	c.result.ErrorMessage = report.Summary
	c.result.ErrorSignature = verificationSignature(report)
	run := s.finalizeRun(ctx, c, models.RunFailure)
	s.logger.Warn("Verification failed", "work_item_id", c.workItemID, "run_id", c.runID, "summary", report.Summary)
	s.handleRunFailure(ctx, c, run)
}

// verificationSignature derives a stable error signature from the first
// failed required gate so repeated identical failures are detectable.
func verificationSignature(report *models.VerificationReport) string {
	for _, r := range report.Results {
		if r.Required && !r.Passed {
			return "verification:" + r.Name
		}
	}
	return "verification"
}

// handleRunFailure applies the retry rules to a failed or timed-out run:
// either the item goes back to ready with a backoff deadline, or it fails
// and the goal blocks behind an escalation.
func (s *Scheduler) handleRunFailure(ctx context.Context, c completion, run *models.Run) {
	if run == nil {
		run = &models.Run{
			ID:             c.runID,
			WorkItemID:     c.workItemID,
			GoalID:         c.goalID,
			ErrorMessage:   c.result.ErrorMessage,
			ErrorSignature: c.result.ErrorSignature,
		}
	}
	item, err := s.repo.GetWorkItem(ctx, c.workItemID)
	if err != nil {
		s.logger.Warn("Failed to load work item after run failure", "work_item_id", c.workItemID, "error", err)
		return
	}
	if item.Status.Terminal() {
		return
	}

	decision, err := s.retry.Decide(ctx, item, run)
	if err != nil {
		s.logger.Error("Retry decision failed", "work_item_id", item.ID, "error", err)
		decision = RetryDecision{Escalate: &models.EscalationSpec{
			Kind:        models.EscalationStuck,
			Severity:    models.SeverityHigh,
			Title:       fmt.Sprintf("work item failed: %s", item.Title),
			Description: run.ErrorMessage,
		}}
	}

	if decision.Retry {
		if _, err := s.repo.IncrementWorkItemRetry(ctx, item.ID); err != nil {
			s.logger.Warn("Failed to increment retry count", "work_item_id", item.ID, "error", err)
		}
		updated, err := s.repo.UpdateWorkItemStatus(ctx, item.ID, models.WorkItemReady)
		if err != nil {
			s.logger.Warn("Failed to requeue work item", "work_item_id", item.ID, "error", err)
			return
		}
		s.retryAt[item.ID] = time.Now().Add(decision.Delay)
		metrics.RetriesTotal.Inc()
		s.publisher.WorkItemUpdated(updated)
		s.logger.Info("Retry scheduled",
			"work_item_id", item.ID,
			"retry_count", updated.RetryCount,
			"delay", decision.Delay,
			"error_signature", run.ErrorSignature)
		return
	}

	s.escalateWorkItem(ctx, item, run, decision.Escalate)
}

// escalateWorkItem fails the item, raises the escalation, and blocks the
// goal so nothing else dispatches until a human responds.
func (s *Scheduler) escalateWorkItem(ctx context.Context, item *models.WorkItem, run *models.Run, spec *models.EscalationSpec) {
	if spec == nil {
		spec = &models.EscalationSpec{
			Kind:     models.EscalationStuck,
			Severity: models.SeverityHigh,
			Title:    fmt.Sprintf("work item failed: %s", item.Title),
		}
	}

	failed, err := s.repo.UpdateWorkItemStatus(ctx, item.ID, models.WorkItemFailed)
	if err != nil {
		s.logger.Warn("Failed to fail work item", "work_item_id", item.ID, "error", err)
	} else {
		s.publisher.WorkItemFailed(failed, run.ErrorMessage)
	}

	if err := s.escalations.CreateDeduped(ctx, item.GoalID, item.ID, run.ID, spec); err != nil {
		s.logger.Error("Failed to create escalation", "work_item_id", item.ID, "error", err)
	}

	goal, err := s.repo.GetGoal(ctx, item.GoalID)
	if err == nil && goal.Status == models.GoalActive {
		s.blockGoal(ctx, goal, fmt.Sprintf("escalation on work item %s", item.ID))
	}
}

// CancelGoal cancels the goal and cascades: every non-terminal work item is
// cancelled and every in-flight run gets an abort signal. Lane slots free
// when the aborted completions drain on the next tick. Cancelling a goal
// already in a terminal state returns the repository's conflict error.
//
// Safe to call from any goroutine; this is the gateway's cancel entry
// point.
func (s *Scheduler) CancelGoal(ctx context.Context, goalID string) (*models.Goal, error) {
	goal, err := s.repo.UpdateGoalStatus(ctx, goalID, models.GoalCancelled, "")
	if err != nil {
		return nil, err
	}

	items, err := s.repo.GetWorkItemsByGoal(ctx, goalID)
	if err != nil {
		s.logger.Warn("Failed to list work items for cancellation", "goal_id", goalID, "error", err)
	}
	cancelledItems := 0
	for _, item := range items {
		if item.Status.Terminal() {
			continue
		}
		updated, uerr := s.repo.UpdateWorkItemStatus(ctx, item.ID, models.WorkItemCancelled)
		if uerr != nil {
			s.logger.Warn("Failed to cancel work item", "work_item_id", item.ID, "error", uerr)
			continue
		}
		cancelledItems++
		s.publisher.WorkItemUpdated(updated)
	}

	abortedRuns := s.abortGoalRuns(goalID)
	s.publisher.GoalCancelled(goal)
	s.logger.Info("Goal cancelled",
		"goal_id", goalID,
		"cancelled_work_items", cancelledItems,
		"aborted_runs", abortedRuns)
	s.wake()
	return goal, nil
}

// CancelWorkItem cancels a single work item, aborting its in-flight run and
// leaving the rest of the goal running. Transitive dependents are cancelled
// with it (a cancelled dependency can never reach done, so they are dead
// work), walked iteratively over the inverse edges. Cancelling a terminal
// item returns the repository's conflict error.
//
// Safe to call from any goroutine; this is the gateway's cancel entry point.
func (s *Scheduler) CancelWorkItem(ctx context.Context, workItemID string) (*models.WorkItem, error) {
	item, err := s.repo.UpdateWorkItemStatus(ctx, workItemID, models.WorkItemCancelled)
	if err != nil {
		return nil, err
	}
	s.publisher.WorkItemUpdated(item)
	aborted := s.abortWorkItemRun(workItemID)

	worklist := append([]string(nil), item.Blocks...)
	seen := map[string]bool{item.ID: true}
	dependents := 0
	for len(worklist) > 0 {
		id := worklist[0]
		worklist = worklist[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		dep, derr := s.repo.GetWorkItem(ctx, id)
		if derr != nil || dep.Status.Terminal() {
			continue
		}
		updated, uerr := s.repo.UpdateWorkItemStatus(ctx, id, models.WorkItemCancelled)
		if uerr != nil {
			s.logger.Warn("Failed to cancel dependent work item", "work_item_id", id, "error", uerr)
			continue
		}
		dependents++
		s.publisher.WorkItemUpdated(updated)
		worklist = append(worklist, updated.Blocks...)
	}

	s.logger.Info("Work item cancelled",
		"work_item_id", workItemID,
		"goal_id", item.GoalID,
		"aborted_runs", aborted,
		"cancelled_dependents", dependents)
	s.wake()
	return item, nil
}
