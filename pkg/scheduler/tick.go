package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/metrics"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// tick runs one full scheduling pass: drain completions queued since the
// last pass, admit queued goals up to the concurrency cap, then walk every
// non-terminal goal resolving readiness and dispatching into free lanes.
// Every StuckSweepEvery ticks the pass ends with a stuck sweep.
func (s *Scheduler) tick(ctx context.Context, seq int64) {
	s.drainCompletions()
	s.activateGoals(ctx)
	s.dispatchGoals(ctx)
	if n := int64(s.cfg.StuckSweepEvery); n > 0 && seq%n == 0 {
		s.sweepStuck(ctx)
	}
}

// activateGoals admits queued goals while the active set (blocked goals
// included, their work is only parked) is under maxConcurrentGoals.
func (s *Scheduler) activateGoals(ctx context.Context) {
	active, _, err := s.repo.ListGoals(ctx, store.GoalFilter{
		Statuses: []models.GoalStatus{models.GoalActive, models.GoalBlocked},
	})
	if err != nil {
		s.logger.Error("Failed to list active goals", "error", err)
		return
	}
	slots := s.cfg.MaxConcurrentGoals - len(active)
	if slots <= 0 {
		return
	}

	queued, _, err := s.repo.ListGoals(ctx, store.GoalFilter{
		Statuses: []models.GoalStatus{models.GoalQueued},
		Limit:    slots,
	})
	if err != nil {
		s.logger.Error("Failed to list queued goals", "error", err)
		return
	}
	for _, goal := range queued {
		activated, err := s.repo.UpdateGoalStatus(ctx, goal.ID, models.GoalActive, "")
		if err != nil {
			s.logger.Warn("Failed to activate goal", "goal_id", goal.ID, "error", err)
			continue
		}
		if err := s.ensureWorkItems(ctx, activated); err != nil {
			s.logger.Error("Failed to seed work items", "goal_id", goal.ID, "error", err)
		}
		s.publisher.GoalUpdated(activated)
		s.logger.Info("Goal activated", "goal_id", goal.ID, "title", goal.Title, "priority", goal.Priority)
	}
}

// ensureWorkItems synthesizes a single work item for goals submitted without
// a decomposition, so every active goal has something to dispatch. The item
// inherits the goal's priority and carries the success criteria as
// acceptance criteria.
func (s *Scheduler) ensureWorkItems(ctx context.Context, goal *models.Goal) error {
	items, err := s.repo.GetWorkItemsByGoal(ctx, goal.ID)
	if err != nil {
		return err
	}
	if len(items) > 0 {
		return nil
	}

	item := &models.WorkItem{
		ID:              uuid.New().String(),
		GoalID:          goal.ID,
		Title:           goal.Title,
		Description:     goal.Description,
		Type:            models.WorkItemCode,
		Status:          models.WorkItemQueued,
		Priority:        goal.Priority,
		EstimatedEffort: models.EffortM,
		MaxRetries:      s.cfg.DefaultMaxRetries,
	}
	if len(goal.SuccessCriteria) > 0 {
		criteria := make([]string, 0, len(goal.SuccessCriteria))
		for _, c := range goal.SuccessCriteria {
			criteria = append(criteria, c.Description)
		}
		item.Verification = &models.VerificationPlan{AcceptanceCriteria: criteria}
	}
	if err := s.repo.CreateWorkItem(ctx, item); err != nil {
		return err
	}
	s.publisher.WorkItemCreated(item)
	s.logger.Info("Seeded default work item", "goal_id", goal.ID, "work_item_id", item.ID)
	return nil
}

func (s *Scheduler) dispatchGoals(ctx context.Context) {
	goals, _, err := s.repo.ListGoals(ctx, store.GoalFilter{
		Statuses: []models.GoalStatus{models.GoalActive, models.GoalBlocked},
	})
	if err != nil {
		s.logger.Error("Failed to list goals for dispatch", "error", err)
		return
	}
	s.lanes.resetQueued()
	for _, goal := range goals {
		s.dispatchGoal(ctx, goal)
	}
}

// dispatchGoal applies blockers, resolves the ready set, and starts runs in
// free lanes. Blocked goals whose blockers cleared reactivate here; active
// goals that hit a blocking escalation or an exceeded budget park here.
func (s *Scheduler) dispatchGoal(ctx context.Context, goal *models.Goal) {
	blocking, err := s.escalations.HasBlocking(ctx, goal.ID)
	if err != nil {
		s.logger.Error("Failed to check escalations", "goal_id", goal.ID, "error", err)
		return
	}
	level, axis := s.budget.Evaluate(goal)

	switch {
	case blocking:
		if goal.Status == models.GoalActive {
			s.blockGoal(ctx, goal, "blocking escalation open")
		}
		return
	case level == BudgetExceeded:
		if goal.Status == models.GoalActive {
			s.blockGoal(ctx, goal, fmt.Sprintf("budget exceeded: %s", axis))
		}
		return
	case goal.Status == models.GoalBlocked:
		reactivated, err := s.repo.UpdateGoalStatus(ctx, goal.ID, models.GoalActive, "")
		if err != nil {
			s.logger.Warn("Failed to unblock goal", "goal_id", goal.ID, "error", err)
			return
		}
		goal = reactivated
		s.publisher.GoalUpdated(goal)
		s.logger.Info("Goal unblocked", "goal_id", goal.ID)
	}

	ready, promoted, err := s.workItems.ResolveReady(ctx, goal.ID)
	if err != nil {
		s.logger.Error("Failed to resolve ready work items", "goal_id", goal.ID, "error", err)
		return
	}
	for _, item := range promoted {
		s.publisher.WorkItemUpdated(item)
	}

	now := time.Now()
	for _, item := range ready {
		if until, ok := s.retryAt[item.ID]; ok && now.Before(until) {
			continue
		}
		lane := s.laneSel.Select(item, goal)
		if !s.lanes.hasCapacity(lane) {
			// Fall back to main rather than starve behind a saturated
			// special lane.
			if lane != models.LaneMain && s.lanes.hasCapacity(models.LaneMain) {
				lane = models.LaneMain
			} else {
				s.lanes.addQueued(lane)
				continue
			}
		}
		s.startRun(ctx, goal, item, lane, s.modelSel.Select(item, goal))
	}

	s.maybeCompleteGoal(ctx, goal.ID)
}

func (s *Scheduler) blockGoal(ctx context.Context, goal *models.Goal, reason string) {
	blocked, err := s.repo.UpdateGoalStatus(ctx, goal.ID, models.GoalBlocked, reason)
	if err != nil {
		s.logger.Warn("Failed to block goal", "goal_id", goal.ID, "error", err)
		return
	}
	s.publisher.GoalBlocked(blocked, reason)
	s.logger.Warn("Goal blocked", "goal_id", goal.ID, "reason", reason)
}

// startRun transitions the item to in_progress, persists a new run, and
// hands it to the engine on its own goroutine. The goroutine re-enters the
// loop through the completion queue; the lane slot stays held until that
// completion (or the verification following it) is applied.
func (s *Scheduler) startRun(ctx context.Context, goal *models.Goal, item *models.WorkItem, lane models.LaneID, tier models.ModelTier) {
	if !s.lanes.acquire(lane) {
		s.lanes.addQueued(lane)
		return
	}

	model := ""
	if s.resolver != nil {
		model = s.resolver.ModelForTier(string(tier))
	}

	updated, err := s.repo.UpdateWorkItemStatus(ctx, item.ID, models.WorkItemInProgress)
	if err != nil {
		s.lanes.release(lane)
		s.logger.Warn("Failed to start work item", "work_item_id", item.ID, "error", err)
		return
	}

	run := &models.Run{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		GoalID:     goal.ID,
		AgentType:  item.AssignedAgent,
		Status:     models.RunRunning,
		Lane:       lane,
		Model:      model,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		s.lanes.release(lane)
		s.logger.Error("Failed to create run", "work_item_id", item.ID, "error", err)
		if _, rerr := s.repo.UpdateWorkItemStatus(ctx, item.ID, models.WorkItemReady); rerr != nil {
			s.logger.Warn("Failed to revert work item", "work_item_id", item.ID, "error", rerr)
		}
		return
	}

	delete(s.retryAt, item.ID)
	s.dispatched.Add(1)
	metrics.RecordDispatch(string(lane), string(tier))
	s.publisher.WorkItemUpdated(updated)
	s.publisher.RunStarted(run)
	s.logger.Info("Run dispatched",
		"run_id", run.ID,
		"work_item_id", item.ID,
		"goal_id", goal.ID,
		"run_sequence", run.RunSequence,
		"lane", lane,
		"tier", tier,
		"model", model)

	runCtx, cancel := context.WithTimeout(s.baseCtx, s.maxRunDuration())
	s.registerRun(run.ID, goal.ID, item.ID, cancel)

	engineItem := updated
	engineRun := run.Clone()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		result := s.engine.Execute(runCtx, engineItem, engineRun, model)
		s.enqueueCompletion(completion{
			kind:       completionRun,
			goalID:     goal.ID,
			workItemID: item.ID,
			runID:      run.ID,
			lane:       lane,
			model:      model,
			startedAt:  run.CreatedAt,
			result:     normalizeResult(result, runCtx),
		})
		s.wake()
	}()
}

func (s *Scheduler) maxRunDuration() time.Duration {
	if d := s.cfg.MaxRunDuration.Duration(); d > 0 {
		return d
	}
	return 30 * time.Minute
}

// normalizeResult guards against engines that return nil or leave the
// status unset, deriving the terminal state from the run context instead:
// an expired deadline means timeout, cancellation means aborted, anything
// else is a failure.
func normalizeResult(result *models.RunResult, runCtx context.Context) *models.RunResult {
	if result == nil {
		result = &models.RunResult{}
	}
	if result.Status != "" && result.Status != models.RunRunning {
		return result
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = models.RunTimeout
		if result.ErrorMessage == "" {
			result.ErrorMessage = "run exceeded maximum duration"
		}
		if result.ErrorSignature == "" {
			result.ErrorSignature = "run_timeout"
		}
	case errors.Is(runCtx.Err(), context.Canceled):
		result.Status = models.RunAborted
		if result.ErrorMessage == "" {
			result.ErrorMessage = "run aborted"
		}
	default:
		result.Status = models.RunFailure
		if result.ErrorMessage == "" {
			result.ErrorMessage = "engine returned no result"
		}
		if result.ErrorSignature == "" {
			result.ErrorSignature = "engine_no_result"
		}
	}
	return result
}

// maybeCompleteGoal completes an active goal once every work item is done.
// Items an operator cancelled are pruned scope and do not hold the goal
// open. Goals with no items yet (seeding pending) stay active.
func (s *Scheduler) maybeCompleteGoal(ctx context.Context, goalID string) {
	goal, err := s.repo.GetGoal(ctx, goalID)
	if err != nil || goal.Status != models.GoalActive {
		return
	}
	items, err := s.repo.GetWorkItemsByGoal(ctx, goalID)
	if err != nil || len(items) == 0 {
		return
	}
	for _, item := range items {
		if item.Status == models.WorkItemCancelled {
			continue
		}
		if item.Status != models.WorkItemDone {
			return
		}
	}
	completed, err := s.repo.UpdateGoalStatus(ctx, goalID, models.GoalCompleted, "")
	if err != nil {
		s.logger.Warn("Failed to complete goal", "goal_id", goalID, "error", err)
		return
	}
	s.publisher.GoalCompleted(completed)
	s.logger.Info("Goal completed",
		"goal_id", goalID,
		"work_items", len(items),
		"spent_tokens", completed.Spent.Tokens,
		"spent_cost_usd", completed.Spent.CostUsd)
}
