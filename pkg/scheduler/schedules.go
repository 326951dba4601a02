package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// scheduleCheckInterval is how often recurring schedules are evaluated.
// Schedule expressions resolve at minute granularity, so 30s keeps them on
// time without busy-polling.
const scheduleCheckInterval = 30 * time.Second

// scheduleState tracks one schedule between checks. lastRun starts at the
// time the schedule was first seen, so intervals count from process start
// rather than firing a backlog at boot.
type scheduleState struct {
	lastRun    time.Time
	lastGoalID string
}

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(scheduleCheckInterval)
	defer ticker.Stop()

	s.logger.Info("Schedule runner started", "schedules", s.schedules.Len())
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkSchedules(s.baseCtx, time.Now())
		}
	}
}

// checkSchedules submits a goal for every enabled schedule that is due. A
// schedule whose previous goal has not reached a terminal status is skipped
// so recurring goals never pile up behind a slow run.
func (s *Scheduler) checkSchedules(ctx context.Context, now time.Time) {
	for name, sc := range s.schedules.GetAll() {
		if !sc.IsEnabled() {
			continue
		}

		s.schedMu.Lock()
		st, seen := s.scheduleState[name]
		if !seen {
			s.scheduleState[name] = &scheduleState{lastRun: now}
			s.schedMu.Unlock()
			continue
		}
		lastRun, lastGoalID := st.lastRun, st.lastGoalID
		s.schedMu.Unlock()

		due, err := nextScheduleTime(sc.Schedule, lastRun)
		if err != nil {
			s.logger.Error("Invalid schedule expression", "schedule", name, "expr", sc.Schedule, "error", err)
			continue
		}
		if now.Before(due) {
			continue
		}

		if lastGoalID != "" {
			prev, err := s.repo.GetGoal(ctx, lastGoalID)
			if err == nil && !prev.Status.Terminal() {
				s.logger.Info("Schedule skipped, previous goal still in flight",
					"schedule", name, "goal_id", lastGoalID, "status", prev.Status)
				continue
			}
		}

		goal, err := s.submitScheduledGoal(ctx, name, sc)
		if err != nil {
			s.logger.Error("Failed to submit scheduled goal", "schedule", name, "error", err)
			continue
		}
		s.schedMu.Lock()
		st.lastRun = now
		st.lastGoalID = goal.ID
		s.schedMu.Unlock()
		s.logger.Info("Scheduled goal submitted", "schedule", name, "goal_id", goal.ID, "title", goal.Title)
	}
}

// nextScheduleTime computes when the schedule is next due after last. The
// expression is either a Go duration ("30m") or a standard five-field cron
// expression ("0 9 * * 1").
func nextScheduleTime(expr string, last time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("interval must be positive: %q", expr)
		}
		return last.Add(d), nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a duration or cron expression: %w", err)
	}
	return sched.Next(last), nil
}

// submitScheduledGoal creates the goal straight through the repository. The
// context gains scheduled=true, which routes its work into the cron lane,
// and the schedule name for traceability.
func (s *Scheduler) submitScheduledGoal(ctx context.Context, name string, sc *config.ScheduleConfig) (*models.Goal, error) {
	goalCtx := make(map[string]any, len(sc.Context)+2)
	for k, v := range sc.Context {
		goalCtx[k] = v
	}
	goalCtx["scheduled"] = true
	goalCtx["schedule"] = name

	priority := sc.Priority
	if priority == 0 {
		priority = 5
	}
	goal := &models.Goal{
		ID:          uuid.New().String(),
		Title:       sc.Title,
		Description: sc.Description,
		Status:      models.GoalQueued,
		Priority:    priority,
		Tags:        append([]string(nil), sc.Tags...),
		Context:     goalCtx,
	}
	if b := sc.Budget; b != nil {
		goal.Budget = &models.Budget{
			Tokens:      b.Tokens,
			TimeMinutes: b.TimeMinutes,
			CostUsd:     b.CostUsd,
		}
	}
	if err := s.repo.CreateGoal(ctx, goal); err != nil {
		return nil, err
	}
	s.publisher.GoalCreated(goal)
	return goal, nil
}
