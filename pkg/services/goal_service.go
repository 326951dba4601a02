package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// GoalCanceller aborts a goal and everything under it. The scheduler
// implements this because it owns the in-flight run contexts and lane slots.
type GoalCanceller interface {
	CancelGoal(ctx context.Context, goalID string) (*models.Goal, error)
}

// SubmitGoalInput contains the domain-level data needed to create a goal.
// Transformed from the RPC params by the gateway handler.
type SubmitGoalInput struct {
	Title           string
	Description     string
	SuccessCriteria []models.SuccessCriterion
	Priority        *int
	Budget          *models.Budget
	Tags            []string
	Context         map[string]any
}

// ListGoalsInput carries goal.list filters.
type ListGoalsInput struct {
	Statuses []models.GoalStatus
	Limit    int
	Offset   int
}

// GoalService handles goal submission, lookup and cancellation.
type GoalService struct {
	repo      store.Repository
	publisher *events.Publisher
	canceller GoalCanceller
}

// NewGoalService creates a new GoalService.
func NewGoalService(repo store.Repository, publisher *events.Publisher) *GoalService {
	if repo == nil {
		panic("NewGoalService: repo must not be nil")
	}
	if publisher == nil {
		panic("NewGoalService: publisher must not be nil")
	}
	return &GoalService{
		repo:      repo,
		publisher: publisher,
	}
}

// SetCanceller wires the scheduler's cancellation cascade. Must be set
// before Cancel is called.
func (s *GoalService) SetCanceller(c GoalCanceller) {
	s.canceller = c
}

// Submit creates a new goal in "queued" status. Two identical submissions
// create two distinct goals.
func (s *GoalService) Submit(ctx context.Context, input SubmitGoalInput) (*models.Goal, error) {
	if input.Title == "" {
		return nil, NewValidationError("title", "title is required")
	}
	for i, c := range input.SuccessCriteria {
		if c.Kind != models.CriterionDeterministic && c.Kind != models.CriterionHeuristic {
			return nil, NewValidationError("successCriteria",
				fmt.Sprintf("criterion %d has unknown kind '%s'", i, c.Kind))
		}
	}
	if b := input.Budget; b != nil {
		if b.Tokens < 0 || b.TimeMinutes < 0 || b.CostUsd < 0 {
			return nil, NewValidationError("budgets", "budget limits must not be negative")
		}
	}

	priority := 5
	if input.Priority != nil {
		priority = *input.Priority
	}

	goal := &models.Goal{
		ID:              uuid.New().String(),
		Title:           input.Title,
		Description:     input.Description,
		SuccessCriteria: input.SuccessCriteria,
		Status:          models.GoalQueued,
		Priority:        priority,
		Budget:          input.Budget,
		Tags:            input.Tags,
		Context:         input.Context,
	}

	if err := s.repo.CreateGoal(ctx, goal); err != nil {
		return nil, fmt.Errorf("failed to create goal: %w", err)
	}

	created, err := s.repo.GetGoal(ctx, goal.ID)
	if err != nil {
		return nil, fromStore(err)
	}
	s.publisher.GoalCreated(created)
	return created, nil
}

// Get returns a goal by id.
func (s *GoalService) Get(ctx context.Context, id string) (*models.Goal, error) {
	if id == "" {
		return nil, NewValidationError("goalId", "goalId is required")
	}
	g, err := s.repo.GetGoal(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return g, nil
}

// List returns goals matching the filter plus the total match count.
func (s *GoalService) List(ctx context.Context, input ListGoalsInput) ([]*models.Goal, int, error) {
	for _, st := range input.Statuses {
		switch st {
		case models.GoalQueued, models.GoalActive, models.GoalBlocked, models.GoalCompleted, models.GoalCancelled:
		default:
			return nil, 0, NewValidationError("status", fmt.Sprintf("unknown status '%s'", st))
		}
	}
	goals, total, err := s.repo.ListGoals(ctx, store.GoalFilter{
		Statuses: input.Statuses,
		Limit:    input.Limit,
		Offset:   input.Offset,
	})
	if err != nil {
		return nil, 0, fromStore(err)
	}
	return goals, total, nil
}

// Cancel aborts the goal and cascades to its work items and in-flight runs.
// Cancelling a terminal goal returns ErrConflict.
func (s *GoalService) Cancel(ctx context.Context, id string) (*models.Goal, error) {
	if id == "" {
		return nil, NewValidationError("goalId", "goalId is required")
	}
	if s.canceller == nil {
		return nil, fmt.Errorf("goal canceller not wired")
	}
	g, err := s.canceller.CancelGoal(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return g, nil
}
