package services

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// WorkItemCanceller aborts a single work item and its in-flight run. The
// scheduler implements this because it owns the run contexts.
type WorkItemCanceller interface {
	CancelWorkItem(ctx context.Context, workItemID string) (*models.WorkItem, error)
}

// WorkItemService exposes a goal's work item DAG and single-item
// cancellation.
type WorkItemService struct {
	repo      store.Repository
	canceller WorkItemCanceller
}

// NewWorkItemService creates a new WorkItemService.
func NewWorkItemService(repo store.Repository) *WorkItemService {
	if repo == nil {
		panic("NewWorkItemService: repo must not be nil")
	}
	return &WorkItemService{repo: repo}
}

// SetCanceller wires the scheduler's single-item cancellation. Must be set
// before Cancel is called.
func (s *WorkItemService) SetCanceller(c WorkItemCanceller) {
	s.canceller = c
}

// Get returns a work item by id.
func (s *WorkItemService) Get(ctx context.Context, id string) (*models.WorkItem, error) {
	if id == "" {
		return nil, NewValidationError("workItemId", "workItemId is required")
	}
	w, err := s.repo.GetWorkItem(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return w, nil
}

// ListByGoal returns a goal's work items in creation order.
func (s *WorkItemService) ListByGoal(ctx context.Context, goalID string) ([]*models.WorkItem, error) {
	if goalID == "" {
		return nil, NewValidationError("goalId", "goalId is required")
	}
	items, err := s.repo.GetWorkItemsByGoal(ctx, goalID)
	if err != nil {
		return nil, fromStore(err)
	}
	return items, nil
}

// Cancel aborts the work item and its in-flight run. The rest of the goal
// keeps running. Cancelling a terminal item returns ErrConflict.
func (s *WorkItemService) Cancel(ctx context.Context, id string) (*models.WorkItem, error) {
	if id == "" {
		return nil, NewValidationError("workItemId", "workItemId is required")
	}
	if s.canceller == nil {
		return nil, fmt.Errorf("work item canceller not wired")
	}
	w, err := s.canceller.CancelWorkItem(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return w, nil
}

// RunsByWorkItem returns a work item's runs in sequence order.
func (s *WorkItemService) RunsByWorkItem(ctx context.Context, workItemID string) ([]*models.Run, error) {
	if workItemID == "" {
		return nil, NewValidationError("workItemId", "workItemId is required")
	}
	runs, err := s.repo.GetRunsByWorkItem(ctx, workItemID)
	if err != nil {
		return nil, fromStore(err)
	}
	return runs, nil
}

// GetRun returns a single run by id.
func (s *WorkItemService) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	if runID == "" {
		return nil, NewValidationError("runId", "runId is required")
	}
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, fromStore(err)
	}
	return run, nil
}
