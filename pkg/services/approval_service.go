package services

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// CreateApprovalInput contains the data needed to request an approval.
type CreateApprovalInput struct {
	GoalID      string
	WorkItemID  string
	Title       string
	Description string
	RequestedBy string
}

// ApprovalService handles human approval requests and decisions.
type ApprovalService struct {
	repo      store.Repository
	publisher *events.Publisher
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(repo store.Repository, publisher *events.Publisher) *ApprovalService {
	if repo == nil {
		panic("NewApprovalService: repo must not be nil")
	}
	if publisher == nil {
		panic("NewApprovalService: publisher must not be nil")
	}
	return &ApprovalService{
		repo:      repo,
		publisher: publisher,
	}
}

// Create requests a new approval in "pending" status.
func (s *ApprovalService) Create(ctx context.Context, input CreateApprovalInput) (*models.Approval, error) {
	if input.Title == "" {
		return nil, NewValidationError("title", "title is required")
	}
	a := &models.Approval{
		GoalID:      input.GoalID,
		WorkItemID:  input.WorkItemID,
		Title:       input.Title,
		Description: input.Description,
		RequestedBy: input.RequestedBy,
		Status:      models.ApprovalPending,
	}
	if err := s.repo.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	s.publisher.ApprovalRequested(a)
	return a, nil
}

// Get returns an approval by id.
func (s *ApprovalService) Get(ctx context.Context, id string) (*models.Approval, error) {
	if id == "" {
		return nil, NewValidationError("approvalId", "approvalId is required")
	}
	a, err := s.repo.GetApproval(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return a, nil
}

// List returns approvals, optionally filtered by goal and status.
func (s *ApprovalService) List(ctx context.Context, goalID string, status models.ApprovalStatus) ([]*models.Approval, error) {
	if status != "" {
		switch status {
		case models.ApprovalPending, models.ApprovalGranted, models.ApprovalDenied:
		default:
			return nil, NewValidationError("status", fmt.Sprintf("unknown status '%s'", status))
		}
	}
	list, err := s.repo.ListApprovals(ctx, store.ApprovalFilter{GoalID: goalID, Status: status})
	if err != nil {
		return nil, fromStore(err)
	}
	return list, nil
}

// Pending returns all approvals still awaiting a decision.
func (s *ApprovalService) Pending(ctx context.Context) ([]*models.Approval, error) {
	list, err := s.repo.ListApprovals(ctx, store.ApprovalFilter{Status: models.ApprovalPending})
	if err != nil {
		return nil, fromStore(err)
	}
	return list, nil
}

// Grant approves a pending request. Deciding twice returns ErrConflict.
func (s *ApprovalService) Grant(ctx context.Context, id, decidedBy, reason string) (*models.Approval, error) {
	return s.decide(ctx, id, models.ApprovalGranted, decidedBy, reason)
}

// Deny rejects a pending request. Deciding twice returns ErrConflict.
func (s *ApprovalService) Deny(ctx context.Context, id, decidedBy, reason string) (*models.Approval, error) {
	return s.decide(ctx, id, models.ApprovalDenied, decidedBy, reason)
}

func (s *ApprovalService) decide(ctx context.Context, id string, status models.ApprovalStatus, decidedBy, reason string) (*models.Approval, error) {
	if id == "" {
		return nil, NewValidationError("approvalId", "approvalId is required")
	}
	a, err := s.repo.DecideApproval(ctx, id, status, decidedBy, reason)
	if err != nil {
		return nil, fromStore(err)
	}
	switch status {
	case models.ApprovalGranted:
		s.publisher.ApprovalGranted(a)
	case models.ApprovalDenied:
		s.publisher.ApprovalDenied(a)
	}
	return a, nil
}
