package services

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// Escalation response actions accepted by Respond.
const (
	EscalationActionAcknowledge = "acknowledge"
	EscalationActionResolve     = "resolve"
	EscalationActionDismiss     = "dismiss"
)

// StuckSuppressor silences the stuck detector for a work item. Implemented
// by the scheduler; acknowledging a stuck escalation suppresses re-detection
// for the given window.
type StuckSuppressor interface {
	AcknowledgeStuck(workItemID string, duration time.Duration)
}

// RespondInput carries an operator's response to an escalation.
type RespondInput struct {
	EscalationID string
	Action       string
	// Resolution is recorded on resolve/dismiss.
	Resolution string
	// SuppressFor overrides the default ack-suppression window.
	SuppressFor time.Duration
}

// EscalationService handles operator interaction with escalations.
type EscalationService struct {
	repo       store.Repository
	publisher  *events.Publisher
	suppressor StuckSuppressor
}

// NewEscalationService creates a new EscalationService.
func NewEscalationService(repo store.Repository, publisher *events.Publisher) *EscalationService {
	if repo == nil {
		panic("NewEscalationService: repo must not be nil")
	}
	if publisher == nil {
		panic("NewEscalationService: publisher must not be nil")
	}
	return &EscalationService{
		repo:      repo,
		publisher: publisher,
	}
}

// SetSuppressor wires the scheduler's stuck-detector suppression.
func (s *EscalationService) SetSuppressor(sup StuckSuppressor) {
	s.suppressor = sup
}

// Get returns an escalation by id.
func (s *EscalationService) Get(ctx context.Context, id string) (*models.Escalation, error) {
	if id == "" {
		return nil, NewValidationError("escalationId", "escalationId is required")
	}
	e, err := s.repo.GetEscalation(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return e, nil
}

// List returns escalations filtered by goal and/or status.
func (s *EscalationService) List(ctx context.Context, goalID string, status models.EscalationStatus) ([]*models.Escalation, error) {
	if status != "" {
		switch status {
		case models.EscalationOpen, models.EscalationAcknowledged, models.EscalationResolved, models.EscalationDismissed:
		default:
			return nil, NewValidationError("status", fmt.Sprintf("unknown status '%s'", status))
		}
	}
	list, err := s.repo.ListEscalations(ctx, goalID, status)
	if err != nil {
		return nil, fromStore(err)
	}
	return list, nil
}

// Respond applies an operator action to an open escalation.
//
// acknowledge keeps the escalation open but suppresses stuck re-detection
// for the work item; resolve and dismiss are terminal and emit
// escalation.resolved.
func (s *EscalationService) Respond(ctx context.Context, input RespondInput) (*models.Escalation, error) {
	if input.EscalationID == "" {
		return nil, NewValidationError("escalationId", "escalationId is required")
	}

	var (
		updated *models.Escalation
		err     error
	)
	switch input.Action {
	case EscalationActionAcknowledge:
		updated, err = s.repo.UpdateEscalationStatus(ctx, input.EscalationID, models.EscalationAcknowledged)
		if err == nil && s.suppressor != nil && updated.WorkItemID != "" {
			s.suppressor.AcknowledgeStuck(updated.WorkItemID, input.SuppressFor)
		}
	case EscalationActionResolve:
		updated, err = s.repo.ResolveEscalation(ctx, input.EscalationID, input.Resolution)
	case EscalationActionDismiss:
		updated, err = s.repo.UpdateEscalationStatus(ctx, input.EscalationID, models.EscalationDismissed)
	default:
		return nil, NewValidationError("action", fmt.Sprintf("unknown action '%s'", input.Action))
	}
	if err != nil {
		return nil, fromStore(err)
	}

	if input.Action == EscalationActionResolve || input.Action == EscalationActionDismiss {
		s.publisher.EscalationResolved(updated)
	}
	return updated, nil
}
