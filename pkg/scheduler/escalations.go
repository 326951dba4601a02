package scheduler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/metrics"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// EscalationHandler creates and inspects escalations on behalf of the
// scheduler.
type EscalationHandler struct {
	repo      store.Repository
	publisher *events.Publisher
	logger    *slog.Logger
}

func NewEscalationHandler(repo store.Repository, publisher *events.Publisher, logger *slog.Logger) *EscalationHandler {
	if repo == nil || publisher == nil {
		panic("scheduler: EscalationHandler requires a repository and publisher")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EscalationHandler{repo: repo, publisher: publisher, logger: logger}
}

// HasBlocking reports whether the goal has an open or acknowledged
// escalation at severity high or above.
func (h *EscalationHandler) HasBlocking(ctx context.Context, goalID string) (bool, error) {
	open, err := h.repo.GetOpenEscalations(ctx, goalID)
	if err != nil {
		return false, err
	}
	for _, e := range open {
		if e.Blocking() {
			return true, nil
		}
	}
	return false, nil
}

// Create persists an escalation built from the spec and emits
// escalation.created.
func (h *EscalationHandler) Create(ctx context.Context, goalID, workItemID, runID string, spec *models.EscalationSpec) (*models.Escalation, error) {
	esc := &models.Escalation{
		ID:          uuid.New().String(),
		GoalID:      goalID,
		WorkItemID:  workItemID,
		RunID:       runID,
		Kind:        spec.Kind,
		Severity:    spec.Severity,
		Status:      models.EscalationOpen,
		Title:       spec.Title,
		Description: spec.Description,
		Context:     spec.Context,
	}
	if spec.ErrorSignature != "" {
		if esc.Context == nil {
			esc.Context = make(map[string]any, 1)
		}
		esc.Context["errorSignature"] = spec.ErrorSignature
	}
	if err := h.repo.CreateEscalation(ctx, esc); err != nil {
		return nil, err
	}
	h.publisher.EscalationCreated(esc)
	metrics.RecordEscalation(string(esc.Kind), string(esc.Severity))
	h.logger.Warn("Escalation created",
		"escalation_id", esc.ID,
		"goal_id", goalID,
		"work_item_id", workItemID,
		"kind", esc.Kind,
		"severity", esc.Severity,
		"title", esc.Title)
	return esc, nil
}

// hasOpenForItem reports whether the work item already has an open or
// acknowledged escalation of the given kind.
func (h *EscalationHandler) hasOpenForItem(ctx context.Context, goalID, workItemID string, kind models.EscalationKind) (bool, error) {
	open, err := h.repo.GetOpenEscalations(ctx, goalID)
	if err != nil {
		return false, err
	}
	for _, e := range open {
		if e.WorkItemID == workItemID && e.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

// CreateDeduped creates the escalation unless an open or acknowledged one
// with the same kind, work item, and context reason already exists, so
// periodic sweeps and retries do not pile up duplicates.
func (h *EscalationHandler) CreateDeduped(ctx context.Context, goalID, workItemID, runID string, spec *models.EscalationSpec) error {
	reason, _ := spec.Context["reason"].(string)
	open, err := h.repo.GetOpenEscalations(ctx, goalID)
	if err != nil {
		return err
	}
	for _, e := range open {
		if e.WorkItemID != workItemID || e.Kind != spec.Kind {
			continue
		}
		if r, _ := e.Context["reason"].(string); r == reason {
			return nil
		}
	}
	_, err = h.Create(ctx, goalID, workItemID, runID, spec)
	return err
}
