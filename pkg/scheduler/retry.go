package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// nonRecoverable maps error signatures that retrying cannot fix to the
// escalation kind they surface as.
var nonRecoverable = map[string]models.EscalationKind{
	"validation_failed":   models.EscalationValidationFailed,
	"invalid_params":      models.EscalationAmbiguous,
	"ambiguous":           models.EscalationAmbiguous,
	"missing_credentials": models.EscalationCredential,
	"credential_error":    models.EscalationCredential,
}

// RetryDecision is the verdict on a failed run: either retry after Delay or
// escalate to a human with the attached spec.
type RetryDecision struct {
	Retry    bool
	Delay    time.Duration
	Escalate *models.EscalationSpec
}

// RetryHandler decides whether a failed run is retried with exponential
// backoff or escalated. The rules apply in order:
//
//  1. a non-recoverable error signature escalates immediately
//  2. more than maxSameErrorRetries consecutive runs failing with the same
//     signature escalate as stuck, regardless of remaining retry budget
//  3. an exhausted retry budget escalates as stuck
//  4. otherwise retry after baseDelay doubled per prior retry, capped at
//     maxDelay
type RetryHandler struct {
	repo store.Repository
	cfg  *config.SchedulerConfig
}

func NewRetryHandler(repo store.Repository, cfg *config.SchedulerConfig) *RetryHandler {
	if repo == nil {
		panic("scheduler: RetryHandler requires a repository")
	}
	if cfg == nil {
		cfg = config.DefaultSchedulerConfig()
	}
	return &RetryHandler{repo: repo, cfg: cfg}
}

// Decide applies the retry rules to a just-failed run. The run must already
// be persisted terminal so the same-error window includes it.
func (h *RetryHandler) Decide(ctx context.Context, item *models.WorkItem, run *models.Run) (RetryDecision, error) {
	if kind, ok := nonRecoverable[run.ErrorSignature]; ok {
		severity := models.SeverityHigh
		if kind == models.EscalationCredential {
			severity = models.SeverityCritical
		}
		return RetryDecision{Escalate: &models.EscalationSpec{
			Kind:           kind,
			Severity:       severity,
			Title:          fmt.Sprintf("%s: %s", kind, item.Title),
			Description:    run.ErrorMessage,
			ErrorSignature: run.ErrorSignature,
			Context:        map[string]any{"reason": string(kind)},
		}}, nil
	}

	// Checked before the retry budget so repeated identical failures carry
	// their signature into the escalation.
	same, err := h.trailingSameError(ctx, item.ID, run.ErrorSignature)
	if err != nil {
		return RetryDecision{}, err
	}
	if run.ErrorSignature != "" && same > h.cfg.MaxSameErrorRetries {
		return RetryDecision{Escalate: &models.EscalationSpec{
			Kind:           models.EscalationStuck,
			Severity:       models.SeverityHigh,
			Title:          fmt.Sprintf("repeated failure: %s", item.Title),
			Description:    fmt.Sprintf("last %d runs failed with the same error: %s", same, run.ErrorMessage),
			ErrorSignature: run.ErrorSignature,
			Context:        map[string]any{"reason": reasonRepeatedError},
		}}, nil
	}

	if item.RetryCount+1 > h.maxRetries(item) {
		return RetryDecision{Escalate: &models.EscalationSpec{
			Kind:           models.EscalationStuck,
			Severity:       models.SeverityHigh,
			Title:          fmt.Sprintf("retries exhausted: %s", item.Title),
			Description:    fmt.Sprintf("%d attempts failed, last error: %s", item.RetryCount+1, run.ErrorMessage),
			ErrorSignature: run.ErrorSignature,
			Context:        map[string]any{"reason": reasonMaxRetries},
		}}, nil
	}

	return RetryDecision{Retry: true, Delay: h.backoff(item.RetryCount)}, nil
}

// trailingSameError counts terminal runs at the tail of the item's run
// history sharing the given error signature.
func (h *RetryHandler) trailingSameError(ctx context.Context, itemID, signature string) (int, error) {
	if signature == "" {
		return 0, nil
	}
	runs, err := h.repo.GetRunsByWorkItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := len(runs) - 1; i >= 0; i-- {
		if !runs[i].Status.Terminal() || runs[i].ErrorSignature != signature {
			break
		}
		count++
	}
	return count, nil
}

func (h *RetryHandler) maxRetries(item *models.WorkItem) int {
	if item.MaxRetries > 0 {
		return item.MaxRetries
	}
	return h.cfg.DefaultMaxRetries
}

func (h *RetryHandler) backoff(retryCount int) time.Duration {
	base := h.cfg.RetryBaseDelay.Duration()
	if base <= 0 {
		base = 2 * time.Second
	}
	max := h.cfg.RetryMaxDelay.Duration()
	if max <= 0 {
		max = time.Minute
	}
	delay := base
	for i := 0; i < retryCount && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}
