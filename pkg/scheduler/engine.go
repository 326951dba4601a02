package scheduler

import (
	"context"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ExecutionEngine performs a single run of a work item. The scheduler
// dispatches runs fire-and-forget on their own goroutines and consumes only
// the terminal result; implementations must honor ctx, which the scheduler
// cancels to abort the run and expires at the configured run deadline.
//
// A nil or status-less result is tolerated: the scheduler derives the
// terminal status from the context error in that case.
type ExecutionEngine interface {
	Execute(ctx context.Context, item *models.WorkItem, run *models.Run, model string) *models.RunResult
}

// TierResolver maps an abstract complexity tier to a concrete model id.
// Satisfied by the LLM manager; optional, runs carry an empty model id
// without one.
type TierResolver interface {
	ModelForTier(tier string) string
}

// VerificationRunner executes a work item's quality gates after a successful
// run. Satisfied by the gates runner; optional, verification trivially
// passes without one.
type VerificationRunner interface {
	RunVerification(ctx context.Context, item *models.WorkItem, run *models.Run) *models.VerificationReport
}
