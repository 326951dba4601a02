package gates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/metrics"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// skippedAfterRequiredFailure marks gates not executed because an earlier
// required gate failed.
const skippedAfterRequiredFailure = "Skipped due to earlier required failure"

// Default per-gate timeouts.
const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultLLMTimeout     = 120 * time.Second
)

// executionLogLimit caps how much of a run's log travels to the reviewer.
const executionLogLimit = 8 * 1024

// Runner executes verification plans.
type Runner struct {
	executor Executor
	reviewer Reviewer
	logger   *slog.Logger

	commandTimeout            time.Duration
	llmTimeout                time.Duration
	continueOnRequiredFailure bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCommandTimeout overrides the deterministic gate timeout.
func WithCommandTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.commandTimeout = d }
}

// WithLLMTimeout overrides the llm_review gate timeout.
func WithLLMTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.llmTimeout = d }
}

// WithContinueOnRequiredFailure keeps running gates after a required
// failure instead of skipping the remainder.
func WithContinueOnRequiredFailure() RunnerOption {
	return func(r *Runner) { r.continueOnRequiredFailure = true }
}

// NewRunner creates a Runner. The reviewer may be nil when no llm_review
// gates are configured; hitting one then fails that gate.
func NewRunner(executor Executor, reviewer Reviewer, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if executor == nil {
		panic("gates: executor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		executor:       executor,
		reviewer:       reviewer,
		logger:         logger.With("component", "gates"),
		commandTimeout: DefaultCommandTimeout,
		llmTimeout:     DefaultLLMTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunVerification evaluates the work item's plan against the given run.
// Gates run in declared order; after a required failure the remaining gates
// are recorded as skipped. An empty plan passes.
func (r *Runner) RunVerification(ctx context.Context, item *models.WorkItem, run *models.Run) *models.VerificationReport {
	report := &models.VerificationReport{
		WorkItemID:     item.ID,
		RunID:          run.ID,
		AllPassed:      true,
		RequiredPassed: true,
	}
	if item.Verification == nil || len(item.Verification.QualityGates) == 0 {
		report.Summary = "no quality gates configured"
		return report
	}

	logger := r.logger.With("workItemId", item.ID, "runId", run.ID)
	start := time.Now()
	requiredFailed := false

	for _, gate := range item.Verification.QualityGates {
		if requiredFailed && !r.continueOnRequiredFailure {
			report.Results = append(report.Results, models.GateResult{
				Name:     gate.Name,
				Type:     gate.Type,
				Required: gate.Required,
				Passed:   false,
				Error:    skippedAfterRequiredFailure,
			})
			continue
		}

		result := r.runGate(ctx, gate, item, run)
		metrics.RecordGateRun(string(gate.Type), result.Passed)
		logger.Info("quality gate evaluated",
			"gate", gate.Name,
			"type", gate.Type,
			"passed", result.Passed,
			"required", gate.Required)

		if !result.Passed && gate.Required {
			requiredFailed = true
		}
		report.Results = append(report.Results, result)
	}

	for _, result := range report.Results {
		if !result.Passed {
			report.AllPassed = false
			if result.Required {
				report.RequiredPassed = false
			}
		}
	}
	report.TotalDurationMs = time.Since(start).Milliseconds()
	report.Summary = summarize(report.Results)
	return report
}

func (r *Runner) runGate(ctx context.Context, gate models.QualityGate, item *models.WorkItem, run *models.Run) models.GateResult {
	result := models.GateResult{
		Name:     gate.Name,
		Type:     gate.Type,
		Required: gate.Required,
	}
	start := time.Now()

	switch gate.Type {
	case models.GateDeterministic:
		if gate.Command == "" {
			result.Error = "invalid gate: deterministic gate has no command"
			break
		}
		exec, err := r.executor.Execute(ctx, gate.Command, r.commandTimeout)
		if err != nil {
			result.Error = err.Error()
			break
		}
		result.Stdout = exec.Stdout
		result.Stderr = exec.Stderr
		code := exec.ExitCode
		result.ExitCode = &code
		if exec.TimedOut {
			result.Error = "timeout"
			result.DurationMs = r.commandTimeout.Milliseconds()
			return result
		}
		result.Passed = exec.ExitCode == gate.ExpectedExitCode

	case models.GateLLMReview:
		if gate.ReviewPrompt == "" {
			result.Error = "invalid gate: llm_review gate has no review prompt"
			break
		}
		if r.reviewer == nil {
			result.Error = "no reviewer configured"
			break
		}
		reviewCtx, cancel := context.WithTimeout(ctx, r.llmTimeout)
		passed, reasoning, err := r.reviewer.Review(reviewCtx, gate.ReviewPrompt, reviewContext(item, run))
		timedOut := errors.Is(reviewCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if timedOut {
				result.Error = "timeout"
				result.DurationMs = r.llmTimeout.Milliseconds()
				return result
			}
			result.Error = err.Error()
			break
		}
		result.Passed = passed
		result.Reasoning = reasoning

	default:
		result.Error = fmt.Sprintf("invalid gate: unknown type %q", gate.Type)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// reviewContext assembles what the reviewer sees about the work performed.
func reviewContext(item *models.WorkItem, run *models.Run) map[string]any {
	out := map[string]any{
		"workItemId":  item.ID,
		"title":       item.Title,
		"description": item.Description,
		"type":        item.Type,
		"runId":       run.ID,
	}
	if item.Verification != nil && len(item.Verification.AcceptanceCriteria) > 0 {
		out["acceptanceCriteria"] = item.Verification.AcceptanceCriteria
	}
	if run.ErrorMessage != "" {
		out["errorMessage"] = run.ErrorMessage
	}
	if run.ExecutionLog != "" {
		log := run.ExecutionLog
		if len(log) > executionLogLimit {
			log = log[len(log)-executionLogLimit:]
		}
		out["executionLog"] = log
	}
	return out
}

func summarize(results []models.GateResult) string {
	passed := 0
	requiredFailures := 0
	for _, result := range results {
		if result.Passed {
			passed++
		} else if result.Required {
			requiredFailures++
		}
	}
	if passed == len(results) {
		return fmt.Sprintf("all %d gates passed", len(results))
	}
	return fmt.Sprintf("%d/%d gates passed (%d required failures)", passed, len(results), requiredFailures)
}
