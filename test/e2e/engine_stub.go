package e2e

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// EngineCall records one Execute invocation for assertions.
type EngineCall struct {
	GoalID      string
	WorkItemID  string
	Title       string
	RunID       string
	RunSequence int
	Model       string
}

// ScriptedEngine is an execution engine for tests. Results are served in
// call order, repeating the last one; per-title scripts take precedence over
// the global script. With Hold set, runs park until Release is called or the
// run context ends, in which case Execute returns nil and the scheduler
// derives the outcome from the context.
type ScriptedEngine struct {
	mu      sync.Mutex
	results []*models.RunResult
	byTitle map[string][]*models.RunResult
	served  map[string]int
	hold    chan struct{}
	calls   []EngineCall
}

// NewScriptedEngine returns an engine whose runs all succeed with a small
// fixed spend until scripted otherwise.
func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{
		byTitle: make(map[string][]*models.RunResult),
		served:  make(map[string]int),
	}
}

// Script sets the global result sequence.
func (e *ScriptedEngine) Script(results ...*models.RunResult) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = results
	return e
}

// ScriptItem sets a result sequence for work items with the given title.
func (e *ScriptedEngine) ScriptItem(title string, results ...*models.RunResult) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byTitle[title] = results
	return e
}

// Hold makes subsequent runs park until Release.
func (e *ScriptedEngine) Hold() *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hold = make(chan struct{})
	return e
}

// Release unparks all held runs.
func (e *ScriptedEngine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hold != nil {
		close(e.hold)
		e.hold = nil
	}
}

// Execute implements scheduler.ExecutionEngine.
func (e *ScriptedEngine) Execute(ctx context.Context, item *models.WorkItem, run *models.Run, model string) *models.RunResult {
	e.mu.Lock()
	e.calls = append(e.calls, EngineCall{
		GoalID:      item.GoalID,
		WorkItemID:  item.ID,
		Title:       item.Title,
		RunID:       run.ID,
		RunSequence: run.RunSequence,
		Model:       model,
	})
	result := e.nextResultLocked(item.Title)
	hold := e.hold
	e.mu.Unlock()

	if hold != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-hold:
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return result
}

// nextResultLocked picks the next scripted result for the title, falling
// back to the global script, then to a default success.
func (e *ScriptedEngine) nextResultLocked(title string) *models.RunResult {
	if script, ok := e.byTitle[title]; ok && len(script) > 0 {
		idx := e.served[title]
		e.served[title]++
		if idx >= len(script) {
			idx = len(script) - 1
		}
		return script[idx]
	}
	if len(e.results) > 0 {
		idx := e.served[""]
		e.served[""]++
		if idx >= len(e.results) {
			idx = len(e.results) - 1
		}
		return e.results[idx]
	}
	return SuccessResult(100, 0.01)
}

// Calls returns a snapshot of recorded invocations.
func (e *ScriptedEngine) Calls() []EngineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EngineCall(nil), e.calls...)
}

// CallCount returns the number of Execute invocations so far.
func (e *ScriptedEngine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// SuccessResult builds a successful run result with the given spend.
func SuccessResult(tokens int64, costUsd float64) *models.RunResult {
	return &models.RunResult{
		Status:      models.RunSuccess,
		TokensUsed:  tokens,
		TimeSeconds: 0.1,
		CostUsd:     costUsd,
	}
}

// FailureResult builds a failed run result with the given error identity.
func FailureResult(message, signature string) *models.RunResult {
	return &models.RunResult{
		Status:         models.RunFailure,
		TokensUsed:     50,
		TimeSeconds:    0.1,
		CostUsd:        0.005,
		ErrorMessage:   message,
		ErrorSignature: signature,
	}
}
