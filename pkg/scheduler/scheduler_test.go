package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubEngine returns canned results in call order, repeating the last one.
// With block set it parks until the channel closes or the run context ends,
// returning nil so the scheduler derives the status from the context.
type stubEngine struct {
	mu      sync.Mutex
	results []*models.RunResult
	block   chan struct{}
	calls   int
}

func (e *stubEngine) Execute(ctx context.Context, _ *models.WorkItem, _ *models.Run, _ string) *models.RunResult {
	e.mu.Lock()
	idx := e.calls
	e.calls++
	var result *models.RunResult
	if len(e.results) > 0 {
		if idx >= len(e.results) {
			idx = len(e.results) - 1
		}
		result = e.results[idx]
	}
	block := e.block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-block:
		}
	}
	return result
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type stubResolver struct{ byTier map[string]string }

func (r stubResolver) ModelForTier(tier string) string { return r.byTier[tier] }

// stubVerifier returns canned reports in call order, repeating the last one.
type stubVerifier struct {
	mu      sync.Mutex
	reports []*models.VerificationReport
	calls   int
}

func (v *stubVerifier) RunVerification(_ context.Context, item *models.WorkItem, run *models.Run) *models.VerificationReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.calls
	v.calls++
	if idx >= len(v.reports) {
		idx = len(v.reports) - 1
	}
	report := *v.reports[idx]
	report.WorkItemID = item.ID
	report.RunID = run.ID
	return &report
}

type testHarness struct {
	t      *testing.T
	repo   *store.Memory
	bus    *events.Bus
	pub    *events.Publisher
	engine *stubEngine
	sched  *Scheduler

	mu    sync.Mutex
	types []string
}

func fastConfig() *config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.TickInterval = config.Duration(10 * time.Millisecond)
	cfg.RetryBaseDelay = config.Duration(time.Millisecond)
	cfg.RetryMaxDelay = config.Duration(2 * time.Millisecond)
	return cfg
}

func newTestHarness(t *testing.T, engine *stubEngine, cfg *config.SchedulerConfig, opts ...Option) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig()
	}
	h := &testHarness{
		t:      t,
		repo:   store.NewMemory(),
		bus:    events.NewBus(256),
		engine: engine,
	}
	h.pub = events.NewPublisher(h.bus)
	h.bus.AddSink(func(e events.Event) {
		h.mu.Lock()
		h.types = append(h.types, e.Type)
		h.mu.Unlock()
	})
	h.sched = New(h.repo, h.pub, engine, cfg, testLogger(), opts...)
	h.bus.Start()
	t.Cleanup(func() {
		h.sched.Stop()
		h.bus.Stop()
	})
	return h
}

// submitGoal persists the goal and announces it the way the goal service
// does, which starts the scheduler on first submission.
func (h *testHarness) submitGoal(goal *models.Goal) *models.Goal {
	h.t.Helper()
	require.NoError(h.t, h.repo.CreateGoal(context.Background(), goal))
	h.pub.GoalCreated(goal)
	return goal
}

func (h *testHarness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.types...)
}

// requireSubsequence asserts that want appears in got in order, allowing
// other events in between.
func requireSubsequence(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i, "expected %v in order within %v", want, got)
}

func TestScheduler_GoalLifecycle(t *testing.T) {
	engine := &stubEngine{results: []*models.RunResult{
		{Status: models.RunSuccess, TokensUsed: 100, TimeSeconds: 12, CostUsd: 0.05},
	}}
	resolver := stubResolver{byTier: map[string]string{
		string(models.TierMedium): "alpha-medium",
	}}
	h := newTestHarness(t, engine, nil, WithTierResolver(resolver))
	ctx := context.Background()

	assert.False(t, h.sched.Running(), "scheduler should wait for the first goal")

	goal := h.submitGoal(&models.Goal{
		Title:       "ship the widget",
		Description: "make the widget shippable",
		Priority:    3,
		SuccessCriteria: []models.SuccessCriterion{
			{Description: "widget ships", Kind: models.CriterionDeterministic, Required: true},
		},
	})

	require.Eventually(t, func() bool { return h.sched.Running() },
		time.Second, 5*time.Millisecond, "first goal should start the scheduler")

	require.Eventually(t, func() bool {
		g, err := h.repo.GetGoal(ctx, goal.ID)
		return err == nil && g.Status == models.GoalCompleted
	}, 3*time.Second, 10*time.Millisecond, "goal should complete")

	g, err := h.repo.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), g.Spent.Tokens)
	assert.InDelta(t, 0.05, g.Spent.CostUsd, 1e-9)
	assert.InDelta(t, 0.2, g.Spent.TimeMinutes, 1e-9)

	items, err := h.repo.GetWorkItemsByGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, items, 1, "a default work item should be seeded")
	item := items[0]
	assert.Equal(t, "ship the widget", item.Title)
	assert.Equal(t, goal.Priority, item.Priority)
	assert.Equal(t, models.WorkItemDone, item.Status)
	assert.Equal(t, models.VerificationPassed, item.VerificationStatus)
	require.NotNil(t, item.Verification)
	assert.Equal(t, []string{"widget ships"}, item.Verification.AcceptanceCriteria)

	runs, err := h.repo.GetRunsByWorkItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, models.LaneMain, run.Lane)
	assert.Equal(t, "alpha-medium", run.Model)
	assert.Equal(t, 1, run.RunSequence)
	assert.Equal(t, int64(100), run.TokensUsed)
	require.NotNil(t, run.CompletedAt)

	requireSubsequence(t, h.eventTypes(),
		events.EventGoalCreated,
		events.EventWorkItemCreated,
		events.EventRunStarted,
		events.EventRunCompleted,
		events.EventWorkItemCompleted,
		events.EventGoalCompleted,
	)

	stats := h.sched.Stats()
	assert.True(t, stats.Running)
	assert.GreaterOrEqual(t, stats.Dispatches, int64(1))
	assert.GreaterOrEqual(t, stats.Completions, int64(2), "run and verification completions")
	assert.Zero(t, stats.ActiveRuns)
	assert.NotEmpty(t, stats.Lanes)

	// Start is idempotent.
	h.sched.Start()
	assert.True(t, h.sched.Running())
}

func TestScheduler_RetriesThenEscalates(t *testing.T) {
	engine := &stubEngine{results: []*models.RunResult{
		{Status: models.RunFailure, ErrorMessage: "connection refused", ErrorSignature: "conn_refused"},
	}}
	cfg := fastConfig()
	cfg.DefaultMaxRetries = 2
	cfg.MaxSameErrorRetries = 2
	h := newTestHarness(t, engine, cfg)
	ctx := context.Background()

	goal := h.submitGoal(&models.Goal{Title: "doomed goal"})

	require.Eventually(t, func() bool {
		g, err := h.repo.GetGoal(ctx, goal.ID)
		return err == nil && g.Status == models.GoalBlocked
	}, 3*time.Second, 10*time.Millisecond, "goal should block after repeated failures")

	items, err := h.repo.GetWorkItemsByGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, models.WorkItemFailed, item.Status)
	assert.Equal(t, 2, item.RetryCount, "two retries before escalating")

	runs, err := h.repo.GetRunsByWorkItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3, "initial attempt plus two retries")
	for _, r := range runs {
		assert.Equal(t, models.RunFailure, r.Status)
		assert.Equal(t, "conn_refused", r.ErrorSignature)
	}

	escs, err := h.repo.ListEscalations(ctx, goal.ID, "")
	require.NoError(t, err)
	require.Len(t, escs, 1)
	esc := escs[0]
	assert.Equal(t, models.EscalationStuck, esc.Kind)
	assert.Equal(t, models.SeverityHigh, esc.Severity)
	assert.Equal(t, models.EscalationOpen, esc.Status)
	assert.Equal(t, item.ID, esc.WorkItemID)
	assert.Equal(t, "conn_refused", esc.Context["errorSignature"])
	assert.Equal(t, reasonRepeatedError, esc.Context["reason"])

	g, err := h.repo.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, g.BlockedReason)

	requireSubsequence(t, h.eventTypes(),
		events.EventRunStarted,
		events.EventEscalationCreated,
		events.EventWorkItemFailed,
		events.EventGoalBlocked,
	)
}

func TestScheduler_LaneSaturationFallsBackToMain(t *testing.T) {
	engine := &stubEngine{
		results: []*models.RunResult{{Status: models.RunSuccess}},
		block:   make(chan struct{}),
	}
	cfg := fastConfig()
	cfg.Lanes = map[string]int{"main": 1, "subagent": 1, "cron": 1, "session": 1}
	h := newTestHarness(t, engine, cfg)
	ctx := context.Background()

	goal := &models.Goal{Title: "parallel work", Priority: 1}
	require.NoError(t, h.repo.CreateGoal(ctx, goal))
	for i, title := range []string{"first", "second", "third"} {
		item := &models.WorkItem{
			GoalID:          goal.ID,
			Title:           title,
			Type:            models.WorkItemCode,
			Priority:        i + 1,
			EstimatedEffort: models.EffortS,
		}
		require.NoError(t, h.repo.CreateWorkItem(ctx, item))
	}
	h.pub.GoalCreated(goal)

	require.Eventually(t, func() bool {
		runs, err := h.repo.GetRunningRuns(ctx)
		return err == nil && len(runs) == 2
	}, 2*time.Second, 10*time.Millisecond, "two items should dispatch")

	// Let a few ticks pass: the third item must stay parked, not overflow a
	// lane.
	time.Sleep(50 * time.Millisecond)
	runs, err := h.repo.GetRunningRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byLane := map[models.LaneID]int{}
	for _, r := range runs {
		byLane[r.Lane]++
	}
	assert.Equal(t, 1, byLane[models.LaneSubagent], "first small item takes the subagent lane")
	assert.Equal(t, 1, byLane[models.LaneMain], "second falls back to main when subagent is full")

	close(engine.block)

	require.Eventually(t, func() bool {
		g, err := h.repo.GetGoal(ctx, goal.ID)
		return err == nil && g.Status == models.GoalCompleted
	}, 3*time.Second, 10*time.Millisecond, "all items should complete once slots free")

	assert.Zero(t, h.sched.Stats().ActiveRuns)
	assert.Equal(t, 3, engine.callCount())
}

func TestScheduler_CancelGoalCascades(t *testing.T) {
	engine := &stubEngine{block: make(chan struct{})}
	h := newTestHarness(t, engine, nil)
	ctx := context.Background()

	goal := h.submitGoal(&models.Goal{Title: "long running"})

	require.Eventually(t, func() bool {
		runs, err := h.repo.GetRunningRuns(ctx)
		return err == nil && len(runs) == 1
	}, 2*time.Second, 10*time.Millisecond, "run should be in flight")

	cancelled, err := h.sched.CancelGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalCancelled, cancelled.Status)

	require.Eventually(t, func() bool {
		runs, err := h.repo.GetRunningRuns(ctx)
		return err == nil && len(runs) == 0
	}, 2*time.Second, 10*time.Millisecond, "in-flight run should abort")

	items, err := h.repo.GetWorkItemsByGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.WorkItemCancelled, items[0].Status)

	runs, err := h.repo.GetRunsByWorkItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunAborted, runs[0].Status)

	require.Eventually(t, func() bool {
		return h.sched.Stats().ActiveRuns == 0
	}, 2*time.Second, 10*time.Millisecond, "lane slots should free")

	// Cancelling again conflicts with the terminal state.
	_, err = h.sched.CancelGoal(ctx, goal.ID)
	require.ErrorIs(t, err, store.ErrConflict)

	requireSubsequence(t, h.eventTypes(),
		events.EventGoalCreated,
		events.EventRunStarted,
		events.EventGoalCancelled,
	)
}

func TestScheduler_CancelWorkItemPrunesScope(t *testing.T) {
	engine := &stubEngine{
		results: []*models.RunResult{{Status: models.RunSuccess}},
		block:   make(chan struct{}),
	}
	h := newTestHarness(t, engine, nil)
	ctx := context.Background()

	goal := &models.Goal{Title: "partial cancel"}
	require.NoError(t, h.repo.CreateGoal(ctx, goal))
	build := &models.WorkItem{GoalID: goal.ID, Title: "build", Priority: 1, EstimatedEffort: models.EffortS}
	require.NoError(t, h.repo.CreateWorkItem(ctx, build))
	review := &models.WorkItem{GoalID: goal.ID, Title: "review", Priority: 2, Dependencies: []string{build.ID}}
	require.NoError(t, h.repo.CreateWorkItem(ctx, review))
	docs := &models.WorkItem{GoalID: goal.ID, Title: "docs", Priority: 3, EstimatedEffort: models.EffortS}
	require.NoError(t, h.repo.CreateWorkItem(ctx, docs))
	h.pub.GoalCreated(goal)

	require.Eventually(t, func() bool {
		runs, err := h.repo.GetRunningRuns(ctx)
		return err == nil && len(runs) == 2
	}, 2*time.Second, 10*time.Millisecond, "both independent items should dispatch")

	cancelled, err := h.sched.CancelWorkItem(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemCancelled, cancelled.Status)

	// The dependent can never become ready once its dependency is cancelled,
	// so it is cancelled with it.
	dep, err := h.repo.GetWorkItem(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemCancelled, dep.Status)

	require.Eventually(t, func() bool {
		runs, err := h.repo.GetRunsByWorkItem(ctx, build.ID)
		return err == nil && len(runs) == 1 && runs[0].Status == models.RunAborted
	}, 2*time.Second, 10*time.Millisecond, "in-flight run should abort")

	// The rest of the goal keeps going, and the cancelled items do not hold
	// it open.
	close(engine.block)
	require.Eventually(t, func() bool {
		g, err := h.repo.GetGoal(ctx, goal.ID)
		return err == nil && g.Status == models.GoalCompleted
	}, 3*time.Second, 10*time.Millisecond, "goal should complete without the cancelled items")

	d, err := h.repo.GetWorkItem(ctx, docs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemDone, d.Status)

	runs, err := h.repo.GetRunsByWorkItem(ctx, review.ID)
	require.NoError(t, err)
	assert.Empty(t, runs, "the cancelled dependent never dispatches")

	_, err = h.sched.CancelWorkItem(ctx, build.ID)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestScheduler_VerificationFailureRetries(t *testing.T) {
	engine := &stubEngine{results: []*models.RunResult{
		{Status: models.RunSuccess, TokensUsed: 10},
	}}
	verifier := &stubVerifier{reports: []*models.VerificationReport{
		{
			RequiredPassed: false,
			Summary:        "1/2 gates passed",
			Results: []models.GateResult{
				{Name: "unit-tests", Type: models.GateDeterministic, Required: true, Passed: false},
			},
		},
		{AllPassed: true, RequiredPassed: true},
	}}
	h := newTestHarness(t, engine, nil, WithVerifier(verifier))
	ctx := context.Background()

	goal := h.submitGoal(&models.Goal{Title: "gated goal"})

	require.Eventually(t, func() bool {
		g, err := h.repo.GetGoal(ctx, goal.ID)
		return err == nil && g.Status == models.GoalCompleted
	}, 3*time.Second, 10*time.Millisecond, "second attempt should pass verification")

	items, err := h.repo.GetWorkItemsByGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, models.WorkItemDone, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, models.VerificationPassed, item.VerificationStatus)

	runs, err := h.repo.GetRunsByWorkItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunFailure, runs[0].Status)
	assert.Equal(t, "verification:unit-tests", runs[0].ErrorSignature)
	assert.Equal(t, "1/2 gates passed", runs[0].ErrorMessage)
	assert.Equal(t, models.RunSuccess, runs[1].Status)
}

func TestScheduler_BudgetExceededBlocksGoal(t *testing.T) {
	engine := &stubEngine{results: []*models.RunResult{
		{Status: models.RunSuccess, TokensUsed: 150},
	}}
	h := newTestHarness(t, engine, nil)
	ctx := context.Background()

	goal := &models.Goal{
		Title:  "tight budget",
		Budget: &models.Budget{Tokens: 100},
	}
	require.NoError(t, h.repo.CreateGoal(ctx, goal))
	first := &models.WorkItem{GoalID: goal.ID, Title: "first", Priority: 1, EstimatedEffort: models.EffortM}
	second := &models.WorkItem{GoalID: goal.ID, Title: "second", Priority: 2, EstimatedEffort: models.EffortM}
	require.NoError(t, h.repo.CreateWorkItem(ctx, first))
	require.NoError(t, h.repo.CreateWorkItem(ctx, second))
	h.pub.GoalCreated(goal)

	require.Eventually(t, func() bool {
		g, err := h.repo.GetGoal(ctx, goal.ID)
		return err == nil && g.Status == models.GoalBlocked
	}, 3*time.Second, 10*time.Millisecond, "overspent goal should block")

	g, err := h.repo.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), g.Spent.Tokens)

	runs, err := h.repo.GetRunsByWorkItem(ctx, second.ID)
	require.NoError(t, err)
	assert.Empty(t, runs, "second item must not dispatch past the budget")

	escs, err := h.repo.ListEscalations(ctx, goal.ID, "")
	require.NoError(t, err)
	var budgetEsc *models.Escalation
	for _, e := range escs {
		if e.Kind == models.EscalationRisk {
			budgetEsc = e
		}
	}
	require.NotNil(t, budgetEsc, "budget overrun should raise a risk escalation")
	assert.Equal(t, "tokens", budgetEsc.Context["axis"])
	assert.Equal(t, models.SeverityHigh, budgetEsc.Severity)
}

func TestScheduler_StopAbortsInFlightRuns(t *testing.T) {
	engine := &stubEngine{block: make(chan struct{})}
	h := newTestHarness(t, engine, nil)
	ctx := context.Background()

	goal := h.submitGoal(&models.Goal{Title: "interrupted"})

	require.Eventually(t, func() bool {
		runs, err := h.repo.GetRunningRuns(ctx)
		return err == nil && len(runs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.sched.Stop()
	assert.False(t, h.sched.Running())

	runs, err := h.repo.GetRunningRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs, "stop should finalize in-flight runs")

	items, err := h.repo.GetWorkItemsByGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	runsForItem, err := h.repo.GetRunsByWorkItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Len(t, runsForItem, 1)
	assert.Equal(t, models.RunAborted, runsForItem[0].Status)
}
