// Package scheduler drives goals to a terminal state.
//
// A single cooperative tick loop activates queued goals, resolves ready work
// items, reserves lane slots, dispatches runs to the execution engine, and
// applies completions, verification outcomes, retries, and escalations. The
// loop never blocks on I/O it cannot bound: engine runs and quality gate
// passes happen on their own goroutines and re-enter the loop through a
// completion queue that is drained at the start of every tick.
//
// Durable state lives in the repository. The loop keeps only lane counters,
// retry backoff deadlines, and cancel handles for in-flight runs, all of
// which are rebuilt or recovered on restart.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/metrics"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// completionBuffer sizes the completion queue. It only needs to cover runs
// in flight between two tick drains, which lane capacity bounds far below
// this.
const completionBuffer = 256

// Option configures optional scheduler collaborators.
type Option func(*Scheduler)

// WithVerifier wires the quality gate runner used after successful runs.
func WithVerifier(v VerificationRunner) Option {
	return func(s *Scheduler) { s.verifier = v }
}

// WithTierResolver wires the tier-to-model resolver, normally the LLM
// manager.
func WithTierResolver(r TierResolver) Option {
	return func(s *Scheduler) { s.resolver = r }
}

// WithSchedules wires recurring goal schedules; the schedule runner starts
// with the scheduler when the registry is non-empty.
func WithSchedules(reg *config.ScheduleRegistry) Option {
	return func(s *Scheduler) { s.schedules = reg }
}

// runHandle lets the scheduler abort an in-flight run and attribute it to
// its goal and work item.
type runHandle struct {
	goalID     string
	workItemID string
	cancel     context.CancelFunc
}

// Scheduler owns the tick loop and every component manager hanging off it.
type Scheduler struct {
	repo      store.Repository
	publisher *events.Publisher
	engine    ExecutionEngine
	verifier  VerificationRunner
	resolver  TierResolver
	schedules *config.ScheduleRegistry
	cfg       *config.SchedulerConfig
	logger    *slog.Logger

	lanes       *laneSet
	laneSel     *LaneSelector
	modelSel    ModelSelector
	workItems   *WorkItemManager
	budget      *BudgetTracker
	retry       *RetryHandler
	escalations *EscalationHandler

	completions chan completion
	wakeCh      chan struct{}

	// baseCtx parents every run and verification context; Stop cancels it.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	runMu      sync.Mutex
	activeRuns map[string]*runHandle

	// retryAt holds per-item backoff deadlines. Loop goroutine only.
	retryAt map[string]time.Time

	suppressMu sync.Mutex
	suppressed map[string]time.Time

	schedMu       sync.Mutex
	scheduleState map[string]*scheduleState

	ticks      atomic.Int64
	skipped    atomic.Int64
	dispatched atomic.Int64
	completed  atomic.Int64
	running    atomic.Bool

	startMu  sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a scheduler around the repository, event publisher, and
// execution engine. The returned scheduler is idle until Start; with
// autoStart disabled in config, the first submitted goal starts it.
func New(repo store.Repository, publisher *events.Publisher, engine ExecutionEngine, cfg *config.SchedulerConfig, logger *slog.Logger, opts ...Option) *Scheduler {
	if repo == nil {
		panic("scheduler: repository is required")
	}
	if publisher == nil {
		panic("scheduler: event publisher is required")
	}
	if engine == nil {
		panic("scheduler: execution engine is required")
	}
	if cfg == nil {
		cfg = config.DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		repo:          repo,
		publisher:     publisher,
		engine:        engine,
		cfg:           cfg,
		logger:        logger.With("component", "scheduler"),
		lanes:         newLaneSet(cfg.Lanes),
		completions:   make(chan completion, completionBuffer),
		wakeCh:        make(chan struct{}, 1),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		activeRuns:    make(map[string]*runHandle),
		retryAt:       make(map[string]time.Time),
		suppressed:    make(map[string]time.Time),
		scheduleState: make(map[string]*scheduleState),
		stopCh:        make(chan struct{}),
	}
	s.laneSel = &LaneSelector{lanes: s.lanes}
	s.workItems = NewWorkItemManager(repo)
	s.budget = NewBudgetTracker(repo)
	s.budget.SetThresholdFunc(s.onBudgetThreshold)
	s.retry = NewRetryHandler(repo, cfg)
	s.escalations = NewEscalationHandler(repo, publisher, s.logger)
	for _, opt := range opts {
		opt(s)
	}

	// Submitting a goal starts the loop (first submission when autoStart is
	// off) and forces a prompt tick instead of waiting out the interval.
	publisher.Bus().AddSink(s.onBusEvent)
	return s
}

func (s *Scheduler) onBusEvent(e events.Event) {
	if e.Type != events.EventGoalCreated {
		return
	}
	s.Start()
	s.wake()
}

// Start launches the tick loop and, when schedules are configured, the
// schedule runner. Calling Start on a started scheduler is a no-op.
func (s *Scheduler) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.restoreLanes()
	s.running.Store(true)
	s.wg.Add(1)
	go s.loop()
	if s.schedules != nil && s.schedules.Len() > 0 {
		s.wg.Add(1)
		go s.scheduleLoop()
	}
	s.logger.Info("Scheduler started",
		"tick_interval", s.cfg.TickInterval.Duration(),
		"max_concurrent_goals", s.cfg.MaxConcurrentGoals,
		"lanes", s.cfg.Lanes)
}

// restoreLanes rebuilds lane occupancy from runs that were running when the
// process last stopped. Their slots free when the stuck sweep finalizes
// them as orphans.
func (s *Scheduler) restoreLanes() {
	runs, err := s.repo.GetRunningRuns(context.Background())
	if err != nil {
		s.logger.Error("Failed to restore lane occupancy", "error", err)
		return
	}
	for _, run := range runs {
		if run.Lane == "" {
			continue
		}
		if !s.lanes.acquire(run.Lane) {
			s.logger.Warn("Outstanding run exceeds lane capacity", "run_id", run.ID, "lane", run.Lane)
		}
	}
	if len(runs) > 0 {
		s.logger.Info("Restored lane occupancy from outstanding runs", "count", len(runs))
	}
}

// Stop halts the loop after the current tick, aborts in-flight runs and
// verifications, waits for their goroutines, and drains the completion
// queue so terminal statuses reach the repository.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.baseCancel()
	s.wg.Wait()
	s.running.Store(false)
	s.drainCompletions()
	s.logger.Info("Scheduler stopped",
		"ticks", s.ticks.Load(),
		"dispatches", s.dispatched.Load(),
		"completions", s.completed.Load())
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	interval := s.cfg.TickInterval.Duration()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runTick(interval, ticker)
		case <-s.wakeCh:
			s.runTick(interval, ticker)
		}
	}
}

// runTick executes one tick pass and, when the pass overran the interval,
// consumes the tick queued up behind it so overruns skip instead of
// bunching.
func (s *Scheduler) runTick(interval time.Duration, ticker *time.Ticker) {
	seq := s.ticks.Add(1)
	start := time.Now()
	s.tick(s.baseCtx, seq)
	elapsed := time.Since(start)
	metrics.RecordTick(false, elapsed)
	if elapsed > interval {
		select {
		case <-ticker.C:
			s.skipped.Add(1)
			metrics.RecordTick(true, 0)
			s.logger.Warn("Tick overran interval, skipping next", "elapsed", elapsed, "interval", interval)
		default:
		}
	}
}

// wake forces a tick without waiting out the interval. Coalesces; safe from
// any goroutine.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) registerRun(runID, goalID, workItemID string, cancel context.CancelFunc) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.activeRuns[runID] = &runHandle{goalID: goalID, workItemID: workItemID, cancel: cancel}
}

func (s *Scheduler) unregisterRun(runID string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	delete(s.activeRuns, runID)
}

func (s *Scheduler) ownsRun(runID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.activeRuns[runID]
	return ok
}

// abortGoalRuns cancels the contexts of every in-flight run belonging to
// the goal. Lane slots free when the aborted completions drain.
func (s *Scheduler) abortGoalRuns(goalID string) int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	n := 0
	for _, h := range s.activeRuns {
		if h.goalID == goalID {
			h.cancel()
			n++
		}
	}
	return n
}

// abortWorkItemRun cancels the context of the item's in-flight run, if any.
func (s *Scheduler) abortWorkItemRun(workItemID string) int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	n := 0
	for _, h := range s.activeRuns {
		if h.workItemID == workItemID {
			h.cancel()
			n++
		}
	}
	return n
}

// onBudgetThreshold surfaces budget pressure as escalations: warning and
// critical levels raise advisory escalations, exceeded raises a blocking
// one. The dispatch pass blocks the goal itself when it sees the exceeded
// level.
func (s *Scheduler) onBudgetThreshold(goal *models.Goal, level BudgetLevel, axis string) {
	severity := models.SeverityMedium
	if level == BudgetExceeded {
		severity = models.SeverityHigh
	}
	spec := &models.EscalationSpec{
		Kind:        models.EscalationRisk,
		Severity:    severity,
		Title:       fmt.Sprintf("budget %s: %s", level, goal.Title),
		Description: fmt.Sprintf("goal reached the %s threshold on the %s budget axis", level, axis),
		Context:     map[string]any{"reason": "budget_" + level.String(), "axis": axis},
	}
	if err := s.escalations.CreateDeduped(context.Background(), goal.ID, "", "", spec); err != nil {
		s.logger.Error("Failed to create budget escalation", "goal_id", goal.ID, "error", err)
	}
}

// Stats is a point-in-time snapshot of scheduler counters, served through
// system.stats and health reporting.
type Stats struct {
	Running      bool          `json:"running"`
	Ticks        int64         `json:"ticks"`
	SkippedTicks int64         `json:"skippedTicks"`
	Dispatches   int64         `json:"dispatches"`
	Completions  int64         `json:"completions"`
	ActiveRuns   int           `json:"activeRuns"`
	Lanes        []models.Lane `json:"lanes"`
}

// Stats returns current counters and lane occupancy.
func (s *Scheduler) Stats() Stats {
	s.runMu.Lock()
	active := len(s.activeRuns)
	s.runMu.Unlock()
	return Stats{
		Running:      s.running.Load(),
		Ticks:        s.ticks.Load(),
		SkippedTicks: s.skipped.Load(),
		Dispatches:   s.dispatched.Load(),
		Completions:  s.completed.Load(),
		ActiveRuns:   active,
		Lanes:        s.lanes.snapshot(),
	}
}

// Lanes returns the current lane occupancy snapshot.
func (s *Scheduler) Lanes() []models.Lane {
	return s.lanes.snapshot()
}

// Running reports whether the tick loop is live.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}
