// Package e2e provides end-to-end test infrastructure for the conductor
// daemon: a full in-process assembly (store, bus, scheduler, gateway) with
// a scripted execution engine, driven through a real WebSocket connection.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/gates"
	"github.com/codeready-toolchain/conductor/pkg/gateway"
	"github.com/codeready-toolchain/conductor/pkg/llm"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/scheduler"
	"github.com/codeready-toolchain/conductor/pkg/services"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// TestApp boots a complete conductor instance for e2e testing.
type TestApp struct {
	// Core
	Repo      *store.Memory
	Bus       *events.Bus
	Publisher *events.Publisher

	// Test wiring
	Engine *ScriptedEngine

	// Real infrastructure
	Scheduler *scheduler.Scheduler
	Gateway   *gateway.Gateway
	LLM       *llm.Manager

	// Services (the same instances the gateway routes to)
	Goals       *services.GoalService
	WorkItems   *services.WorkItemService
	Escalations *services.EscalationService
	Approvals   *services.ApprovalService

	// Runtime
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"
	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	schedCfg *config.SchedulerConfig
	gwCfg    *config.GatewayConfig
	llmCfg   *config.LLMConfig
	engine   *ScriptedEngine
	verifier scheduler.VerificationRunner

	reviewGates bool
	reviewAgent string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithSchedulerConfig sets a custom scheduler config. The default is the
// built-in config tightened to a 10ms tick and millisecond retry backoff.
func WithSchedulerConfig(cfg *config.SchedulerConfig) TestAppOption {
	return func(c *testAppConfig) { c.schedCfg = cfg }
}

// WithLanes overrides lane capacities on the scheduler config.
func WithLanes(lanes map[string]int) TestAppOption {
	return func(c *testAppConfig) {
		if c.schedCfg == nil {
			c.schedCfg = fastSchedulerConfig()
		}
		c.schedCfg.Lanes = lanes
	}
}

// WithEngine sets a pre-scripted execution engine.
func WithEngine(engine *ScriptedEngine) TestAppOption {
	return func(c *testAppConfig) { c.engine = engine }
}

// WithGateRunner wires a quality gate runner as the scheduler's verifier.
// Without one verification trivially passes.
func WithGateRunner(r *gates.Runner) TestAppOption {
	return func(c *testAppConfig) { c.verifier = r }
}

// WithLLMConfig builds a real LLM manager over the given provider config and
// wires it into the scheduler (tier resolution) and gateway (health stats).
func WithLLMConfig(cfg *config.LLMConfig) TestAppOption {
	return func(c *testAppConfig) { c.llmCfg = cfg }
}

// WithReviewGates wires a gate runner whose llm_review gates are judged by
// the app's LLM manager. Requires WithLLMConfig. An empty agentID uses the
// reviewer's default agent.
func WithReviewGates(agentID string) TestAppOption {
	return func(c *testAppConfig) {
		c.reviewGates = true
		c.reviewAgent = agentID
	}
}

// WithGatewayConfig sets a custom gateway config. Host and port are ignored;
// the harness always binds an ephemeral loopback port.
func WithGatewayConfig(cfg *config.GatewayConfig) TestAppOption {
	return func(c *testAppConfig) { c.gwCfg = cfg }
}

// fastSchedulerConfig tightens the default config so scenarios settle in
// milliseconds instead of seconds.
func fastSchedulerConfig() *config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.TickInterval = config.Duration(10 * time.Millisecond)
	cfg.RetryBaseDelay = config.Duration(time.Millisecond)
	cfg.RetryMaxDelay = config.Duration(2 * time.Millisecond)
	return cfg
}

// NewTestApp creates and starts a full conductor test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.schedCfg == nil {
		tc.schedCfg = fastSchedulerConfig()
	}
	if tc.gwCfg == nil {
		tc.gwCfg = config.DefaultGatewayConfig()
	}
	if tc.engine == nil {
		tc.engine = NewScriptedEngine()
	}

	// 1. Store and event bus.
	repo := store.NewMemory()
	bus := events.NewBus(256)
	publisher := events.NewPublisher(bus)
	bus.Start()

	// 2. Optional LLM manager.
	var manager *llm.Manager
	if tc.llmCfg != nil {
		manager = llm.NewManager(tc.llmCfg, publisher, nil)
	}
	if tc.reviewGates {
		require.NotNil(t, manager, "WithReviewGates requires WithLLMConfig")
		tc.verifier = gates.NewRunner(
			gates.NewCommandExecutor("", nil),
			gates.NewLLMReviewer(manager, tc.reviewAgent),
			nil,
		)
	}

	// 3. Domain services.
	goalService := services.NewGoalService(repo, publisher)
	workItemService := services.NewWorkItemService(repo)
	escalationService := services.NewEscalationService(repo, publisher)
	approvalService := services.NewApprovalService(repo, publisher)

	// 4. Scheduler.
	schedOpts := []scheduler.Option{}
	if tc.verifier != nil {
		schedOpts = append(schedOpts, scheduler.WithVerifier(tc.verifier))
	}
	if manager != nil {
		schedOpts = append(schedOpts, scheduler.WithTierResolver(manager))
	}
	sched := scheduler.New(repo, publisher, tc.engine, tc.schedCfg, nil, schedOpts...)
	goalService.SetCanceller(sched)
	workItemService.SetCanceller(sched)
	escalationService.SetSuppressor(sched)

	// 5. Gateway on an ephemeral loopback port.
	deps := gateway.Deps{
		Goals:       goalService,
		WorkItems:   workItemService,
		Escalations: escalationService,
		Approvals:   approvalService,
		Publisher:   publisher,
		Bus:         bus,
		Scheduler:   sched,
	}
	if manager != nil {
		deps.LLM = manager
	}
	gw, err := gateway.New(tc.gwCfg, deps, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gw.StartWithListener(ln)

	addr := ln.Addr().String()
	app := &TestApp{
		Repo:        repo,
		Bus:         bus,
		Publisher:   publisher,
		Engine:      tc.engine,
		Scheduler:   sched,
		Gateway:     gw,
		LLM:         manager,
		Goals:       goalService,
		WorkItems:   workItemService,
		Escalations: escalationService,
		Approvals:   approvalService,
		WSURL:       fmt.Sprintf("ws://%s/ws", addr),
		BaseURL:     fmt.Sprintf("http://%s", addr),
		t:           t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
		bus.Stop()
	})

	return app
}

// Connect dials the gateway and returns a collecting client. Loopback
// connections are authenticated automatically.
func (a *TestApp) Connect(t *testing.T) *WSClient {
	t.Helper()
	ws, err := WSConnect(context.Background(), a.WSURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// SeedWorkItem persists a work item for a goal directly, bypassing the
// scheduler's default single-item seeding. Fills id-independent defaults.
func (a *TestApp) SeedWorkItem(t *testing.T, item *models.WorkItem) *models.WorkItem {
	t.Helper()
	if item.Type == "" {
		item.Type = models.WorkItemCode
	}
	if item.Status == "" {
		item.Status = models.WorkItemQueued
	}
	require.NoError(t, a.Repo.CreateWorkItem(context.Background(), item))
	return item
}

// SubmitDecomposedGoal persists a goal with a prepared decomposition, then
// announces it the way the goal service does. The pre-seeded items keep the
// scheduler from synthesizing a default one.
func (a *TestApp) SubmitDecomposedGoal(t *testing.T, goal *models.Goal, items ...*models.WorkItem) *models.Goal {
	t.Helper()
	require.NoError(t, a.Repo.CreateGoal(context.Background(), goal))
	for _, item := range items {
		item.GoalID = goal.ID
		a.SeedWorkItem(t, item)
	}
	a.Publisher.GoalCreated(goal)
	return goal
}

// WaitForGoalStatus polls the store until the goal reaches the wanted status.
func (a *TestApp) WaitForGoalStatus(t *testing.T, goalID string, status models.GoalStatus) *models.Goal {
	t.Helper()
	var goal *models.Goal
	require.Eventually(t, func() bool {
		g, err := a.Repo.GetGoal(context.Background(), goalID)
		if err != nil {
			return false
		}
		goal = g
		return g.Status == status
	}, 5*time.Second, 10*time.Millisecond, "goal %s never reached %s", goalID, status)
	return goal
}

// WaitForWorkItemStatus polls the store until the item reaches the wanted
// status.
func (a *TestApp) WaitForWorkItemStatus(t *testing.T, itemID string, status models.WorkItemStatus) *models.WorkItem {
	t.Helper()
	var item *models.WorkItem
	require.Eventually(t, func() bool {
		wi, err := a.Repo.GetWorkItem(context.Background(), itemID)
		if err != nil {
			return false
		}
		item = wi
		return wi.Status == status
	}, 5*time.Second, 10*time.Millisecond, "work item %s never reached %s", itemID, status)
	return item
}

// WaitForOpenEscalation polls until the goal has an open escalation.
func (a *TestApp) WaitForOpenEscalation(t *testing.T, goalID string) *models.Escalation {
	t.Helper()
	var esc *models.Escalation
	require.Eventually(t, func() bool {
		list, err := a.Repo.ListEscalations(context.Background(), goalID, models.EscalationOpen)
		if err != nil || len(list) == 0 {
			return false
		}
		esc = list[0]
		return true
	}, 5*time.Second, 10*time.Millisecond, "no open escalation for goal %s", goalID)
	return esc
}

// GoalWorkItems returns the goal's work items from the store.
func (a *TestApp) GoalWorkItems(t *testing.T, goalID string) []*models.WorkItem {
	t.Helper()
	items, err := a.Repo.GetWorkItemsByGoal(context.Background(), goalID)
	require.NoError(t, err)
	return items
}

// ItemRuns returns the work item's runs in sequence order.
func (a *TestApp) ItemRuns(t *testing.T, itemID string) []*models.Run {
	t.Helper()
	runs, err := a.Repo.GetRunsByWorkItem(context.Background(), itemID)
	require.NoError(t, err)
	return runs
}
