// Conductor daemon: runs the goal scheduler, supervises agent runs, and
// serves the WebSocket gateway for operator sessions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/gates"
	"github.com/codeready-toolchain/conductor/pkg/gateway"
	"github.com/codeready-toolchain/conductor/pkg/llm"
	"github.com/codeready-toolchain/conductor/pkg/scheduler"
	"github.com/codeready-toolchain/conductor/pkg/services"
	"github.com/codeready-toolchain/conductor/pkg/store"
	"github.com/codeready-toolchain/conductor/pkg/version"
	"github.com/joho/godotenv"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	logger := slog.Default()

	slog.Info("Starting conductor",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize repository
	repo := store.NewMemory()
	slog.Info("In-memory repository initialized")

	// 3. Start the event bus
	bus := events.NewBus(1024)
	publisher := events.NewPublisher(bus)
	bus.Start()

	// 4. Create LLM manager and watch provider config for hot reload
	manager := llm.NewManager(cfg.LLM, publisher, logger)

	watcher, err := config.NewLLMWatcher(*configDir, manager.Reload)
	if err != nil {
		slog.Error("Failed to create LLM config watcher", "error", err)
		os.Exit(1)
	}
	if err := watcher.Start(); err != nil {
		slog.Error("Failed to start LLM config watcher", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM manager initialized", "endpoints", cfg.Stats().Endpoints, "models", cfg.Stats().Models)

	// 5. Create the quality gate runner
	gateExecutor := gates.NewCommandExecutor(cfg.Engine.WorkDir, logger)
	gateReviewer := gates.NewLLMReviewer(manager, "")
	gateRunner := gates.NewRunner(gateExecutor, gateReviewer, logger)

	// 6. Create the agent engine bridge
	engine := newAgentEngine(cfg.Engine, logger)
	if cfg.Engine.Command == "" {
		slog.Warn("No agent command configured; runs will fail until engine.command is set")
	}

	// 7. Initialize domain services
	goalService := services.NewGoalService(repo, publisher)
	workItemService := services.NewWorkItemService(repo)
	escalationService := services.NewEscalationService(repo, publisher)
	approvalService := services.NewApprovalService(repo, publisher)
	slog.Info("Services initialized")

	// 8. Create the scheduler and back-wire it into the services
	sched := scheduler.New(repo, publisher, engine, cfg.Scheduler, logger,
		scheduler.WithVerifier(gateRunner),
		scheduler.WithTierResolver(manager),
		scheduler.WithSchedules(cfg.Schedules),
	)
	goalService.SetCanceller(sched)
	workItemService.SetCanceller(sched)
	escalationService.SetSuppressor(sched)

	// 9. Create and start the gateway
	gw, err := gateway.New(cfg.Gateway, gateway.Deps{
		Goals:       goalService,
		WorkItems:   workItemService,
		Escalations: escalationService,
		Approvals:   approvalService,
		Publisher:   publisher,
		Bus:         bus,
		Scheduler:   sched,
		LLM:         manager,
	}, logger)
	if err != nil {
		slog.Error("Failed to assemble gateway", "error", err)
		os.Exit(1)
	}
	if err := gw.Start(); err != nil {
		slog.Error("Failed to start gateway", "error", err)
		os.Exit(1)
	}

	// 10. Start the scheduler loop when configured; otherwise the first
	// submitted goal wakes it.
	if cfg.Scheduler.AutoStart {
		sched.Start()
	}

	slog.Info("Conductor started successfully",
		"gateway_addr", gw.Addr(),
		"auto_start", cfg.Scheduler.AutoStart,
		"schedules", cfg.Stats().Schedules)

	// 11. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 12. Graceful shutdown. The scheduler aborts in-flight runs and drains
	// its completion handlers first so final run states land in the store
	// while the gateway can still broadcast them.
	schedulerShutdownCtx, schedulerCancel := context.WithTimeout(ctx, 30*time.Second)
	defer schedulerCancel()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
	case <-schedulerShutdownCtx.Done():
		slog.Warn("Scheduler shutdown timeout exceeded")
	}

	// Stop the gateway with its own timeout budget
	gwShutdownCtx, gwCancel := context.WithTimeout(ctx, 5*time.Second)
	defer gwCancel()
	if err := gw.Shutdown(gwShutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}

	watcher.Stop()
	bus.Stop()

	slog.Info("Shutdown complete")
}
