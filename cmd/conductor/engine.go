package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/gates"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// agentEngine bridges run dispatch to the configured external agent
// command. The command receives run identity and the selected model in
// CONDUCTOR_* environment variables; it may report accounting by printing a
// JSON run result object as its last stdout line, otherwise the exit code
// decides the outcome.
type agentEngine struct {
	command string
	workDir string
	logger  *slog.Logger
}

func newAgentEngine(cfg *config.EngineConfig, logger *slog.Logger) *agentEngine {
	return &agentEngine{
		command: cfg.Command,
		workDir: cfg.WorkDir,
		logger:  logger.With("component", "engine"),
	}
}

// Execute runs the agent command once for the given run. Returns nil when
// the run context ended so the scheduler derives aborted/timeout from it.
func (e *agentEngine) Execute(ctx context.Context, item *models.WorkItem, run *models.Run, model string) *models.RunResult {
	if e.command == "" {
		return &models.RunResult{
			Status:         models.RunFailure,
			ErrorMessage:   "no agent command configured (engine.command in conductor.yaml)",
			ErrorSignature: "engine_not_configured",
		}
	}

	args := gates.SplitCommand(e.command)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = e.workDir
	cmd.Env = append(os.Environ(),
		"CONDUCTOR_GOAL_ID="+item.GoalID,
		"CONDUCTOR_WORK_ITEM_ID="+item.ID,
		"CONDUCTOR_WORK_ITEM_TITLE="+item.Title,
		"CONDUCTOR_WORK_ITEM_TYPE="+string(item.Type),
		"CONDUCTOR_WORK_ITEM_DESCRIPTION="+item.Description,
		"CONDUCTOR_RUN_ID="+run.ID,
		fmt.Sprintf("CONDUCTOR_RUN_SEQUENCE=%d", run.RunSequence),
		"CONDUCTOR_MODEL="+model,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Seconds()

	if ctx.Err() != nil {
		return nil
	}

	if result := parseResultLine(stdout.String()); result != nil {
		if result.TimeSeconds == 0 {
			result.TimeSeconds = elapsed
		}
		if result.Status == "" {
			result.Status = statusFromExit(runErr)
		}
		return result
	}

	result := &models.RunResult{
		Status:      statusFromExit(runErr),
		TimeSeconds: elapsed,
	}
	if result.Status != models.RunSuccess {
		result.ErrorMessage = tail(stderr.String(), 500)
		result.ErrorSignature = exitSignature(runErr)
		e.logger.Warn("agent command failed",
			"run_id", run.ID, "work_item_id", item.ID, "signature", result.ErrorSignature)
	}
	return result
}

// parseResultLine decodes the last non-empty stdout line as a run result.
// Agent commands that do not speak the protocol simply never match.
func parseResultLine(out string) *models.RunResult {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return nil
	}
	var result models.RunResult
	if err := json.Unmarshal([]byte(last), &result); err != nil {
		return nil
	}
	return &result
}

func statusFromExit(runErr error) models.RunStatus {
	if runErr == nil {
		return models.RunSuccess
	}
	return models.RunFailure
}

// exitSignature keys retry dedup on the failure mode: identical exit codes
// count as the same error.
func exitSignature(runErr error) string {
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return fmt.Sprintf("exit_%d", exitErr.ExitCode())
	}
	return "spawn_failed"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
