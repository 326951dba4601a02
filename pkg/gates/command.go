// Package gates runs work item verification plans: deterministic command
// gates and LLM-review gates, in declared order, with required/optional
// semantics.
package gates

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ExecResult is the outcome of one gate command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Executor runs a deterministic gate command.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
}

// CommandExecutor runs gate commands as child processes without a shell.
type CommandExecutor struct {
	workDir string
	logger  *slog.Logger
}

// NewCommandExecutor creates an executor running commands in workDir
// (empty means the process working directory).
func NewCommandExecutor(workDir string, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{
		workDir: workDir,
		logger:  logger.With("component", "gates"),
	}
}

// Execute runs one command with the given timeout and captures its output.
// A non-zero exit is not an error; the caller compares exit codes.
func (e *CommandExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	args := SplitCommand(command)
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	cmd.Dir = e.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// Command never started (not found, permissions).
		return nil, runErr
	}
	return result, nil
}

// SplitCommand tokenises a command string on whitespace, preserving single-
// and double-quoted tokens. No escape sequences or nesting; complex commands
// should wrap themselves in "sh -c '...'".
func SplitCommand(cmd string) []string {
	var tokens []string
	var current strings.Builder
	inSingle := false
	inDouble := false

	for _, r := range cmd {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == ' ' && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
