// ============================================================================
// jobtrack Command Runner
// ============================================================================
//
// Package: internal/runner
// File: runner.go
// Purpose: Executes external command lines and captures their stdout.
//
// Scheduler tools (sbatch, sacct, squeue) are only ever reached through the
// Runner interface so tests can substitute canned output for a real cluster.
//
// ============================================================================

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrEmptyCommand is returned when a command line has no program name.
var ErrEmptyCommand = errors.New("runner: empty command")

// Output is the captured result of one command execution.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes an external command and captures its output.
type Runner interface {
	// Run executes argv[0] with the remaining arguments and blocks until it
	// exits. A non-zero exit status is reported as a *CommandError; the
	// captured output is returned alongside it.
	Run(ctx context.Context, argv []string) (Output, error)
}

// CommandError describes a command that could not be run or exited non-zero.
type CommandError struct {
	Argv   []string
	Output Output
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", strings.Join(e.Argv, " "))
	if e.Output.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.Output.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Output.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Split interprets a command line as whitespace-delimited argv.
func Split(command string) []string {
	return strings.Fields(command)
}

// ExecRunner runs commands as local processes.
type ExecRunner struct {
	// Dir is the working directory for commands; empty means the caller's.
	Dir string
	// Env, when non-nil, replaces the process environment.
	Env []string
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, argv []string) (Output, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Output{}, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if r.Env != nil {
		cmd.Env = r.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
		return out, &CommandError{Argv: argv, Output: out, Err: err}
	}
	return out, nil
}
