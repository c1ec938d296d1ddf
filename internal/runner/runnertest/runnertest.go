// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ChuLiYu/jobtrack/internal/runner"
)

// Response is one scripted reply.
type Response struct {
	Stdout string
	Err    error
}

// Runner replies to commands from per-command scripts. Each command line
// (argv joined by single spaces) has a queue of responses; the last response
// of a queue repeats once the queue is drained.
type Runner struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []string
}

// New returns an empty scripted Runner.
func New() *Runner {
	return &Runner{responses: make(map[string][]Response)}
}

// On appends stdout replies for command.
func (r *Runner) On(command string, stdout ...string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stdout {
		r.responses[command] = append(r.responses[command], Response{Stdout: s})
	}
	return r
}

// OnError appends a failing reply for command.
func (r *Runner) OnError(command, stdout string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[command] = append(r.responses[command], Response{Stdout: stdout, Err: err})
	return r
}

// Run implements runner.Runner.
func (r *Runner) Run(ctx context.Context, argv []string) (runner.Output, error) {
	if err := ctx.Err(); err != nil {
		return runner.Output{}, err
	}
	key := strings.Join(argv, " ")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, key)

	queue, ok := r.responses[key]
	if !ok || len(queue) == 0 {
		return runner.Output{}, fmt.Errorf("runnertest: unscripted command %q", key)
	}
	resp := queue[0]
	if len(queue) > 1 {
		r.responses[key] = queue[1:]
	}

	out := runner.Output{Stdout: resp.Stdout}
	if resp.Err != nil {
		out.ExitCode = 1
		return out, &runner.CommandError{Argv: argv, Output: out, Err: resp.Err}
	}
	return out, nil
}

// Calls returns every command line run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many times command was run.
func (r *Runner) Count(command string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == command {
			n++
		}
	}
	return n
}

// Sacct renders accounting output for the given "id name state" rows, with
// the header and separator sacct prints. A row written "id|name|state" keeps
// spaces inside its columns.
func Sacct(rows ...string) string {
	var b strings.Builder
	b.WriteString("       JobID    JobName      State \n")
	b.WriteString("------------ ---------- ---------- \n")
	for _, row := range rows {
		var id, name, state string
		if f := strings.Split(row, "|"); len(f) == 3 {
			id, name, state = f[0], f[1], f[2]
		} else {
			f := strings.Fields(row)
			id, name, state = f[0], f[1], strings.Join(f[2:], " ")
		}
		fmt.Fprintf(&b, "%12s %10s %10s \n", id, name, state)
	}
	return b.String()
}
