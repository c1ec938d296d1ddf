package runner

import (
	"context"
	"errors"
	"os/exec"
	"sync"
)

// Handle is a live reference to a locally spawned process.
type Handle interface {
	// Pid returns the operating system process id.
	Pid() int
	// Poll reports whether the process has exited and, if so, its exit code.
	// It never blocks.
	Poll() (exited bool, exitCode int)
	// Kill terminates the process.
	Kill() error
}

// Spawner starts detached local processes.
type Spawner interface {
	Spawn(ctx context.Context, argv []string) (Handle, error)
}

// ExecSpawner starts processes with os/exec.
type ExecSpawner struct {
	Dir string
	Env []string
}

// NewExecSpawner returns a Spawner backed by os/exec.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{}
}

// Spawn starts argv without waiting for it. The process outlives ctx; ctx
// only bounds the start itself.
func (s *ExecSpawner) Spawn(ctx context.Context, argv []string) (Handle, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.Dir
	if s.Env != nil {
		cmd.Env = s.Env
	}
	if err := cmd.Start(); err != nil {
		return nil, &CommandError{Argv: argv, Output: Output{ExitCode: -1}, Err: err}
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

type execHandle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Poll() (bool, int) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return true, h.exitCode
	default:
		return false, 0
	}
}

func (h *execHandle) Kill() error {
	if exited, _ := h.Poll(); exited {
		return nil
	}
	return h.cmd.Process.Kill()
}
