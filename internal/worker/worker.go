// ============================================================================
// jobtrack Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs polling tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task's poll loop (with optional timeout control)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Timeout Control:
//   Every task runs under the pool's context. A task with a non-zero Timeout
//   gets its own context.WithTimeout derived from it.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/jobtrack/pkg/types"
)

var errNilTask = errors.New("worker: task has no Run function")

// Worker represents a work execution unit
// Each Worker runs in an independent goroutine, receives tasks from task channel and executes them
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them
// After each task execution, sends the result to result channel
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()

		taskCtx, cancel := ctx, context.CancelFunc(func() {})
		if task.Timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		}

		status, err := w.execute(taskCtx, task)
		cancel() // Release resources

		// resultCh is buffered by the pool to hold every submitted task
		w.resultCh <- Result{
			JobID:    task.ID,
			Status:   status,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

// execute runs the task, refusing to start when the context is already done
func (w *Worker) execute(ctx context.Context, task Task) (types.Status, error) {
	if task.Run == nil {
		return "", errNilTask
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return task.Run(ctx)
}
