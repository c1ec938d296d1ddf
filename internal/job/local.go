package job

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobtrack/internal/clock"
	"github.com/ChuLiYu/jobtrack/internal/metrics"
	"github.com/ChuLiYu/jobtrack/internal/runner"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// LocalProcessJob runs the work as a local process, for hosts without a
// batch scheduler. It has no array concept.
type LocalProcessJob struct {
	spawner runner.Spawner
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	id       types.JobID
	handle   runner.Handle
	status   types.Status
	exitCode int
}

var _ Job = (*LocalProcessJob)(nil)

// LocalOption configures a LocalProcessJob.
type LocalOption func(*LocalProcessJob)

// WithLocalClock sets the clock used between polls.
func WithLocalClock(c clock.Clock) LocalOption {
	return func(j *LocalProcessJob) { j.clock = c }
}

// WithLocalLogger sets the logger.
func WithLocalLogger(l *zap.Logger) LocalOption {
	return func(j *LocalProcessJob) { j.logger = l }
}

// WithLocalMetrics sets the metrics collector.
func WithLocalMetrics(m *metrics.Collector) LocalOption {
	return func(j *LocalProcessJob) { j.metrics = m }
}

// NewLocalProcessJob creates a local job in state NEW.
func NewLocalProcessJob(spawner runner.Spawner, opts ...LocalOption) *LocalProcessJob {
	j := &LocalProcessJob{
		spawner: spawner,
		clock:   clock.Real{},
		logger:  zap.NewNop(),
		status:  types.StatusNew,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Submit spawns command and returns without waiting for it.
func (j *LocalProcessJob) Submit(ctx context.Context, command string) error {
	if j.handle != nil {
		return ErrAlreadySubmitted
	}
	argv := runner.Split(command)
	h, err := j.spawner.Spawn(ctx, argv)
	if err != nil {
		subErr := &SubmissionError{Command: command, Err: err}
		j.metrics.RecordSubmission(subErr)
		return subErr
	}

	j.handle = h
	j.id = types.JobID(uuid.NewString())
	j.status = types.StatusRunning
	j.metrics.RecordSubmission(nil)
	j.logger.Info("Local process started",
		zap.String("job_id", string(j.id)),
		zap.String("command", command),
		zap.Int("pid", h.Pid()))
	return nil
}

// Completed polls the process without blocking. It reports true once the
// process has exited with status 0, and false without error before Submit.
func (j *LocalProcessJob) Completed(ctx context.Context) (bool, error) {
	if j.handle == nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	j.poll()
	return j.status == types.StatusCompleted, nil
}

// Wait sleeps interval and polls until the process exits.
func (j *LocalProcessJob) Wait(ctx context.Context, interval time.Duration) error {
	if j.handle == nil {
		return ErrNotSubmitted
	}
	start := j.clock.Now()
	defer func() { j.metrics.ObserveWait(j.clock.Now().Sub(start).Seconds()) }()

	for {
		if err := j.clock.Sleep(ctx, interval); err != nil {
			return err
		}
		if j.poll() {
			j.metrics.RecordTerminal(j.status)
			j.logger.Info("Local process exited",
				zap.String("job_id", string(j.id)),
				zap.Int("exit_code", j.exitCode))
			return nil
		}
	}
}

// Kill terminates the process. It is a no-op once the process has exited.
func (j *LocalProcessJob) Kill() error {
	if j.handle == nil {
		return ErrNotSubmitted
	}
	return j.handle.Kill()
}

// ID implements Job. It is a random UUID assigned by Submit.
func (j *LocalProcessJob) ID() types.JobID {
	return j.id
}

// CachedStatus implements Job.
func (j *LocalProcessJob) CachedStatus() types.Status {
	return j.status
}

// ExitCode returns the exit code observed by the last poll.
func (j *LocalProcessJob) ExitCode() int {
	return j.exitCode
}

// Failed reports whether the process exited non-zero. It does not poll.
func (j *LocalProcessJob) Failed() bool {
	return j.status == types.StatusFailed
}

// Running reports whether the process was running at the last poll.
func (j *LocalProcessJob) Running() bool {
	return j.status == types.StatusRunning
}

func (j *LocalProcessJob) poll() bool {
	exited, code := j.handle.Poll()
	if !exited {
		return false
	}
	j.exitCode = code
	if code == 0 {
		j.status = types.StatusCompleted
	} else {
		j.status = types.StatusFailed
	}
	return true
}
