// ============================================================================
// jobtrack SchedulerJob - single job lifecycle
// ============================================================================
//
// Package: internal/job
// File: scheduler.go
//
// State machine:
//   NEW ── Submit/Attach ──> SUBMITTED ── poll ──> PENDING ⇄ RUNNING ──> TERMINAL
//
//   TERMINAL is COMPLETED or any failure variant (FAILED, CANCELLED,
//   DEADLINE, OUT_OF_MEMORY, PREEMPTED, TIMEOUT, ...), including their
//   "+"-qualified forms.
//
// Submission:
//   The submit tool's stdout must end with the new identifier
//   ("Submitted batch job 4242"). Anything else is a SubmissionError that
//   carries the full output.
//
// Polling:
//   Completed/Status run one accounting query (with the reporter's bounded
//   retry for "not visible yet") and update the cached status. Wait loops
//   sleep → refresh until a terminal status. No timeout is imposed; pass a
//   context with a deadline to bound it.
//
// ============================================================================

package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobtrack/internal/accounting"
	"github.com/ChuLiYu/jobtrack/internal/clock"
	"github.com/ChuLiYu/jobtrack/internal/metrics"
	"github.com/ChuLiYu/jobtrack/internal/runner"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// DefaultSettleDelay is how long WaitAll waits after submission before the
// first accounting query.
const DefaultSettleDelay = 5 * time.Second

// SchedulerJob tracks one submission to an external batch scheduler.
type SchedulerJob struct {
	runner         runner.Runner
	reporter       *accounting.Reporter
	reporterOpts   []accounting.Option
	clock          clock.Clock
	logger         *zap.Logger
	metrics        *metrics.Collector
	settleDelay    time.Duration
	maxConcurrency int

	id       types.JobID
	status   types.Status
	snapshot accounting.Snapshot
	members  []types.JobID
}

var _ Job = (*SchedulerJob)(nil)

// Option configures a SchedulerJob.
type Option func(*SchedulerJob)

// WithReporter sets the accounting reporter. Sharing one reporter between
// jobs shares its rate limit.
func WithReporter(r *accounting.Reporter) Option {
	return func(j *SchedulerJob) { j.reporter = r }
}

// WithReporterOptions configures the reporter built when WithReporter is
// not given.
func WithReporterOptions(opts ...accounting.Option) Option {
	return func(j *SchedulerJob) { j.reporterOpts = append(j.reporterOpts, opts...) }
}

// WithClock sets the clock used for poll intervals and settle delays.
func WithClock(c clock.Clock) Option {
	return func(j *SchedulerJob) { j.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *SchedulerJob) { j.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(j *SchedulerJob) { j.metrics = m }
}

// WithSettleDelay sets the pause between submission and the first
// accounting query in WaitAll.
func WithSettleDelay(d time.Duration) Option {
	return func(j *SchedulerJob) { j.settleDelay = d }
}

// WithMaxConcurrentPolls sets how many array members WaitAll polls at once.
// 1 polls members one after another.
func WithMaxConcurrentPolls(n int) Option {
	return func(j *SchedulerJob) { j.maxConcurrency = n }
}

// NewSchedulerJob creates a job in state NEW that runs commands through run.
func NewSchedulerJob(run runner.Runner, opts ...Option) *SchedulerJob {
	j := &SchedulerJob{
		runner:         run,
		clock:          clock.Real{},
		logger:         zap.NewNop(),
		settleDelay:    DefaultSettleDelay,
		maxConcurrency: 1,
		status:         types.StatusNew,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.reporter == nil {
		base := []accounting.Option{
			accounting.WithClock(j.clock),
			accounting.WithLogger(j.logger),
			accounting.WithMetrics(j.metrics),
		}
		j.reporter = accounting.NewReporter(run, append(base, j.reporterOpts...)...)
	}
	return j
}

// Submit runs the submission command and records the identifier it prints.
func (j *SchedulerJob) Submit(ctx context.Context, command string) error {
	if j.id != "" {
		return ErrAlreadySubmitted
	}

	argv := runner.Split(command)
	if len(argv) == 0 {
		err := &SubmissionError{Command: command, Err: runner.ErrEmptyCommand}
		j.metrics.RecordSubmission(err)
		return err
	}

	out, err := j.runner.Run(ctx, argv)
	if err != nil {
		subErr := &SubmissionError{Command: command, Output: out.Stdout + out.Stderr, Err: err}
		j.metrics.RecordSubmission(subErr)
		return subErr
	}

	id, err := accounting.ParseSubmissionID(out.Stdout)
	if err != nil {
		subErr := &SubmissionError{Command: command, Output: out.Stdout, Err: err}
		j.logger.Error("Submission output has no job id",
			zap.String("command", command),
			zap.String("output", out.Stdout))
		j.metrics.RecordSubmission(subErr)
		return subErr
	}

	j.id = id
	j.status = types.StatusSubmitted
	j.metrics.RecordSubmission(nil)
	j.logger.Info("Job submitted",
		zap.String("job_id", string(id)),
		zap.String("command", command),
		zap.String("output", out.Stdout))
	return nil
}

// Attach binds a NEW job to an identifier issued elsewhere.
func (j *SchedulerJob) Attach(id types.JobID) error {
	if j.id != "" {
		return ErrAlreadySubmitted
	}
	if id == "" {
		return ErrNotSubmitted
	}
	j.id = id
	j.status = types.StatusSubmitted
	return nil
}

// Reset returns the job to NEW, clearing identifier, status, snapshot and
// array members together.
func (j *SchedulerJob) Reset() {
	j.id = ""
	j.status = types.StatusNew
	j.snapshot = accounting.Snapshot{}
	j.members = nil
}

// ID implements Job.
func (j *SchedulerJob) ID() types.JobID {
	return j.id
}

// CachedStatus implements Job.
func (j *SchedulerJob) CachedStatus() types.Status {
	return j.status
}

// Snapshot returns the accounting snapshot from the most recent poll.
func (j *SchedulerJob) Snapshot() accounting.Snapshot {
	return j.snapshot
}

// Completed polls once and reports whether the status is exactly COMPLETED.
// Failure variants return false; check Failed afterwards.
func (j *SchedulerJob) Completed(ctx context.Context) (bool, error) {
	if err := j.refresh(ctx); err != nil {
		return false, err
	}
	return j.status == types.StatusCompleted, nil
}

// Status polls once and returns the refreshed status.
func (j *SchedulerJob) Status(ctx context.Context) (types.Status, error) {
	if err := j.refresh(ctx); err != nil {
		return "", err
	}
	return j.status, nil
}

// Failed reports whether the cached status is a terminal failure. It does
// not poll.
func (j *SchedulerJob) Failed() bool {
	return j.status.IsFailure()
}

// Running reports whether the cached status is RUNNING. It does not poll.
func (j *SchedulerJob) Running() bool {
	return j.status.Base() == types.StatusRunning
}

// Pending reports whether the cached status is PENDING. It does not poll.
func (j *SchedulerJob) Pending() bool {
	return j.status.Base() == types.StatusPending
}

// Terminal reports whether the cached status is terminal. It does not poll.
func (j *SchedulerJob) Terminal() bool {
	return j.status.IsTerminal()
}

// Wait sleeps interval, refreshes, and repeats until the status is terminal.
// A terminal failure is not an error; inspect Failed or CachedStatus.
func (j *SchedulerJob) Wait(ctx context.Context, interval time.Duration) error {
	if j.id == "" {
		return ErrNotSubmitted
	}
	start := j.clock.Now()
	defer func() { j.metrics.ObserveWait(j.clock.Now().Sub(start).Seconds()) }()

	for {
		if err := j.clock.Sleep(ctx, interval); err != nil {
			return err
		}
		if _, err := j.Completed(ctx); err != nil {
			return err
		}
		if j.status.IsTerminal() {
			j.metrics.RecordTerminal(j.status)
			j.logger.Info("Job reached terminal state",
				zap.String("job_id", string(j.id)),
				zap.String("status", string(j.status)))
			return nil
		}
		j.logger.Debug("Job not finished",
			zap.String("job_id", string(j.id)),
			zap.String("status", string(j.status)))
	}
}

func (j *SchedulerJob) refresh(ctx context.Context) error {
	if j.id == "" {
		return ErrNotSubmitted
	}
	rec, snap, err := j.reporter.Status(ctx, j.id)
	if err != nil {
		return err
	}
	j.status = rec.Status
	j.snapshot = snap
	return nil
}
