// ============================================================================
// jobtrack Status Reporter
// ============================================================================
//
// Package: internal/accounting
// File: reporter.go
// Purpose: Runs the scheduler's accounting query and returns parsed snapshots.
//
// Query:
//   <tool> -j <id> --format=JobID,JobName,State
//
// Transient vs fatal:
//   Right after submission the accounting database may not know the job yet;
//   the query then prints only the header and separator. That case is retried
//   by an explicit RetryPolicy (count + fixed delay) before failing with
//   JobNotFoundError. Header mismatches, identity mismatches and command
//   failures are never retried.
//
// Rate limiting:
//   An optional token bucket bounds how often the accounting tool is invoked.
//   A Reporter shared between the members of an array therefore bounds the
//   combined query rate of all of them.
//
// ============================================================================

package accounting

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/jobtrack/internal/clock"
	"github.com/ChuLiYu/jobtrack/internal/metrics"
	"github.com/ChuLiYu/jobtrack/internal/runner"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// DefaultTool is the accounting command.
const DefaultTool = "sacct"

// RetryPolicy bounds retries of an empty accounting result.
type RetryPolicy struct {
	// Retries is the number of extra queries after the first empty one.
	Retries int
	// Delay is the fixed pause before each retry.
	Delay time.Duration
}

// DefaultRetryPolicy retries once after two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 1, Delay: 2 * time.Second}
}

// Reporter queries job status through the accounting tool.
type Reporter struct {
	runner  runner.Runner
	tool    string
	retry   RetryPolicy
	clock   clock.Clock
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithTool overrides the accounting command.
func WithTool(tool string) Option {
	return func(r *Reporter) { r.tool = tool }
}

// WithRetryPolicy overrides the empty-result retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Reporter) { r.retry = p }
}

// WithClock sets the clock used for retry delays.
func WithClock(c clock.Clock) Option {
	return func(r *Reporter) { r.clock = c }
}

// WithRateLimit caps accounting queries at qps per second. qps <= 0 disables
// the limit.
func WithRateLimit(qps float64) Option {
	return func(r *Reporter) {
		if qps <= 0 {
			r.limiter = nil
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reporter) { r.metrics = m }
}

// NewReporter creates a Reporter that runs commands through run.
func NewReporter(run runner.Runner, opts ...Option) *Reporter {
	r := &Reporter{
		runner: run,
		tool:   DefaultTool,
		retry:  DefaultRetryPolicy(),
		clock:  clock.Real{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Command returns the argv used to query id.
func (r *Reporter) Command(id types.JobID) []string {
	return []string{r.tool, "-j", string(id), QueryFormat}
}

// Query runs the accounting query for id. An empty result is retried per the
// RetryPolicy; if every attempt is empty a *JobNotFoundError is returned.
func (r *Reporter) Query(ctx context.Context, id types.JobID) (Snapshot, error) {
	attempts := r.retry.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		snap, err := r.queryOnce(ctx, id)
		if err != nil {
			return Snapshot{}, err
		}
		if !snap.Empty() {
			return snap, nil
		}
		if attempt == attempts {
			break
		}

		r.logger.Debug("Accounting has no record yet, retrying",
			zap.String("job_id", string(id)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", r.retry.Delay))
		r.metrics.RecordRetry()
		if err := r.clock.Sleep(ctx, r.retry.Delay); err != nil {
			return Snapshot{}, err
		}
	}

	r.metrics.RecordNotFound()
	return Snapshot{}, &JobNotFoundError{ID: id, Attempts: attempts}
}

// Status queries id and returns its matched row together with the snapshot
// it came from.
func (r *Reporter) Status(ctx context.Context, id types.JobID) (types.Record, Snapshot, error) {
	snap, err := r.Query(ctx, id)
	if err != nil {
		return types.Record{}, Snapshot{}, err
	}
	rec, err := MatchRecord(snap, id)
	if err != nil {
		return types.Record{}, snap, err
	}
	return rec, snap, nil
}

func (r *Reporter) queryOnce(ctx context.Context, id types.JobID) (Snapshot, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Snapshot{}, err
		}
	}

	argv := r.Command(id)
	r.metrics.RecordQuery()
	out, err := r.runner.Run(ctx, argv)
	if err != nil {
		return Snapshot{}, fmt.Errorf("accounting query for %s: %w", id, err)
	}

	snap, err := ParseSnapshot(out.Stdout)
	if err != nil {
		r.logger.Error("Accounting output does not match expected format",
			zap.Strings("command", argv),
			zap.String("output", out.Stdout))
		return Snapshot{}, err
	}
	return snap, nil
}
