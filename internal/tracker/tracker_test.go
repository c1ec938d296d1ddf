package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobtrack/internal/clock"
	"github.com/ChuLiYu/jobtrack/internal/job"
	"github.com/ChuLiYu/jobtrack/internal/metrics"
	"github.com/ChuLiYu/jobtrack/internal/runner"
	"github.com/ChuLiYu/jobtrack/internal/runner/runnertest"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func query(id string) string {
	return "sacct -j " + id + " --format=JobID,JobName,State"
}

// attached returns a SchedulerJob bound to id
func attached(t *testing.T, run *runnertest.Runner, clk clock.Clock, id types.JobID) *job.SchedulerJob {
	t.Helper()
	j := job.NewSchedulerJob(run, job.WithClock(clk))
	require.NoError(t, j.Attach(id))
	return j
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNew(t *testing.T) {
	tr := New(WithConcurrency(0))
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 1, tr.concurrency)
	assert.Empty(t, tr.Stats())
}

func TestAdd(t *testing.T) {
	run := runnertest.New()
	clk := clock.NewFake(time.Now())
	tr := New(WithClock(clk))

	require.NoError(t, tr.Add(attached(t, run, clk, "10")))
	require.NoError(t, tr.Add(attached(t, run, clk, "11")))
	assert.Equal(t, []types.JobID{"10", "11"}, tr.IDs())

	err := tr.Add(attached(t, run, clk, "10"))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	err = tr.Add(job.NewSchedulerJob(run))
	assert.ErrorIs(t, err, job.ErrNotSubmitted)

	info, ok := tr.Get("10")
	require.True(t, ok)
	assert.Equal(t, types.StatusSubmitted, info.Status)
	assert.Equal(t, clk.Now(), info.UpdatedAt)
}

func TestRemove(t *testing.T) {
	tr := New()
	clk := clock.NewFake(time.Now())
	require.NoError(t, tr.Add(attached(t, runnertest.New(), clk, "10")))

	require.NoError(t, tr.Remove("10"))
	assert.ErrorIs(t, tr.Remove("10"), ErrJobNotFound)
	_, ok := tr.Get("10")
	assert.False(t, ok)
}

func TestRefresh(t *testing.T) {
	run := runnertest.New().
		On(query("10"), runnertest.Sacct("10 a RUNNING")).
		On(query("11"), runnertest.Sacct("11 b PENDING")).
		On(query("12"), runnertest.Sacct("12 c COMPLETED+")).
		On(query("13"), "JobID Name\n")
	clk := clock.NewFake(time.Now())
	tr := New(WithClock(clk), WithConcurrency(2))
	for _, id := range []types.JobID{"10", "11", "12", "13"} {
		require.NoError(t, tr.Add(attached(t, run, clk, id)))
	}

	errs := tr.Refresh(context.Background())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs["13"], job.ErrFormat)

	assert.Equal(t, map[types.Status]int{
		types.StatusRunning:   1,
		types.StatusPending:   1,
		types.StatusCompleted: 1,
		types.StatusSubmitted: 1,
	}, tr.Stats())

	info, _ := tr.Get("13")
	assert.Error(t, info.Err)
	assert.Equal(t, types.StatusSubmitted, info.Status, "failed poll keeps the previous status")

	// terminal jobs are not polled again
	tr.Refresh(context.Background())
	assert.Equal(t, 1, run.Count(query("12")))
	assert.Equal(t, 2, run.Count(query("10")))
}

func TestRefresh_Empty(t *testing.T) {
	assert.Empty(t, New().Refresh(context.Background()))
}

func TestWaitAll(t *testing.T) {
	run := runnertest.New().
		On(query("10"), runnertest.Sacct("10 a RUNNING"), runnertest.Sacct("10 a COMPLETED")).
		On(query("11"), runnertest.Sacct("11 b PENDING"), runnertest.Sacct("11 b RUNNING"), runnertest.Sacct("11 b OUT_OF_MEMORY")).
		On(query("12"), runnertest.Sacct("12 c COMPLETED"))
	clk := clock.NewFake(time.Now())
	tr := New(WithClock(clk), WithConcurrency(2))
	for _, id := range []types.JobID{"10", "11", "12"} {
		require.NoError(t, tr.Add(attached(t, run, clk, id)))
	}

	statuses, err := tr.WaitAll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[types.JobID]types.Status{
		"10": types.StatusCompleted,
		"11": types.StatusOutOfMemory,
		"12": types.StatusCompleted,
	}, statuses)
	assert.Equal(t, 2, tr.Stats()[types.StatusCompleted])
	assert.Equal(t, 1, tr.Stats()[types.StatusOutOfMemory])
}

func TestWaitAll_Error(t *testing.T) {
	run := runnertest.New().
		On(query("10"), runnertest.Sacct("10 a RUNNING")).
		On(query("11"), runnertest.Sacct())
	clk := clock.NewFake(time.Now())
	tr := New(WithClock(clk), WithConcurrency(2))
	require.NoError(t, tr.Add(attached(t, run, clk, "10")))
	require.NoError(t, tr.Add(attached(t, run, clk, "11")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tr.WaitAll(ctx, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
	assert.Contains(t, err.Error(), "job 11")
}

func TestWaitAll_LocalJobs(t *testing.T) {
	clk := clock.NewFake(time.Now())
	tr := New(WithClock(clk))

	j := job.NewLocalProcessJob(&exitSpawner{}, job.WithLocalClock(clk))
	require.NoError(t, j.Submit(context.Background(), "true"))
	require.NoError(t, tr.Add(j))

	statuses, err := tr.WaitAll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, statuses[j.ID()])
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollectorWith(reg, reg)
	require.NoError(t, err)

	run := runnertest.New().On(query("10"), runnertest.Sacct("10 a RUNNING"))
	clk := clock.NewFake(time.Now())
	tr := New(WithClock(clk), WithMetrics(m))
	require.NoError(t, tr.Add(attached(t, run, clk, "10")))
	tr.Refresh(context.Background())

	n, err := testutil.GatherAndCount(reg, "jobtrack_jobs_tracked")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// exitSpawner hands out processes that have already exited with status 0
type exitSpawner struct{}

func (*exitSpawner) Spawn(ctx context.Context, argv []string) (runner.Handle, error) {
	return exitedHandle{}, nil
}

type exitedHandle struct{}

func (exitedHandle) Pid() int { return 1 }

func (exitedHandle) Poll() (bool, int) { return true, 0 }

func (exitedHandle) Kill() error { return nil }
