package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobtrack/internal/clock"
	"github.com/ChuLiYu/jobtrack/internal/runner/runnertest"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

func memberQuery(id string) string {
	return "sacct -j " + id + " --format=JobID,JobName,State"
}

// fourMemberArray scripts array 42 with members finishing COMPLETED,
// COMPLETED+, FAILED and PENDING→COMPLETED after two more polls.
func fourMemberArray() *runnertest.Runner {
	return runnertest.New().
		On(query42,
			runnertest.Sacct("42_[1-4] train PENDING"),
			runnertest.Sacct(
				"42_1 train COMPLETED",
				"42_1.batch batch COMPLETED",
				"42_2 train COMPLETED+",
				"42_3 train FAILED",
				"42_3.batch batch FAILED",
				"42_4 train PENDING",
			),
		).
		On(memberQuery("42_1"), runnertest.Sacct("42_1 train COMPLETED")).
		On(memberQuery("42_2"), runnertest.Sacct("42_2 train COMPLETED+")).
		On(memberQuery("42_3"), runnertest.Sacct("42_3 train FAILED")).
		On(memberQuery("42_4"),
			runnertest.Sacct("42_4 train PENDING"),
			runnertest.Sacct("42_4 train RUNNING"),
			runnertest.Sacct("42_4 train COMPLETED"),
		)
}

func wantFourMembers() map[types.JobID]types.Status {
	return map[types.JobID]types.Status{
		"42_1": types.StatusCompleted,
		"42_2": "COMPLETED+",
		"42_3": types.StatusFailed,
		"42_4": types.StatusCompleted,
	}
}

func TestWaitAll_Sequential(t *testing.T) {
	run := fourMemberArray()
	clk := clock.NewFake(time.Now())
	j := submitted(t, run, clk)

	statuses, err := j.WaitAll(context.Background(), 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, wantFourMembers(), statuses)
	assert.Equal(t, []types.JobID{"42_1", "42_2", "42_3", "42_4"}, j.Members())
	assert.Equal(t, 3, run.Count(query42), "parent polled until it left PENDING, then re-checked for new members")
	for _, id := range []string{"42_1", "42_2", "42_3"} {
		assert.Equal(t, 1, run.Count(memberQuery(id)), id)
	}
	assert.Equal(t, 3, run.Count(memberQuery("42_4")))

	// settle, one pending gate interval, two intervals for 42_4
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	}, clk.Sleeps())

	// members are visited in index order
	var order []string
	for _, c := range run.Calls() {
		if c != submitCmd && c != query42 {
			order = append(order, c)
		}
	}
	assert.Equal(t, memberQuery("42_1"), order[0])
	assert.Equal(t, memberQuery("42_4"), order[len(order)-1])
}

func TestWaitAll_Concurrent(t *testing.T) {
	run := fourMemberArray()
	clk := clock.NewFake(time.Now())
	j := submitted(t, run, clk, WithMaxConcurrentPolls(3))

	statuses, err := j.WaitAll(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wantFourMembers(), statuses)
	assert.Equal(t, 3, run.Count(memberQuery("42_4")))
}

func TestWaitAll_CustomSettleDelay(t *testing.T) {
	run := runnertest.New().On(query42, runnertest.Sacct("42_1 train COMPLETED")).
		On(memberQuery("42_1"), runnertest.Sacct("42_1 train COMPLETED"))
	clk := clock.NewFake(time.Now())
	j := submitted(t, run, clk, WithSettleDelay(time.Second))

	_, err := j.WaitAll(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, clk.Sleeps())
}

func TestWaitAll_ThrottledArray(t *testing.T) {
	run := runnertest.New().
		On(query42,
			runnertest.Sacct("42_1 train RUNNING", "42_2 train RUNNING", "42_[3-4%2] train PENDING"),
			runnertest.Sacct("42_1 train COMPLETED", "42_2 train COMPLETED", "42_[3-4%2] train PENDING"),
			runnertest.Sacct("42_1 train COMPLETED", "42_2 train COMPLETED", "42_3 train RUNNING", "42_4 train RUNNING"),
		).
		On(memberQuery("42_1"), runnertest.Sacct("42_1 train COMPLETED")).
		On(memberQuery("42_2"), runnertest.Sacct("42_2 train COMPLETED")).
		On(memberQuery("42_3"), runnertest.Sacct("42_3 train RUNNING"), runnertest.Sacct("42_3 train COMPLETED")).
		On(memberQuery("42_4"), runnertest.Sacct("42_4 train TIMEOUT"))
	clk := clock.NewFake(time.Now())
	j := submitted(t, run, clk)

	statuses, err := j.WaitAll(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[types.JobID]types.Status{
		"42_1": types.StatusCompleted,
		"42_2": types.StatusCompleted,
		"42_3": types.StatusCompleted,
		"42_4": types.StatusTimeout,
	}, statuses)
	assert.Equal(t, []types.JobID{"42_1", "42_2", "42_3", "42_4"}, j.Members())
	assert.Equal(t, 1, run.Count(memberQuery("42_1")), "finished members are not polled again")
	assert.Equal(t, 4, run.Count(query42))

	// settle, one interval while 3-4 were undispatched, one interval for 42_3
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 10 * time.Second,
	}, clk.Sleeps())
}

func TestWaitAll_RangeRowListedFirst(t *testing.T) {
	run := runnertest.New().
		On(query42,
			runnertest.Sacct("42_[3-4] train PENDING", "42_1 train RUNNING", "42_2 train RUNNING"),
			runnertest.Sacct("42_1 train COMPLETED", "42_2 train COMPLETED", "42_3 train COMPLETED", "42_4 train COMPLETED"),
		).
		On(memberQuery("42_1"), runnertest.Sacct("42_1 train COMPLETED")).
		On(memberQuery("42_2"), runnertest.Sacct("42_2 train COMPLETED")).
		On(memberQuery("42_3"), runnertest.Sacct("42_3 train COMPLETED")).
		On(memberQuery("42_4"), runnertest.Sacct("42_4 train COMPLETED"))
	clk := clock.NewFake(time.Now())
	j := submitted(t, run, clk, WithMaxConcurrentPolls(2))

	statuses, err := j.WaitAll(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, statuses, 4)
	assert.Equal(t, []time.Duration{5 * time.Second}, clk.Sleeps(),
		"a dispatched member opens the gate even when the range row comes first")
}

func TestWaitAll_NotAnArray(t *testing.T) {
	run := runnertest.New().On(query42,
		runnertest.Sacct("42 train RUNNING", "42.batch batch RUNNING"),
		runnertest.Sacct("42 train COMPLETED"),
	)
	j := submitted(t, run, clock.NewFake(time.Now()))

	statuses, err := j.WaitAll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[types.JobID]types.Status{"42": types.StatusCompleted}, statuses)
	assert.Empty(t, j.Members())
	assert.Equal(t, types.StatusCompleted, j.CachedStatus())
}

func TestWaitAll_NotSubmitted(t *testing.T) {
	j := newTestJob(runnertest.New(), clock.NewFake(time.Now()))
	_, err := j.WaitAll(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNotSubmitted)
}

func TestWaitAll_MemberError(t *testing.T) {
	run := runnertest.New().
		On(query42, runnertest.Sacct("42_1 train RUNNING", "42_2 train RUNNING")).
		On(memberQuery("42_1"), runnertest.Sacct("42_1 train COMPLETED")).
		On(memberQuery("42_2"), "garbage\n")
	j := submitted(t, run, clock.NewFake(time.Now()))

	statuses, err := j.WaitAll(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "42_2")
	assert.Equal(t, types.StatusCompleted, statuses["42_1"])
}

func TestWaitAll_ConcurrentMemberError(t *testing.T) {
	run := runnertest.New().
		On(query42, runnertest.Sacct("42_1 train RUNNING", "42_2 train RUNNING")).
		On(memberQuery("42_1"), runnertest.Sacct("42_1 train RUNNING")).
		OnError(memberQuery("42_2"), "", errors.New("sacct: slurmdbd unreachable"))
	j := submitted(t, run, clock.NewFake(time.Now()), WithMaxConcurrentPolls(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := j.WaitAll(ctx, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slurmdbd unreachable")
}

func TestWaitAll_Cancelled(t *testing.T) {
	run := runnertest.New().On(query42, runnertest.Sacct("42_[1-4] train PENDING"))
	j := submitted(t, run, clock.NewFake(time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := j.WaitAll(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckArrayPending(t *testing.T) {
	run := runnertest.New().On(query42,
		runnertest.Sacct("42_[1-4] train PENDING"),
		runnertest.Sacct("42_1 train RUNNING", "42_[2-4] train PENDING"),
	)
	j := submitted(t, run, clock.NewFake(time.Now()))

	pending, err := j.checkArrayPending(context.Background())
	require.NoError(t, err)
	assert.True(t, pending)

	pending, err = j.checkArrayPending(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestCheckArrayPending_RangeRowFirst(t *testing.T) {
	run := runnertest.New().On(query42,
		runnertest.Sacct("42_[2-4] train PENDING", "42_1 train RUNNING"),
	)
	j := submitted(t, run, clock.NewFake(time.Now()))

	pending, err := j.checkArrayPending(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
}
