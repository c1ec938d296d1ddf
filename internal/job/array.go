package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobtrack/internal/accounting"
	"github.com/ChuLiYu/jobtrack/internal/worker"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// Members returns the array members discovered by the last WaitAll in
// discovery order. Each batch discovered from one snapshot is ordered by
// array index.
func (j *SchedulerJob) Members() []types.JobID {
	out := make([]types.JobID, len(j.members))
	copy(out, j.members)
	return out
}

// checkArrayPending refreshes the parent and reports whether it is still
// PENDING with no member dispatched. Members cannot be enumerated before the
// scheduler dispatches the first of them.
func (j *SchedulerJob) checkArrayPending(ctx context.Context) (bool, error) {
	if err := j.refresh(ctx); err != nil {
		return false, err
	}
	if len(accounting.ArrayMembers(j.snapshot, j.id)) > 0 {
		return false, nil
	}
	return j.status.Base() == types.StatusPending, nil
}

// WaitAll waits until every member of an array submission is terminal and
// returns the final status of each.
//
// It sleeps the settle delay, polls the parent every interval until a member
// is dispatched, discovers the members from that snapshot, and then polls
// each member to its own terminal status. Afterwards the parent is queried
// again: members that appeared since are polled in turn, and while a range
// row such as "42_[3-4%2]" is still listed the parent is re-queried every
// interval. Members are polled one after another unless
// WithMaxConcurrentPolls allows more. A submission with no array members is
// waited on as a single job.
func (j *SchedulerJob) WaitAll(ctx context.Context, interval time.Duration) (map[types.JobID]types.Status, error) {
	if j.id == "" {
		return nil, ErrNotSubmitted
	}
	start := j.clock.Now()
	defer func() { j.metrics.ObserveWait(j.clock.Now().Sub(start).Seconds()) }()

	if err := j.clock.Sleep(ctx, j.settleDelay); err != nil {
		return nil, err
	}

	for {
		pending, err := j.checkArrayPending(ctx)
		if err != nil {
			return nil, err
		}
		if !pending {
			break
		}
		j.logger.Debug("Array still pending", zap.String("job_id", string(j.id)))
		if err := j.clock.Sleep(ctx, interval); err != nil {
			return nil, err
		}
	}

	j.members = nil
	if len(accounting.ArrayMembers(j.snapshot, j.id)) == 0 && !accounting.PendingRange(j.snapshot, j.id) {
		status, err := j.waitSingle(ctx, interval)
		if err != nil {
			return nil, err
		}
		return map[types.JobID]types.Status{j.id: status}, nil
	}

	statuses := make(map[types.JobID]types.Status)
	for {
		var fresh []types.JobID
		for _, member := range accounting.ArrayMembers(j.snapshot, j.id) {
			if _, done := statuses[member]; !done {
				fresh = append(fresh, member)
			}
		}

		if len(fresh) == 0 {
			if !accounting.PendingRange(j.snapshot, j.id) {
				return statuses, nil
			}
			j.logger.Debug("Array members still undispatched", zap.String("job_id", string(j.id)))
			if err := j.clock.Sleep(ctx, interval); err != nil {
				return statuses, err
			}
		} else {
			j.members = append(j.members, fresh...)
			j.logger.Info("Array members discovered",
				zap.String("job_id", string(j.id)),
				zap.Int("members", len(fresh)))

			var err error
			if j.maxConcurrency <= 1 {
				err = j.pollSequential(ctx, fresh, interval, statuses)
			} else {
				err = j.pollConcurrent(ctx, fresh, interval, statuses)
			}
			if err != nil {
				return statuses, err
			}
		}

		if err := j.refresh(ctx); err != nil {
			return statuses, err
		}
	}
}

func (j *SchedulerJob) waitSingle(ctx context.Context, interval time.Duration) (types.Status, error) {
	for !j.status.IsTerminal() {
		if err := j.clock.Sleep(ctx, interval); err != nil {
			return "", err
		}
		if err := j.refresh(ctx); err != nil {
			return "", err
		}
	}
	j.metrics.RecordTerminal(j.status)
	return j.status, nil
}

func (j *SchedulerJob) pollSequential(ctx context.Context, members []types.JobID, interval time.Duration, statuses map[types.JobID]types.Status) error {
	for _, member := range members {
		status, err := j.pollMember(ctx, member, interval)
		if err != nil {
			return err
		}
		statuses[member] = status
	}
	return nil
}

func (j *SchedulerJob) pollConcurrent(ctx context.Context, members []types.JobID, interval time.Duration, statuses map[types.JobID]types.Status) error {
	tasks := make([]worker.Task, 0, len(members))
	for _, member := range members {
		member := member
		tasks = append(tasks, worker.Task{
			ID: member,
			Run: func(ctx context.Context) (types.Status, error) {
				return j.pollMember(ctx, member, interval)
			},
		})
	}

	var firstErr error
	for _, res := range worker.RunAll(ctx, j.maxConcurrency, tasks) {
		if res.Error != nil {
			// members cancelled after the first failure report context.Canceled
			if firstErr == nil || errors.Is(firstErr, context.Canceled) {
				firstErr = res.Error
			}
			continue
		}
		statuses[res.JobID] = res.Status
	}
	return firstErr
}

// pollMember queries member until its status is terminal, sleeping interval
// between queries.
func (j *SchedulerJob) pollMember(ctx context.Context, member types.JobID, interval time.Duration) (types.Status, error) {
	for {
		rec, _, err := j.reporter.Status(ctx, member)
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			return "", fmt.Errorf("array member %s: %w", member, err)
		}
		if rec.Status.IsTerminal() {
			j.metrics.RecordTerminal(rec.Status)
			j.logger.Info("Array member finished",
				zap.String("job_id", string(j.id)),
				zap.String("member", string(member)),
				zap.String("status", string(rec.Status)))
			return rec.Status, nil
		}
		j.logger.Debug("Array member not finished",
			zap.String("member", string(member)),
			zap.String("status", string(rec.Status)))
		if err := j.clock.Sleep(ctx, interval); err != nil {
			return "", err
		}
	}
}
