// ============================================================================
// jobtrack Tracker - 多任務追蹤器
// ============================================================================
//
// Package: internal/tracker
// 文件: tracker.go
// 功能: 追蹤多個獨立提交的 Job，批次刷新狀態並統計
//
// 設計理念:
//   1. entries map - 所有已登記 Job 的單一真實來源
//   2. 每個 entry 帶有自己的 busy 鎖：Job 本身不是並發安全的，
//      同一時間只允許一個 goroutine 驅動同一個 Job
//   3. 刷新與等待都經由 worker pool，並發上限即同時進行的查詢上限
//
// 狀態統計:
//   Stats() 以 Status.Base() 分組，因此 "COMPLETED+" 與 "COMPLETED"
//   計入同一桶。
//
// 並發安全:
//   - mu (RWMutex) 保護 entries map
//   - entry.mu 保護快取的 status/err
//   - entry.busy 序列化對底層 Job 的呼叫
//
// ============================================================================

package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobtrack/internal/clock"
	"github.com/ChuLiYu/jobtrack/internal/job"
	"github.com/ChuLiYu/jobtrack/internal/metrics"
	"github.com/ChuLiYu/jobtrack/internal/worker"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateJob 任務 ID 已登記
	ErrDuplicateJob = errors.New("tracker: job already tracked")
	// ErrJobNotFound 任務未登記
	ErrJobNotFound = errors.New("tracker: job not tracked")
)

// entry 是一個已登記的 Job 及其最近一次觀察結果
type entry struct {
	job  job.Job
	busy sync.Mutex // 序列化對 job 的呼叫

	mu        sync.Mutex
	status    types.Status
	err       error
	updatedAt time.Time
}

func (e *entry) record(status types.Status, err error, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.status = status
	}
	e.err = err
	e.updatedAt = now
}

// Info 是單一 Job 的唯讀快照
type Info struct {
	ID        types.JobID
	Status    types.Status
	Err       error
	UpdatedAt time.Time
}

// Tracker 追蹤多個獨立 Job
type Tracker struct {
	mu          sync.RWMutex
	entries     map[types.JobID]*entry
	concurrency int
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Collector
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithConcurrency caps how many jobs are polled at once.
func WithConcurrency(n int) Option {
	return func(t *Tracker) { t.concurrency = n }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics sets the collector whose tracked-jobs gauge follows Stats.
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New 建立空的 Tracker
func New(opts ...Option) *Tracker {
	t := &Tracker{
		entries:     make(map[types.JobID]*entry),
		concurrency: 1,
		clock:       clock.Real{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.concurrency < 1 {
		t.concurrency = 1
	}
	return t
}

// Add 登記一個已提交的 Job
//
// 錯誤處理：
//   - job.ErrNotSubmitted: Job 尚未取得 ID
//   - ErrDuplicateJob: 相同 ID 已登記
//
// 併發安全：使用互斥鎖保護
func (t *Tracker) Add(j job.Job) error {
	id := j.ID()
	if id == "" {
		return job.ErrNotSubmitted
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	t.entries[id] = &entry{job: j, status: j.CachedStatus(), updatedAt: t.clock.Now()}
	t.publish()
	return nil
}

// Remove 取消登記
func (t *Tracker) Remove(id types.JobID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(t.entries, id)
	t.publish()
	return nil
}

// Get 取得任務資訊
func (t *Tracker) Get(id types.JobID) (Info, bool) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return e.info(id), true
}

func (e *entry) info(id types.JobID) Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{ID: id, Status: e.status, Err: e.err, UpdatedAt: e.updatedAt}
}

// IDs 返回排序後的所有任務 ID
func (t *Tracker) IDs() []types.JobID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]types.JobID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len 返回登記數量
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Refresh polls every non-terminal job once and returns the errors by job.
// A failed poll keeps the previous status. Terminal jobs are not polled
// again.
func (t *Tracker) Refresh(ctx context.Context) map[types.JobID]error {
	snapshot := t.snapshot()

	pool := worker.NewPool(len(snapshot))
	if err := pool.Start(ctx, t.concurrency); err != nil {
		return nil
	}
	defer pool.Stop()

	submitted := 0
	for id, e := range snapshot {
		if e.info(id).Status.IsTerminal() {
			continue
		}
		e := e
		err := pool.Submit(worker.Task{
			ID: id,
			Run: func(ctx context.Context) (types.Status, error) {
				e.busy.Lock()
				defer e.busy.Unlock()
				if _, err := e.job.Completed(ctx); err != nil {
					return "", err
				}
				return e.job.CachedStatus(), nil
			},
		})
		if err != nil {
			break
		}
		submitted++
	}

	errs := make(map[types.JobID]error)
	for i := 0; i < submitted; i++ {
		res, err := pool.ReceiveResult(context.Background())
		if err != nil {
			break
		}
		snapshot[res.JobID].record(res.Status, res.Error, t.clock.Now())
		if res.Error != nil {
			errs[res.JobID] = res.Error
			t.logger.Warn("Job refresh failed",
				zap.String("job_id", string(res.JobID)),
				zap.Error(res.Error))
		}
	}

	t.mu.RLock()
	t.publish()
	t.mu.RUnlock()
	return errs
}

// WaitAll waits every tracked job to a terminal status, at most
// concurrency of them at once, and returns their final statuses. The first
// error cancels the remaining waits.
func (t *Tracker) WaitAll(ctx context.Context, interval time.Duration) (map[types.JobID]types.Status, error) {
	snapshot := t.snapshot()
	statuses := make(map[types.JobID]types.Status, len(snapshot))

	tasks := make([]worker.Task, 0, len(snapshot))
	for id, e := range snapshot {
		if info := e.info(id); info.Status.IsTerminal() {
			statuses[id] = info.Status
			continue
		}
		e := e
		tasks = append(tasks, worker.Task{
			ID: id,
			Run: func(ctx context.Context) (types.Status, error) {
				e.busy.Lock()
				defer e.busy.Unlock()
				if err := e.job.Wait(ctx, interval); err != nil {
					return "", err
				}
				return e.job.CachedStatus(), nil
			},
		})
	}

	var firstErr error
	for _, res := range worker.RunAll(ctx, t.concurrency, tasks) {
		snapshot[res.JobID].record(res.Status, res.Error, t.clock.Now())
		if res.Error != nil {
			if firstErr == nil || errors.Is(firstErr, context.Canceled) {
				firstErr = fmt.Errorf("job %s: %w", res.JobID, res.Error)
			}
			continue
		}
		statuses[res.JobID] = res.Status
	}

	t.mu.RLock()
	t.publish()
	t.mu.RUnlock()
	return statuses, firstErr
}

// Stats 以 base status 分組統計
//
// 併發安全：使用讀鎖保護
func (t *Tracker) Stats() map[types.Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats()
}

func (t *Tracker) stats() map[types.Status]int {
	counts := make(map[types.Status]int)
	for id, e := range t.entries {
		counts[e.info(id).Status.Base()]++
	}
	return counts
}

// publish 更新 metrics；呼叫者需持有 mu
func (t *Tracker) publish() {
	t.metrics.SetTracked(t.stats())
}

func (t *Tracker) snapshot() map[types.JobID]*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.JobID]*entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = e
	}
	return out
}
