// ============================================================================
// jobtrack Worker Pool - 並發輪詢執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
//   The worker count is the concurrency cap on polling loops, and therefore
//   on how many accounting queries can be in flight at once.
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult(ctx) - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - taskCh: 帶緩衝 channel，避免提交阻塞
//   - resultCh: 帶緩衝 channel，Worker 以阻塞方式送出結果
//   - stateMu: 保護 started/stopped 狀態
//   - sendMu: Submit 持有讀鎖送出任務，Stop 持有寫鎖關閉 taskCh，
//     so a send can never race with the close
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // Worker 列表，存儲所有啟動的 Worker 實例
	taskCh   chan Task      // 任務通道，用於分發任務給 Worker
	resultCh chan Result    // 結果通道，用於收集 Worker 的執行結果
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成的同步工具
	started  bool           // 標誌 Pool 是否已啟動
	stopped  bool           // 標誌 Pool 是否已停止
	stateMu  sync.Mutex     // 保護 started 和 stopped 狀態的互斥鎖
	sendMu   sync.RWMutex   // 保護 taskCh 的送出與關閉
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker; tasks run under ctx
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
func (p *Pool) Submit(task Task) error {
	p.stateMu.Lock()
	if !p.started {
		p.stateMu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.stateMu.Unlock()
		return ErrPoolClosed
	}
	p.stateMu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	// stopCh closes before taskCh; while we hold the read lock taskCh stays open
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，解除阻塞中的 Submit
//  3. 關閉 taskCh，結束 Worker 的 range 循環
//  4. 等待所有 Worker 完成當前任務
//  5. 關閉 resultCh
func (p *Pool) Stop() {
	p.stateMu.Lock()
	if !p.started || p.stopped {
		p.stateMu.Unlock()
		return
	}
	p.stopped = true
	p.stateMu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.started
}

// RunAll runs every task on a pool of at most limit workers and returns the
// results in completion order. It returns only after every task has
// finished. When a task fails, the context of the remaining tasks is
// cancelled so they stop polling.
func RunAll(ctx context.Context, limit int, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	if limit > len(tasks) {
		limit = len(tasks)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewPool(len(tasks))
	if err := pool.Start(ctx, limit); err != nil {
		return nil
	}
	defer pool.Stop()

	for _, task := range tasks {
		// buffer holds every task, Submit cannot block
		if err := pool.Submit(task); err != nil {
			break
		}
	}

	results := make([]Result, 0, len(tasks))
	for range tasks {
		// not ctx: results must be drained even after cancel
		result, err := pool.ReceiveResult(context.Background())
		if err != nil {
			break
		}
		if result.Error != nil {
			cancel()
		}
		results = append(results, result)
	}
	return results
}
