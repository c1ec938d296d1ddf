package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// Task 代表要執行的任務: poll one job until it reaches a terminal status
type Task struct {
	ID      types.JobID                                     // 任務唯一識別碼
	Run     func(ctx context.Context) (types.Status, error) // blocks until the job is terminal
	Timeout time.Duration                                   // 執行超時時間, 0 = no limit
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Status   types.Status  // final status reported by Run
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Success reports whether the task returned without error.
func (r Result) Success() bool {
	return r.Error == nil
}
