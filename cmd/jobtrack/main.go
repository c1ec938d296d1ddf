package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 注入版本資訊並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 所有邏輯在 internal/cli
//
// 編譯：
//   go build -ldflags "-X main.version=$(git describe --tags)" -o bin/jobtrack ./cmd/jobtrack
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/jobtrack/internal/cli"
)

var version = "dev" // 由 CI 注入

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	cli.Version = version
	cli.Main()
}
