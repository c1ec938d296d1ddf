package accounting

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/jobtrack/internal/runner"
)

// DefaultQueueTool is the queue listing command.
const DefaultQueueTool = "squeue"

// MaxQueueLines bounds how many lines of queue output are scanned.
const MaxQueueLines = 200

// userColumnWidth is how many characters of the user name squeue prints.
const userColumnWidth = 8

// QueueDepth runs "<tool> -u <user>" and counts the lines that mention the
// user. Only the first MaxQueueLines lines are scanned.
func QueueDepth(ctx context.Context, run runner.Runner, tool, user string) (int, error) {
	if user == "" {
		return 0, errors.New("accounting: queue depth needs a user name")
	}
	if tool == "" {
		tool = DefaultQueueTool
	}

	out, err := run.Run(ctx, []string{tool, "-u", user})
	if err != nil {
		return 0, fmt.Errorf("queue query for %s: %w", user, err)
	}
	return CountUserLines(out.Stdout, user), nil
}

// CountUserLines counts lines of queue output containing the user name as
// squeue prints it (truncated to eight characters).
func CountUserLines(output, user string) int {
	prefix := user
	if len(prefix) > userColumnWidth {
		prefix = prefix[:userColumnWidth]
	}

	count := 0
	scanner := bufio.NewScanner(strings.NewReader(output))
	for lines := 0; lines < MaxQueueLines && scanner.Scan(); lines++ {
		if strings.Contains(scanner.Text(), prefix) {
			count++
		}
	}
	return count
}
