// Package job tracks units of work handed to an external batch scheduler or
// to a local process.
//
// Callers hold the Job interface and drive one instance from one goroutine:
// no Job implementation is safe for concurrent use. Distinct instances may be
// driven concurrently.
//
// Status is a two-step contract. Completed, Status and Wait refresh the
// cached status by polling; Failed, Running and Pending only classify the
// cached value and never poll. Refresh first, then classify.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/jobtrack/internal/accounting"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// Job is a unit of work whose lifecycle can be tracked to a terminal state.
type Job interface {
	// Submit starts the work described by command, a whitespace-delimited
	// command line. An instance accepts exactly one submission.
	Submit(ctx context.Context, command string) error

	// Completed polls once and reports whether the job completed
	// successfully. It fails with ErrNotSubmitted before Submit.
	Completed(ctx context.Context) (bool, error)

	// Wait blocks, polling every interval, until the job is terminal or ctx
	// is done.
	Wait(ctx context.Context, interval time.Duration) error

	// ID returns the identifier assigned at submission, or "" before it.
	ID() types.JobID

	// CachedStatus returns the status observed by the most recent poll.
	CachedStatus() types.Status
}

// Predefined errors
var (
	// ErrNotSubmitted indicates an operation that requires a prior Submit.
	ErrNotSubmitted = errors.New("job: not submitted")

	// ErrAlreadySubmitted indicates Submit on an instance that already holds
	// a submission. Use a fresh instance or Reset.
	ErrAlreadySubmitted = errors.New("job: already submitted")

	// ErrSubmission matches every *SubmissionError.
	ErrSubmission = errors.New("job: submission failed")

	// Accounting failures, surfaced unchanged from polling.
	ErrFormat           = accounting.ErrFormat
	ErrJobNotFound      = accounting.ErrJobNotFound
	ErrIdentityMismatch = accounting.ErrIdentityMismatch
)

// SubmissionError is returned when the submit command fails or its output
// carries no recoverable identifier. Output holds everything the command
// printed so malformed submission scripts can be diagnosed.
type SubmissionError struct {
	Command string
	Output  string
	Err     error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submit %q: %v", e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\noutput:\n" + out
	}
	return msg
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrSubmission) hold for every SubmissionError.
func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmission
}
