package accounting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// Predefined errors
var (
	// ErrFormat indicates the accounting tool's column contract changed.
	ErrFormat = errors.New("accounting: unexpected output format")

	// ErrJobNotFound indicates the identifier never appeared in accounting.
	ErrJobNotFound = errors.New("accounting: job not found")

	// ErrIdentityMismatch indicates a returned row belongs to another job.
	ErrIdentityMismatch = errors.New("accounting: job identifier mismatch")

	// ErrNoSubmissionID indicates submit output carried no trailing job id.
	ErrNoSubmissionID = errors.New("accounting: no job id in submission output")
)

// FormatError carries the header that failed validation.
type FormatError struct {
	Header []string
	Output string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v: header %q, want %q", ErrFormat,
		strings.Join(e.Header, " "), strings.Join(ExpectedHeader, " "))
}

func (e *FormatError) Unwrap() error {
	return ErrFormat
}

// JobNotFoundError names the identifier that stayed invisible.
type JobNotFoundError struct {
	ID       types.JobID
	Attempts int
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("%v: no job matching ID %s after %d attempts", ErrJobNotFound, e.ID, e.Attempts)
}

func (e *JobNotFoundError) Unwrap() error {
	return ErrJobNotFound
}

// IdentityMismatchError reports the queried and returned identifiers.
type IdentityMismatchError struct {
	Want types.JobID
	Got  types.JobID
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("%v: first row %s does not match job id %s", ErrIdentityMismatch, e.Got, e.Want)
}

func (e *IdentityMismatchError) Unwrap() error {
	return ErrIdentityMismatch
}
