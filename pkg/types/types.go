// Package types defines the core domain model shared by jobtrack packages.
package types

import (
	"strings"
)

// JobID is the identifier issued by a scheduler at submission time.
// Array members use the composite form "<array_id>_<index>".
type JobID string

// Status is a job state as reported by the scheduler's accounting tool.
type Status string

// Lifecycle states owned by jobtrack itself.
const (
	StatusNew       Status = "NEW"       // created, identifier unset
	StatusSubmitted Status = "SUBMITTED" // identifier known, not yet polled
)

// Scheduler states. Names follow sacct's JOB STATE CODES.
const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusCompleting  Status = "COMPLETING"
	StatusConfiguring Status = "CONFIGURING"
	StatusRequeued    Status = "REQUEUED"
	StatusResizing    Status = "RESIZING"
	StatusSuspended   Status = "SUSPENDED"
	StatusStopped     Status = "STOPPED"

	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
	StatusDeadlineExceeded Status = "DEADLINE_EXCEEDED"
	StatusDeadline         Status = "DEADLINE" // sacct's short code for DEADLINE_EXCEEDED
	StatusOutOfMemory      Status = "OUT_OF_MEMORY"
	StatusPreempted        Status = "PREEMPTED"
	StatusTimeout          Status = "TIMEOUT"
	StatusBootFail         Status = "BOOT_FAIL"
	StatusNodeFail         Status = "NODE_FAIL"
	StatusRevoked          Status = "REVOKED"
	StatusSpecialExit      Status = "SPECIAL_EXIT"
)

// failureStates is the fixed set of terminal failure variants.
var failureStates = map[Status]struct{}{
	StatusFailed:           {},
	StatusCancelled:        {},
	StatusDeadlineExceeded: {},
	StatusDeadline:         {},
	StatusOutOfMemory:      {},
	StatusPreempted:        {},
	StatusTimeout:          {},
	StatusBootFail:         {},
	StatusNodeFail:         {},
	StatusRevoked:          {},
	StatusSpecialExit:      {},
}

// Base strips scheduler qualifiers from a status: the trailing "+" sacct
// appends to truncated or step-qualified states, and the " by <uid>" tail
// of cancellations.
func (s Status) Base() Status {
	str := strings.TrimSpace(string(s))
	if i := strings.IndexByte(str, ' '); i >= 0 {
		str = str[:i]
	}
	return Status(strings.TrimRight(str, "+"))
}

// Qualified reports whether the status carries a qualifier suffix.
func (s Status) Qualified() bool {
	return s != s.Base()
}

// IsFailure reports whether the status is one of the terminal failure variants.
func (s Status) IsFailure() bool {
	_, ok := failureStates[s.Base()]
	return ok
}

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	return s.Base() == StatusCompleted || s.IsFailure()
}

// activeStates are the non-terminal scheduler states.
var activeStates = map[Status]struct{}{
	StatusPending:     {},
	StatusRunning:     {},
	StatusCompleting:  {},
	StatusConfiguring: {},
	StatusRequeued:    {},
	StatusResizing:    {},
	StatusSuspended:   {},
	StatusStopped:     {},
}

// Known reports whether the base status belongs to the scheduler vocabulary.
func (s Status) Known() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := activeStates[s.Base()]
	return ok
}

// Record is one data row of an accounting query.
type Record struct {
	ID     JobID  `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
}
