package queue

import "strings"

// Status is the normalized lifecycle status of a remote job.
//
// Schedulers report a much richer state vocabulary; ParseState folds it into
// this six-value enum and the verbatim token is kept in Observation.RawState.
//
// NOTE: These values appear in exported event logs and in the registry state
// file and are part of the stable on-disk contract.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// Terminal reports whether the status ends a job's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Rank orders statuses along the expected lifecycle progression:
// Pending before Running before any terminal status. Unknown sits outside
// the order and ranks zero; moves into or out of Unknown carry no ordering
// information and must not be treated as regressions.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	}
	return 0
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// ParseState folds a raw scheduler state token into a Status.
//
// Cancellations may be reported as "CANCELLED by <uid>"; the suffix is
// stripped before matching. Failure-class states that SLURM distinguishes
// (TIMEOUT, NODE_FAIL, OUT_OF_MEMORY, ...) all fold to StatusFailed; the
// original token stays available to callers via Observation.RawState.
// Unrecognized tokens map to StatusUnknown.
func ParseState(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if strings.HasPrefix(s, "CANCELLED") {
		return StatusCancelled
	}
	switch s {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD":
		return StatusPending
	case "RUNNING", "COMPLETING", "SUSPENDED", "STAGE_OUT", "SIGNALING":
		return StatusRunning
	case "COMPLETED":
		return StatusCompleted
	case "FAILED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "BOOT_FAIL", "DEADLINE", "PREEMPTED":
		return StatusFailed
	}
	return StatusUnknown
}
