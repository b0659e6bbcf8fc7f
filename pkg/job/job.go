package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job.
//
// queued -> running -> {succeeded, failed, cancelled, timed_out}
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Priority orders jobs in the queue. Higher values dispatch first;
// within a priority class jobs dispatch in submission order.
type Priority int

const (
	PriorityLow    Priority = -10
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// Job is one client-submitted unit of automation work.
type Job struct {
	ID      string
	Actions []Action

	Priority Priority

	// Timeout bounds the whole job once it starts running. Zero means
	// the configured per-job default.
	Timeout time.Duration

	// Idempotent jobs are safe to re-run; after an instance crash they
	// are re-enqueued at their original priority instead of failing
	// permanently.
	Idempotent bool
}

// New creates a job with a fresh identity.
func New(actions []Action) *Job {
	return &Job{
		ID:      uuid.New().String(),
		Actions: actions,
	}
}

// Validate checks the job and every action in its sequence.
func (j *Job) Validate() error {
	if len(j.Actions) == 0 {
		return fmt.Errorf("job has no actions")
	}
	for i, a := range j.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Output is the result of one executed action.
type Output struct {
	Index int        `json:"index"`
	Kind  ActionKind `json:"kind"`

	// Data holds textual output (extracted values, navigation URL).
	Data string `json:"data,omitempty"`

	// Binary holds capture artifacts; JSON-encoded as base64.
	Binary []byte `json:"binary,omitempty"`

	// Err is set for optional actions that failed but did not abort
	// the job.
	Err string `json:"error,omitempty"`
}

// Result is the terminal outcome of a job.
type Result struct {
	Status Status `json:"status"`

	// Outputs are the per-action outputs produced before the job
	// finished, in action order. On failure they cover the actions
	// that completed before the failing one.
	Outputs []Output `json:"outputs,omitempty"`

	// Err and ErrKind describe the failure for non-succeeded jobs.
	// FailedAction is the index of the failing action, or -1 when the
	// failure was not tied to a specific action.
	Err          string `json:"error,omitempty"`
	ErrKind      string `json:"error_kind,omitempty"`
	FailedAction int    `json:"failed_action"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Succeeded reports whether the job completed all actions.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSucceeded
}
