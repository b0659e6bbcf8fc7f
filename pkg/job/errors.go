package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for capacity and admission failures. They carry no
// job state; callers either retry later or rely on queueing.
var (
	// ErrPoolExhausted means no instance had spare capacity and the
	// pool is already at its maximum size.
	ErrPoolExhausted = errors.New("browser pool exhausted")

	// ErrContextExhausted means the targeted instance is already
	// serving its maximum number of concurrent contexts.
	ErrContextExhausted = errors.New("instance context capacity exhausted")

	// ErrQueueSaturated means the submission was rejected because the
	// backlog is full. No resources were allocated.
	ErrQueueSaturated = errors.New("job queue saturated")

	// ErrQueueTimeout means the job waited in the queue longer than
	// the configured limit and was never dispatched.
	ErrQueueTimeout = errors.New("timed out waiting in queue")

	// ErrNotFound means the referenced job is unknown.
	ErrNotFound = errors.New("job not found")
)

// LaunchError reports that a browser instance failed to start after
// exhausting launch retries. It is service-level: the pool is degraded
// until a launch succeeds again.
type LaunchError struct {
	Attempts int
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("browser launch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ActionError reports that a specific automation step failed or timed
// out, aborting the job.
type ActionError struct {
	Index int
	Kind  ActionKind
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Index, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// CrashError reports that the browser instance serving a job died
// mid-flight. Idempotent jobs are re-enqueued; others fail permanently.
type CrashError struct {
	InstanceID string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("browser instance %s crashed", e.InstanceID)
}

// Error kind labels surfaced in job results and API responses. They
// let clients distinguish retryable transient conditions from
// permanent ones without parsing error text.
const (
	KindLaunch           = "launch_error"
	KindPoolExhausted    = "pool_exhausted"
	KindContextExhausted = "context_exhausted"
	KindAction           = "action_error"
	KindCrash            = "crash_error"
	KindQueueSaturated   = "queue_saturated"
	KindQueueTimeout     = "queue_timeout"
	KindCancelled        = "cancelled"
	KindTimeout          = "job_timeout"
	KindInternal         = "internal"
)

// ErrKind classifies an error into its taxonomy label.
func ErrKind(err error) string {
	var launchErr *LaunchError
	var actionErr *ActionError
	var crashErr *CrashError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &launchErr):
		return KindLaunch
	case errors.As(err, &actionErr):
		return KindAction
	case errors.As(err, &crashErr):
		return KindCrash
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, ErrContextExhausted):
		return KindContextExhausted
	case errors.Is(err, ErrQueueSaturated):
		return KindQueueSaturated
	case errors.Is(err, ErrQueueTimeout):
		return KindQueueTimeout
	default:
		return KindInternal
	}
}
