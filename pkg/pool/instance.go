package pool

import (
	"time"

	"github.com/entrhq/browserd/pkg/browser"
)

// State is the lifecycle state of a pooled browser instance.
//
// launching -> healthy <-> draining -> terminated, with crashed
// reachable from healthy at any time and always followed by
// terminated once replacement has been triggered.
type State string

const (
	StateLaunching  State = "launching"
	StateHealthy    State = "healthy"
	StateDraining   State = "draining"
	StateCrashed    State = "crashed"
	StateTerminated State = "terminated"
)

// instance is the manager's bookkeeping record for one live browser
// process. It is only ever touched while holding the manager's mutex.
type instance struct {
	id         string
	inst       browser.Instance
	state      State
	launchedAt time.Time

	// activeContexts counts currently leased contexts; jobsServed
	// counts every lease ever granted, for recycling after
	// MaxJobsPerInstance.
	activeContexts int
	jobsServed     int

	// probeFailures counts consecutive failed liveness probes.
	probeFailures int
}

// InstanceInfo is a point-in-time snapshot of one instance, exposed
// for health reporting and metrics.
type InstanceInfo struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	LaunchedAt     time.Time `json:"launched_at"`
	ActiveContexts int       `json:"active_contexts"`
	JobsServed     int       `json:"jobs_served"`
}

// EventKind classifies pool events.
type EventKind string

const (
	// EventLaunched means a new instance joined the pool.
	EventLaunched EventKind = "launched"

	// EventReleased means a context lease was returned, freeing
	// capacity.
	EventReleased EventKind = "released"

	// EventCrashed means an instance died; jobs running on it must be
	// failed or re-enqueued by the scheduler.
	EventCrashed EventKind = "crashed"

	// EventRetired means a drained instance was terminated after its
	// last context closed.
	EventRetired EventKind = "retired"
)

// Event is published on the manager's event channel. The scheduler
// treats every event as a dispatch wake-up and handles crashes
// specially.
type Event struct {
	Kind       EventKind
	InstanceID string
}
