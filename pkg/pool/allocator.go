package pool

import (
	"sync"

	"github.com/entrhq/browserd/pkg/browser"
)

// Lease is a scoped acquisition of one isolated browsing context.
// Callers must call Close on every exit path; Close is exactly-once
// and never fails the caller, even when the owning instance has
// already crashed.
type Lease struct {
	m          *Manager
	instanceID string
	bctx       browser.Context
	once       sync.Once
}

// Context returns the isolated browsing context held by this lease.
func (l *Lease) Context() browser.Context { return l.bctx }

// InstanceID identifies the instance serving this lease. The scheduler
// uses it to correlate running jobs with crash events.
func (l *Lease) InstanceID() string { return l.instanceID }

// Close destroys the browsing context and returns the instance slot to
// the pool. Subsequent calls are no-ops.
func (l *Lease) Close() {
	l.once.Do(func() {
		if err := l.bctx.Close(); err != nil {
			// A context on a crashed instance cannot be closed cleanly;
			// the slot is still returned.
			l.m.log.Debugf("error closing context on %s: %v", l.instanceID, err)
		}
		l.m.release(l.instanceID)
	})
}
