// Package pool owns the set of live browser instances and carves
// isolated contexts out of them for individual jobs.
//
// All pool state lives behind one mutex-owned Manager; launch,
// acquire, release, and recycle decisions are serialized through it so
// they can never race. Jobs interact with the pool exclusively through
// leases: a Lease couples one isolated browsing context to the
// instance serving it and guarantees exactly-once cleanup on every
// exit path.
//
// Crash detection is the Monitor's job. It probes instance liveness on
// a fixed interval and, past the failure threshold, marks the instance
// crashed. Crashes and capacity changes are published as Events on a
// channel; the scheduler consumes them to fail or re-enqueue affected
// jobs and to wake its dispatch loop. The executor never diagnoses
// crashes itself.
package pool
