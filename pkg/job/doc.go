// Package job defines the domain model for browser automation jobs.
//
// A Job is one client-submitted unit of work: an ordered sequence of
// Actions executed against a single isolated browser context. Actions
// form a closed tagged-variant type (navigate, wait, interact,
// extract, capture) so that every consumer can handle the full
// vocabulary exhaustively, with defined timeout and error semantics
// per kind.
//
// The package also defines the error taxonomy shared by the pool,
// scheduler, and executor. Sentinel errors cover capacity and
// admission failures (ErrPoolExhausted, ErrContextExhausted,
// ErrQueueSaturated, ErrQueueTimeout); structured errors carry
// job-level detail (ActionError records the failing action index,
// CrashError the instance that died, LaunchError the attempt count).
package job
