package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/logging"
)

// Config bounds the pool. All fields must be positive except
// MaxLaunchRetries, which may be zero to disable retrying.
type Config struct {
	MaxPoolSize            int
	MaxContextsPerInstance int
	MaxJobsPerInstance     int
	MaxLaunchRetries       int
	LaunchBackoff          time.Duration
	MaxLaunchBackoff       time.Duration

	// ContextOptions are applied to every leased context.
	ContextOptions browser.ContextOptions
}

// Manager is the single coordinator for all pool state. Every
// mutation of instance bookkeeping passes through its mutex.
type Manager struct {
	cfg     Config
	runtime browser.Runtime
	log     *logging.Logger

	mu        sync.Mutex
	instances map[string]*instance
	launching int
	degraded  bool
	closed    bool

	events chan Event
}

// NewManager creates a pool manager. No instances are launched until
// the first lease asks for one; the engine is stateless across
// restarts.
func NewManager(runtime browser.Runtime, cfg Config, log *logging.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		runtime:   runtime,
		log:       log,
		instances: make(map[string]*instance),
		events:    make(chan Event, 64),
	}
}

// Events returns the pool's event stream. The channel is closed by
// Close.
func (m *Manager) Events() <-chan Event { return m.events }

// emitLocked publishes an event without ever blocking the coordinator.
func (m *Manager) emitLocked(ev Event) {
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.log.Warnf("pool event channel full, dropping %s for %s", ev.Kind, ev.InstanceID)
	}
}

// Lease allocates an isolated browsing context on a healthy instance
// with spare capacity, launching a new instance when the pool is below
// its maximum size. It returns job.ErrPoolExhausted when every slot is
// taken and *job.LaunchError when a required launch failed after
// retries.
func (m *Manager) Lease(ctx context.Context) (*Lease, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, browser.ErrClosed
	}

	// Prefer the healthy instance with the fewest active contexts so
	// load spreads across processes.
	var best *instance
	for _, e := range m.instances {
		if e.state != StateHealthy || e.activeContexts >= m.cfg.MaxContextsPerInstance {
			continue
		}
		if best == nil || e.activeContexts < best.activeContexts {
			best = e
		}
	}
	if best != nil {
		best.activeContexts++
		best.jobsServed++
		m.mu.Unlock()
		return m.newLease(ctx, best.id, best.inst)
	}

	if len(m.instances)+m.launching >= m.cfg.MaxPoolSize {
		m.mu.Unlock()
		return nil, job.ErrPoolExhausted
	}
	m.launching++
	m.mu.Unlock()

	// The new instance is registered with this lease's slot already
	// reserved, so concurrent leases cannot oversubscribe it.
	e, err := m.launch(ctx, true)
	if err != nil {
		return nil, err
	}
	return m.newLease(ctx, e.id, e.inst)
}

// LeaseOn allocates a context on a specific instance. It returns
// job.ErrContextExhausted when that instance is already serving its
// maximum number of concurrent contexts.
func (m *Manager) LeaseOn(ctx context.Context, instanceID string) (*Lease, error) {
	m.mu.Lock()
	e, ok := m.instances[instanceID]
	if !ok || e.state != StateHealthy {
		m.mu.Unlock()
		return nil, fmt.Errorf("instance %s is not available", instanceID)
	}
	if e.activeContexts >= m.cfg.MaxContextsPerInstance {
		m.mu.Unlock()
		return nil, job.ErrContextExhausted
	}
	e.activeContexts++
	e.jobsServed++
	m.mu.Unlock()
	return m.newLease(ctx, e.id, e.inst)
}

// newLease creates the browser context for an already-reserved slot.
// On failure the slot is returned and a dead instance is recycled.
func (m *Manager) newLease(ctx context.Context, id string, inst browser.Instance) (*Lease, error) {
	bctx, err := inst.NewContext(ctx, m.cfg.ContextOptions)
	if err != nil {
		m.release(id)
		if errors.Is(err, browser.ErrClosed) {
			m.MarkCrashed(id)
		}
		return nil, fmt.Errorf("failed to create context on %s: %w", id, err)
	}
	return &Lease{m: m, instanceID: id, bctx: bctx}, nil
}

// launch starts one browser process with capped exponential backoff.
// Exhausting the retries marks the pool degraded; caller cancellation
// returns the context error without touching the degraded flag. With
// reserve set the instance is registered with one context slot already
// taken by the caller.
func (m *Manager) launch(ctx context.Context, reserve bool) (*instance, error) {
	var lastErr error
	backoff := m.cfg.LaunchBackoff
	attempts := m.cfg.MaxLaunchRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		inst, err := m.runtime.Launch(ctx)
		if err == nil {
			e := &instance{
				id:         inst.ID(),
				inst:       inst,
				state:      StateHealthy,
				launchedAt: time.Now(),
			}
			if reserve {
				e.activeContexts = 1
				e.jobsServed = 1
			}
			m.mu.Lock()
			m.launching--
			m.instances[e.id] = e
			m.degraded = false
			m.emitLocked(Event{Kind: EventLaunched, InstanceID: e.id})
			m.mu.Unlock()
			m.log.Infof("launched browser instance %s (attempt %d)", e.id, attempt)
			return e, nil
		}

		// The caller going away is not a launch failure: hand back the
		// reserved slot and let the context error propagate.
		if ctx.Err() != nil {
			m.mu.Lock()
			m.launching--
			m.mu.Unlock()
			return nil, ctx.Err()
		}

		lastErr = err
		m.log.Warnf("browser launch attempt %d/%d failed: %v", attempt, attempts, err)

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.mu.Lock()
			m.launching--
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		backoff *= 2
		if m.cfg.MaxLaunchBackoff > 0 && backoff > m.cfg.MaxLaunchBackoff {
			backoff = m.cfg.MaxLaunchBackoff
		}
	}

	m.mu.Lock()
	m.launching--
	m.degraded = true
	m.mu.Unlock()
	m.log.Errorf("pool degraded: browser launch failed after %d attempts: %v", attempts, lastErr)
	return nil, &job.LaunchError{Attempts: attempts, Err: lastErr}
}

// release returns a context slot. Instances past their job quota are
// drained and retired once their last context closes.
func (m *Manager) release(id string) {
	m.mu.Lock()
	e, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if e.activeContexts > 0 {
		e.activeContexts--
	}
	if e.state == StateHealthy && e.jobsServed >= m.cfg.MaxJobsPerInstance {
		e.state = StateDraining
		m.log.Infof("instance %s served %d jobs, draining", id, e.jobsServed)
	}

	var retired browser.Instance
	if e.state == StateDraining && e.activeContexts == 0 {
		delete(m.instances, id)
		e.state = StateTerminated
		retired = e.inst
		m.emitLocked(Event{Kind: EventRetired, InstanceID: id})
	}
	m.emitLocked(Event{Kind: EventReleased, InstanceID: id})
	m.mu.Unlock()

	if retired != nil {
		if err := retired.Close(); err != nil {
			m.log.Warnf("error closing retired instance %s: %v", id, err)
		}
	}
}

// MarkCrashed retires a crashed instance and triggers its replacement.
// It is idempotent; the health monitor and lease failures may both
// report the same crash.
func (m *Manager) MarkCrashed(id string) {
	m.mu.Lock()
	e, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.state = StateCrashed
	delete(m.instances, id)
	m.emitLocked(Event{Kind: EventCrashed, InstanceID: id})
	closed := m.closed
	m.mu.Unlock()

	m.log.Warnf("instance %s crashed, recycling", id)
	if err := e.inst.Close(); err != nil {
		m.log.Debugf("error closing crashed instance %s: %v", id, err)
	}
	e.state = StateTerminated

	if !closed {
		go m.replace()
	}
}

// replace launches a replacement instance after a crash, capacity
// permitting. Failures leave the pool degraded; the next lease will
// retry.
func (m *Manager) replace() {
	m.mu.Lock()
	if m.closed || len(m.instances)+m.launching >= m.cfg.MaxPoolSize {
		m.mu.Unlock()
		return
	}
	m.launching++
	m.mu.Unlock()

	if _, err := m.launch(context.Background(), false); err != nil {
		m.log.Errorf("failed to launch replacement instance: %v", err)
	}
}

// FreeSlots reports how many more contexts the pool could serve right
// now, counting unlaunched capacity.
func (m *Manager) FreeSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := 0
	for _, e := range m.instances {
		if e.state == StateHealthy {
			free += m.cfg.MaxContextsPerInstance - e.activeContexts
		}
	}
	if spare := m.cfg.MaxPoolSize - len(m.instances) - m.launching; spare > 0 {
		free += spare * m.cfg.MaxContextsPerInstance
	}
	return free
}

// Capacity is the upper bound on concurrently running jobs.
func (m *Manager) Capacity() int {
	return m.cfg.MaxPoolSize * m.cfg.MaxContextsPerInstance
}

// Degraded reports whether the last required launch failed after
// exhausting its retries. It resets on the next successful launch.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Instances returns a snapshot of all live instances.
func (m *Manager) Instances() []InstanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]InstanceInfo, 0, len(m.instances))
	for _, e := range m.instances {
		infos = append(infos, InstanceInfo{
			ID:             e.id,
			State:          e.state,
			LaunchedAt:     e.launchedAt,
			ActiveContexts: e.activeContexts,
			JobsServed:     e.jobsServed,
		})
	}
	return infos
}

// probe checks every healthy instance's liveness once. Instances that
// fail threshold consecutive probes are marked crashed. Called by the
// health monitor on its interval.
func (m *Manager) probe(threshold int) {
	m.mu.Lock()
	type probeTarget struct {
		id   string
		inst browser.Instance
	}
	targets := make([]probeTarget, 0, len(m.instances))
	for _, e := range m.instances {
		if e.state == StateHealthy || e.state == StateDraining {
			targets = append(targets, probeTarget{e.id, e.inst})
		}
	}
	m.mu.Unlock()

	var crashed []string
	for _, t := range targets {
		alive := t.inst.Connected()
		m.mu.Lock()
		e, ok := m.instances[t.id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		if alive {
			e.probeFailures = 0
		} else {
			e.probeFailures++
			if e.probeFailures >= threshold {
				crashed = append(crashed, t.id)
			}
		}
		m.mu.Unlock()
	}

	for _, id := range crashed {
		m.MarkCrashed(id)
	}
}

// Close terminates every instance and closes the event stream. Leases
// still open will close their contexts against dead instances, which
// is tolerated.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	insts := make([]browser.Instance, 0, len(m.instances))
	for id, e := range m.instances {
		e.state = StateTerminated
		insts = append(insts, e.inst)
		delete(m.instances, id)
	}
	close(m.events)
	m.mu.Unlock()

	for _, inst := range insts {
		if err := inst.Close(); err != nil {
			m.log.Debugf("error closing instance on shutdown: %v", err)
		}
	}
}
