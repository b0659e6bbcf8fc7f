package pool

import (
	"time"

	"github.com/entrhq/browserd/pkg/logging"
)

// Monitor drives periodic liveness probing of pool instances. The
// probing itself mutates state through the Manager; the monitor only
// owns the cadence, so crash handling stays serialized with every
// other pool mutation.
type Monitor struct {
	mgr       *Manager
	interval  time.Duration
	threshold int
	log       *logging.Logger

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a health monitor. An instance is declared crashed
// after threshold consecutive failed probes.
func NewMonitor(mgr *Manager, interval time.Duration, threshold int, log *logging.Logger) *Monitor {
	return &Monitor{
		mgr:       mgr,
		interval:  interval,
		threshold: threshold,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins probing in a background goroutine.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Infof("health monitor started, interval=%s threshold=%d", m.interval, m.threshold)
	for {
		select {
		case <-ticker.C:
			m.mgr.probe(m.threshold)
		case <-m.stop:
			return
		}
	}
}

// Stop halts probing and waits for the monitor goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}
