package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/browser/browsertest"
	"github.com/entrhq/browserd/pkg/executor"
	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/pool"
)

type engine struct {
	rt    *browsertest.Runtime
	mgr   *pool.Manager
	sched *Scheduler
}

func poolConfig(size, contexts int) pool.Config {
	return pool.Config{
		MaxPoolSize:            size,
		MaxContextsPerInstance: contexts,
		MaxJobsPerInstance:     1000,
		LaunchBackoff:          time.Millisecond,
	}
}

func schedConfig() Config {
	return Config{
		MaxQueueLength:    10,
		QueueWaitTimeout:  2 * time.Second,
		DefaultJobTimeout: 2 * time.Second,
	}
}

func newEngine(t *testing.T, pcfg pool.Config, cfg Config) *engine {
	t.Helper()
	log := logging.NewLogger("scheduler-test", logging.LevelError)
	rt := browsertest.NewRuntime()
	rt.AddPage("https://example.com", &browsertest.Page{Title: "Example Domain"})

	mgr := pool.NewManager(rt, pcfg, log)
	exec := executor.New(executor.Config{DefaultActionTimeout: 50 * time.Millisecond}, log)
	s := New(cfg, mgr, exec, log)
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		mgr.Close()
	})
	return &engine{rt: rt, mgr: mgr, sched: s}
}

func delayJob(d time.Duration) *job.Job {
	return job.New([]job.Action{
		{Kind: job.ActionWait, Wait: &job.WaitCondition{Delay: d}},
	})
}

func navJob() *job.Job {
	return job.New([]job.Action{
		{Kind: job.ActionNavigate, URL: "https://example.com"},
		{Kind: job.ActionExtract, Extract: &job.ExtractSpec{Kind: job.ExtractTitle}},
	})
}

func mustWait(t *testing.T, s *Scheduler, id string) *job.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return &res
}

// waitForRunning blocks until n jobs are executing and their leases are
// live.
func (e *engine) waitForRunning(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.sched.Running() == n && e.rt.OpenContexts() == n
	}, 2*time.Second, time.Millisecond)
	// Leases exist; give runJob a beat to record instance IDs.
	time.Sleep(10 * time.Millisecond)
}

func TestSubmitAndWait(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	id, err := e.sched.Submit(navJob())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res := mustWait(t, e.sched, id)
	assert.True(t, res.Succeeded())
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "Example Domain", res.Outputs[1].Data)

	snap, err := e.sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Result)
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())
	_, err := e.sched.Submit(job.New(nil))
	require.Error(t, err)
	assert.Equal(t, 0, e.sched.QueueDepth(), "rejected submission leaves no trace")
}

func TestSingleSlotRunsJobsSequentially(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	id1, err := e.sched.Submit(delayJob(30 * time.Millisecond))
	require.NoError(t, err)
	id2, err := e.sched.Submit(delayJob(30 * time.Millisecond))
	require.NoError(t, err)

	res1 := mustWait(t, e.sched, id1)
	res2 := mustWait(t, e.sched, id2)

	// Both jobs complete; contention never surfaces to the caller.
	assert.True(t, res1.Succeeded())
	assert.True(t, res2.Succeeded())
	assert.Equal(t, 1, e.rt.Launches())
	assert.Equal(t, 2, e.rt.ContextsOpened())
	assert.Equal(t, 0, e.rt.OpenContexts())
}

func TestHigherPriorityDispatchesFirst(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	blocker, err := e.sched.Submit(delayJob(100 * time.Millisecond))
	require.NoError(t, err)
	e.waitForRunning(t, 1)

	low := delayJob(5 * time.Millisecond)
	low.Priority = job.PriorityLow
	lowID, err := e.sched.Submit(low)
	require.NoError(t, err)

	high := delayJob(5 * time.Millisecond)
	high.Priority = job.PriorityHigh
	highID, err := e.sched.Submit(high)
	require.NoError(t, err)

	mustWait(t, e.sched, blocker)
	lowRes := mustWait(t, e.sched, lowID)
	highRes := mustWait(t, e.sched, highID)

	assert.True(t, lowRes.Succeeded())
	assert.True(t, highRes.Succeeded())
	assert.True(t, highRes.Started.Before(lowRes.Started),
		"high priority job submitted later must start first")
}

func TestFIFOWithinPriorityClass(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	blocker, err := e.sched.Submit(delayJob(100 * time.Millisecond))
	require.NoError(t, err)
	e.waitForRunning(t, 1)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.sched.Submit(delayJob(5 * time.Millisecond))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	mustWait(t, e.sched, blocker)
	var started []time.Time
	for _, id := range ids {
		res := mustWait(t, e.sched, id)
		require.True(t, res.Succeeded())
		started = append(started, res.Started)
	}

	assert.True(t, started[0].Before(started[1]))
	assert.True(t, started[1].Before(started[2]))
}

func TestAdmissionControlSaturates(t *testing.T) {
	cfg := schedConfig()
	cfg.MaxQueueLength = 2
	e := newEngine(t, poolConfig(1, 1), cfg)

	blocker, err := e.sched.Submit(delayJob(200 * time.Millisecond))
	require.NoError(t, err)
	e.waitForRunning(t, 1)

	var queued []string
	for i := 0; i < 2; i++ {
		id, err := e.sched.Submit(delayJob(5 * time.Millisecond))
		require.NoError(t, err, "backlog below the cap admits")
		queued = append(queued, id)
	}
	assert.Equal(t, 2, e.sched.QueueDepth())

	_, err = e.sched.Submit(delayJob(5 * time.Millisecond))
	assert.ErrorIs(t, err, job.ErrQueueSaturated)

	// Saturation is transient: the backlog drains and admitted jobs
	// still complete.
	mustWait(t, e.sched, blocker)
	for _, id := range queued {
		assert.True(t, mustWait(t, e.sched, id).Succeeded())
	}
}

func TestQueueWaitTimeout(t *testing.T) {
	cfg := schedConfig()
	cfg.QueueWaitTimeout = 40 * time.Millisecond
	e := newEngine(t, poolConfig(1, 1), cfg)

	blocker, err := e.sched.Submit(delayJob(300 * time.Millisecond))
	require.NoError(t, err)
	e.waitForRunning(t, 1)

	id, err := e.sched.Submit(delayJob(5 * time.Millisecond))
	require.NoError(t, err)

	res := mustWait(t, e.sched, id)
	assert.Equal(t, job.StatusFailed, res.Status)
	assert.Equal(t, job.KindQueueTimeout, res.ErrKind)

	assert.True(t, mustWait(t, e.sched, blocker).Succeeded())
}

func TestCancelQueuedJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	blocker, err := e.sched.Submit(delayJob(150 * time.Millisecond))
	require.NoError(t, err)
	e.waitForRunning(t, 1)

	id, err := e.sched.Submit(delayJob(5 * time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, e.sched.Cancel(id))

	res := mustWait(t, e.sched, id)
	assert.Equal(t, job.StatusCancelled, res.Status)
	assert.Equal(t, job.KindCancelled, res.ErrKind)
	assert.Equal(t, 0, e.sched.QueueDepth())

	assert.True(t, mustWait(t, e.sched, blocker).Succeeded())
}

func TestCancelRunningJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	id, err := e.sched.Submit(delayJob(2 * time.Second))
	require.NoError(t, err)
	e.waitForRunning(t, 1)

	require.NoError(t, e.sched.Cancel(id))
	res := mustWait(t, e.sched, id)
	assert.Equal(t, job.StatusCancelled, res.Status)

	require.Eventually(t, func() bool { return e.rt.OpenContexts() == 0 },
		2*time.Second, time.Millisecond, "cancelled job must release its context")
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())
	id, err := e.sched.Submit(navJob())
	require.NoError(t, err)
	mustWait(t, e.sched, id)

	require.NoError(t, e.sched.Cancel(id))
	snap, err := e.sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, snap.Status)
}

func TestUnknownJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	_, err := e.sched.Get("nope")
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.ErrorIs(t, e.sched.Cancel("nope"), job.ErrNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.sched.Wait(ctx, "nope")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestCrashFailsRunningJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())
	log := logging.NewLogger("scheduler-test", logging.LevelError)
	mon := pool.NewMonitor(e.mgr, 5*time.Millisecond, 1, log)
	mon.Start()
	t.Cleanup(mon.Stop)

	id, err := e.sched.Submit(delayJob(2 * time.Second))
	require.NoError(t, err)
	e.waitForRunning(t, 1)

	e.rt.Instances()[0].Crash()

	res := mustWait(t, e.sched, id)
	assert.Equal(t, job.StatusFailed, res.Status)
	assert.Equal(t, job.KindCrash, res.ErrKind)
	assert.Contains(t, res.Err, "crashed")

	// The pool replaces the instance and keeps serving.
	next, err := e.sched.Submit(navJob())
	require.NoError(t, err)
	assert.True(t, mustWait(t, e.sched, next).Succeeded())
	assert.GreaterOrEqual(t, e.rt.Launches(), 2)
}

func TestCrashRequeuesIdempotentJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	var calls int32
	e.rt.SetNavigateHook(func(url string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return browser.ErrClosed
		}
		return nil
	})

	j := navJob()
	j.Idempotent = true
	id, err := e.sched.Submit(j)
	require.NoError(t, err)

	res := mustWait(t, e.sched, id)
	assert.True(t, res.Succeeded(), "idempotent job survives the crash: %s", res.Err)
	assert.Equal(t, "Example Domain", res.Outputs[1].Data)
	assert.Equal(t, 2, e.rt.Launches(), "job re-ran on a replacement instance")
}

func TestCrashFailsNonIdempotentJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	var calls int32
	e.rt.SetNavigateHook(func(url string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return browser.ErrClosed
		}
		return nil
	})

	id, err := e.sched.Submit(navJob())
	require.NoError(t, err)

	res := mustWait(t, e.sched, id)
	assert.Equal(t, job.StatusFailed, res.Status)
	assert.Equal(t, job.KindCrash, res.ErrKind)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "non-idempotent job is not re-run")
}

func TestJobTimeoutWhileLaunching(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())
	e.rt.SetLaunchDelay(300 * time.Millisecond)

	j := navJob()
	j.Timeout = 30 * time.Millisecond
	id, err := e.sched.Submit(j)
	require.NoError(t, err)

	res := mustWait(t, e.sched, id)
	assert.Equal(t, job.StatusTimedOut, res.Status)
	assert.Equal(t, job.KindTimeout, res.ErrKind)
	assert.False(t, e.mgr.Degraded(), "a slow launch under a short job timeout is not a pool failure")
}

func TestLeaseOnCrashedInstanceRequeuesIdempotentJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	// Warm the pool, then kill the process behind the pool's back so
	// the next lease discovers the crash at context creation.
	warm, err := e.sched.Submit(navJob())
	require.NoError(t, err)
	require.True(t, mustWait(t, e.sched, warm).Succeeded())
	e.rt.Instances()[0].Crash()

	j := navJob()
	j.Idempotent = true
	id, err := e.sched.Submit(j)
	require.NoError(t, err)

	res := mustWait(t, e.sched, id)
	assert.True(t, res.Succeeded(), "idempotent job re-runs on a replacement: %s", res.Err)
	assert.Equal(t, "Example Domain", res.Outputs[1].Data)
	assert.Equal(t, 2, e.rt.Launches())
}

func TestLeaseOnCrashedInstanceFailsNonIdempotentJob(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	warm, err := e.sched.Submit(navJob())
	require.NoError(t, err)
	require.True(t, mustWait(t, e.sched, warm).Succeeded())
	e.rt.Instances()[0].Crash()

	id, err := e.sched.Submit(navJob())
	require.NoError(t, err)

	res := mustWait(t, e.sched, id)
	assert.Equal(t, job.StatusFailed, res.Status)
	assert.Equal(t, job.KindCrash, res.ErrKind)
}

func TestConcurrencyNeverExceedsCapacity(t *testing.T) {
	e := newEngine(t, poolConfig(2, 2), schedConfig())

	stop := make(chan struct{})
	var peak int32
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if n := int32(e.rt.OpenContexts()); n > atomic.LoadInt32(&peak) {
					atomic.StoreInt32(&peak, n)
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := e.sched.Submit(delayJob(20 * time.Millisecond))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.True(t, mustWait(t, e.sched, id).Succeeded())
	}
	close(stop)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4),
		"open contexts must stay within pool capacity")
	assert.LessOrEqual(t, e.rt.Launches(), 2)
}

func TestStopDrainsEverything(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())

	running, err := e.sched.Submit(delayJob(2 * time.Second))
	require.NoError(t, err)
	e.waitForRunning(t, 1)

	queued, err := e.sched.Submit(delayJob(5 * time.Millisecond))
	require.NoError(t, err)

	e.sched.Stop()

	res := mustWait(t, e.sched, running)
	assert.Equal(t, job.StatusCancelled, res.Status)
	res = mustWait(t, e.sched, queued)
	assert.Equal(t, job.StatusCancelled, res.Status)

	_, err = e.sched.Submit(navJob())
	require.Error(t, err)
	assert.Equal(t, 0, e.rt.OpenContexts())
}

func TestOnCompleteHook(t *testing.T) {
	e := newEngine(t, poolConfig(1, 1), schedConfig())
	results := make(chan job.Result, 1)
	e.sched.SetOnComplete(func(res job.Result) { results <- res })

	id, err := e.sched.Submit(navJob())
	require.NoError(t, err)
	mustWait(t, e.sched, id)

	select {
	case res := <-results:
		assert.Equal(t, job.StatusSucceeded, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("completion hook was never invoked")
	}
}

func TestResultRetention(t *testing.T) {
	cfg := schedConfig()
	cfg.ResultRetention = 30 * time.Millisecond
	e := newEngine(t, poolConfig(1, 1), cfg)

	id, err := e.sched.Submit(navJob())
	require.NoError(t, err)
	mustWait(t, e.sched, id)

	require.Eventually(t, func() bool {
		_, err := e.sched.Get(id)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond, "terminal result should age out")
}
