// Package scheduler admits, queues, and dispatches automation jobs.
//
// Submissions pass admission control (a hard backlog cap), wait in a
// priority queue (FIFO within a class), and dispatch whenever the pool
// reports spare capacity. Three nested timeouts apply: the queue-wait
// timeout before dispatch, the per-job timeout once running, and the
// per-action timeout inside the executor. Crash events from the pool's
// health monitor fail affected jobs with CrashError; idempotent jobs
// are re-enqueued at their original priority.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/executor"
	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/pool"
)

// Config bounds admission and dispatch.
type Config struct {
	MaxQueueLength    int
	QueueWaitTimeout  time.Duration
	DefaultJobTimeout time.Duration

	// ResultRetention keeps terminal jobs available for polling before
	// they are dropped from the registry. Zero keeps them forever.
	ResultRetention time.Duration

	// OnComplete, when set, is invoked with every terminal result.
	// Used to feed metrics.
	OnComplete func(job.Result)
}

// record tracks one job through its lifecycle. Mutable fields are
// guarded by the scheduler's mutex.
type record struct {
	job    *job.Job
	status job.Status
	result *job.Result

	seq        uint64
	enqueuedAt time.Time
	heapIndex  int

	// Set while running.
	cancel     context.CancelCauseFunc
	instanceID string

	queueTimer *time.Timer
	done       chan struct{}
}

// Snapshot is a point-in-time view of one job for polling clients.
type Snapshot struct {
	ID     string      `json:"id"`
	Status job.Status  `json:"status"`
	Result *job.Result `json:"result,omitempty"`
}

// Scheduler coordinates the queue, the pool, and the executor.
type Scheduler struct {
	cfg  Config
	pool *pool.Manager
	exec *executor.Executor
	log  *logging.Logger

	mu      sync.Mutex
	queue   jobQueue
	records map[string]*record
	seq     uint64
	running int
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. Call Start before submitting.
func New(cfg Config, p *pool.Manager, exec *executor.Executor, log *logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		pool:    p,
		exec:    exec,
		log:     log,
		records: make(map[string]*record),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetOnComplete installs the completion hook. Must be called before
// Start.
func (s *Scheduler) SetOnComplete(fn func(job.Result)) {
	s.cfg.OnComplete = fn
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop drains the scheduler: no new submissions are accepted, running
// jobs are cancelled, and Stop blocks until every job goroutine has
// released its lease.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, rec := range s.records {
		if rec.status == job.StatusRunning && rec.cancel != nil {
			rec.cancel(context.Canceled)
		}
	}
	for s.queue.Len() > 0 {
		rec := heap.Pop(&s.queue).(*record)
		s.finalizeLocked(rec, shutdownResult(), job.StatusCancelled)
	}
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	s.wg.Wait()
}

// Submit applies admission control and enqueues the job. It returns
// job.ErrQueueSaturated, with no side effects, when the backlog is at
// its limit.
func (s *Scheduler) Submit(j *job.Job) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	if j.ID == "" {
		*j = *job.New(j.Actions)
	}
	if j.Timeout <= 0 {
		j.Timeout = s.cfg.DefaultJobTimeout
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("scheduler is shut down")
	}
	if s.queue.Len() >= s.cfg.MaxQueueLength {
		s.mu.Unlock()
		return "", job.ErrQueueSaturated
	}

	rec := &record{
		job:        j,
		status:     job.StatusQueued,
		seq:        s.nextSeqLocked(),
		enqueuedAt: time.Now(),
		heapIndex:  -1,
		done:       make(chan struct{}),
	}
	s.records[j.ID] = rec
	heap.Push(&s.queue, rec)
	rec.queueTimer = time.AfterFunc(s.cfg.QueueWaitTimeout, func() { s.expire(j.ID) })
	s.mu.Unlock()

	s.log.Debugf("job %s queued (priority %d)", j.ID, j.Priority)
	s.kick()
	return j.ID, nil
}

func (s *Scheduler) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, id string) (job.Result, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return job.Result{}, job.ErrNotFound
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return *rec.result, nil
}

// Get returns the job's current snapshot.
func (s *Scheduler) Get(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Snapshot{}, job.ErrNotFound
	}
	snap := Snapshot{ID: id, Status: rec.status}
	if rec.result != nil {
		r := *rec.result
		snap.Result = &r
	}
	return snap, nil
}

// Cancel cancels a job. Queued jobs are removed and terminal
// immediately; running jobs get an abort signal observed at the next
// action boundary, after which their context is still released.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return job.ErrNotFound
	}

	switch rec.status {
	case job.StatusQueued:
		if rec.heapIndex >= 0 {
			heap.Remove(&s.queue, rec.heapIndex)
		}
		res := job.Result{
			Status:       job.StatusCancelled,
			ErrKind:      job.KindCancelled,
			Err:          "cancelled before dispatch",
			FailedAction: -1,
			Started:      rec.enqueuedAt,
			Finished:     time.Now(),
		}
		s.finalizeLocked(rec, res, job.StatusCancelled)
		s.mu.Unlock()
		return nil
	case job.StatusRunning:
		if rec.cancel != nil {
			rec.cancel(context.Canceled)
		}
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
}

// QueueDepth returns the current backlog length.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Running returns the number of currently executing jobs.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// expire fails a job that waited in the queue past the limit.
func (s *Scheduler) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.status != job.StatusQueued || rec.heapIndex < 0 {
		return
	}
	heap.Remove(&s.queue, rec.heapIndex)
	s.log.Warnf("job %s timed out in queue after %s", id, time.Since(rec.enqueuedAt))
	s.finalizeLocked(rec, failResult(job.ErrQueueTimeout), job.StatusFailed)
}

// kick nudges the dispatch loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the dispatch loop. It wakes on submissions and on pool events
// (capacity freed, instances launched or crashed).
func (s *Scheduler) run() {
	defer close(s.done)
	events := s.pool.Events()

	for {
		s.dispatch()
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == pool.EventCrashed {
				s.onCrash(ev.InstanceID)
			}
		}
	}
}

// dispatch starts as many queued jobs as current capacity allows,
// highest priority first, oldest first within a class.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if s.closed || s.queue.Len() == 0 ||
			s.running >= s.pool.Capacity() || s.pool.FreeSlots() <= 0 {
			s.mu.Unlock()
			return
		}

		rec := heap.Pop(&s.queue).(*record)
		rec.status = job.StatusRunning
		if rec.queueTimer != nil {
			rec.queueTimer.Stop()
		}
		ctx, cancel := context.WithCancelCause(context.Background())
		rec.cancel = cancel
		s.running++
		s.wg.Add(1)
		s.mu.Unlock()

		go s.runJob(ctx, rec)
	}
}

// runJob executes one dispatched job: lease, execute, finalize. The
// pool-exhausted race (capacity taken between the check and the lease)
// re-enqueues the job instead of surfacing an error to the caller.
func (s *Scheduler) runJob(ctx context.Context, rec *record) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
		s.kick()
	}()

	jctx, cancelTimeout := context.WithTimeout(ctx, rec.job.Timeout)
	defer cancelTimeout()

	lease, err := s.pool.Lease(jctx)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrPoolExhausted) || errors.Is(err, job.ErrContextExhausted):
			s.requeue(rec, true)
		case jctx.Err() != nil:
			// The job's own timeout or a cancellation fired while the
			// lease was being acquired.
			res := interruptResult(jctx)
			s.finalize(rec, res, res.Status)
		case errors.Is(err, browser.ErrClosed):
			// The instance died between reservation and context
			// creation; the pool has already marked it crashed.
			if rec.job.Idempotent {
				s.log.Infof("job %s lost its instance before starting, re-enqueueing", rec.job.ID)
				s.requeue(rec, false)
				return
			}
			res := failResult(err)
			res.ErrKind = job.KindCrash
			s.finalize(rec, res, job.StatusFailed)
		default:
			s.log.Errorf("job %s failed to acquire a context: %v", rec.job.ID, err)
			s.finalize(rec, failResult(err), job.StatusFailed)
		}
		return
	}

	s.mu.Lock()
	rec.instanceID = lease.InstanceID()
	s.mu.Unlock()

	res, termErr := s.exec.Run(jctx, rec.job, lease)

	// A context that died mid-action means the instance is gone. The
	// pool is told (the health monitor would also catch it, one
	// interval later) and the job takes the crash path.
	crashed := res.ErrKind == job.KindCrash
	if !crashed && termErr != nil && errors.Is(termErr, browser.ErrClosed) {
		s.pool.MarkCrashed(lease.InstanceID())
		crashed = true
	}

	if crashed {
		if rec.job.Idempotent {
			s.log.Infof("job %s lost to instance crash, re-enqueueing", rec.job.ID)
			s.requeue(rec, false)
			return
		}
		crash := &job.CrashError{InstanceID: lease.InstanceID()}
		res.Status = job.StatusFailed
		res.ErrKind = job.KindCrash
		res.Err = crash.Error()
		s.finalize(rec, res, job.StatusFailed)
		return
	}

	s.finalize(rec, res, res.Status)
}

// requeue puts a dispatched job back in the queue. keepSeq preserves
// its FIFO position (used when dispatch lost the capacity race);
// otherwise the job joins the tail of its priority class, as after a
// crash.
func (s *Scheduler) requeue(rec *record, keepSeq bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.finalizeLocked(rec, shutdownResult(), job.StatusCancelled)
		return
	}

	rec.status = job.StatusQueued
	rec.instanceID = ""
	rec.cancel = nil
	if !keepSeq {
		rec.seq = s.nextSeqLocked()
	}
	heap.Push(&s.queue, rec)

	remaining := s.cfg.QueueWaitTimeout - time.Since(rec.enqueuedAt)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	rec.queueTimer = time.AfterFunc(remaining, func() { s.expire(rec.job.ID) })
}

func (s *Scheduler) finalize(rec *record, res job.Result, status job.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked(rec, res, status)
}

// finalizeLocked records the terminal result exactly once and wakes
// any waiters.
func (s *Scheduler) finalizeLocked(rec *record, res job.Result, status job.Status) {
	if rec.status.Terminal() {
		return
	}
	if rec.queueTimer != nil {
		rec.queueTimer.Stop()
	}
	res.Status = status
	rec.status = status
	rec.result = &res
	close(rec.done)

	if s.cfg.OnComplete != nil {
		go s.cfg.OnComplete(res)
	}
	if s.cfg.ResultRetention > 0 {
		id := rec.job.ID
		time.AfterFunc(s.cfg.ResultRetention, func() {
			s.mu.Lock()
			delete(s.records, id)
			s.mu.Unlock()
		})
	}
}

// onCrash aborts every job running on the crashed instance. The abort
// carries the CrashError as cancellation cause so the executor can
// classify it at the next action boundary.
func (s *Scheduler) onCrash(instanceID string) {
	crash := &job.CrashError{InstanceID: instanceID}
	s.mu.Lock()
	var cancels []context.CancelCauseFunc
	for _, rec := range s.records {
		if rec.status == job.StatusRunning && rec.instanceID == instanceID && rec.cancel != nil {
			cancels = append(cancels, rec.cancel)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel(crash)
	}
}

func shutdownResult() job.Result {
	now := time.Now()
	return job.Result{
		Status:       job.StatusCancelled,
		Err:          "scheduler shutting down",
		ErrKind:      job.KindCancelled,
		FailedAction: -1,
		Started:      now,
		Finished:     now,
	}
}

// interruptResult classifies a job cut short by its own context before
// any action ran.
func interruptResult(ctx context.Context) job.Result {
	now := time.Now()
	res := job.Result{FailedAction: -1, Started: now, Finished: now}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Status, res.ErrKind, res.Err = job.StatusTimedOut, job.KindTimeout, "job timeout exceeded"
	} else {
		res.Status, res.ErrKind, res.Err = job.StatusCancelled, job.KindCancelled, "job cancelled"
	}
	return res
}

func failResult(err error) job.Result {
	now := time.Now()
	return job.Result{
		Status:       job.StatusFailed,
		Err:          err.Error(),
		ErrKind:      job.ErrKind(err),
		FailedAction: -1,
		Started:      now,
		Finished:     now,
	}
}
