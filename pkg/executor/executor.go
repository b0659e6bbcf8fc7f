// Package executor runs a job's action sequence against one leased
// browsing context.
//
// Each action runs under its own timeout, independent of the per-job
// timeout carried by the context. A failed or timed-out action aborts
// the remaining sequence unless marked optional; retryable actions are
// re-attempted before the job gives up. Cancellation and job timeouts
// are observed at action boundaries. The lease is closed
// unconditionally, whatever path execution takes.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/pool"
)

// Config tunes the executor.
type Config struct {
	// DefaultActionTimeout applies to actions that carry no timeout of
	// their own.
	DefaultActionTimeout time.Duration

	// MaxExtractLength truncates extracted text; 0 means no limit.
	MaxExtractLength int
}

// Executor executes jobs. It is stateless and safe for concurrent use.
type Executor struct {
	cfg Config
	log *logging.Logger
}

// New creates an executor.
func New(cfg Config, log *logging.Logger) *Executor {
	return &Executor{cfg: cfg, log: log}
}

// Run executes every action of j in order against the leased context.
// The returned error is the terminal error (nil on success); the
// result mirrors it with outputs produced so far. The lease is closed
// before Run returns, on every path.
func (e *Executor) Run(ctx context.Context, j *job.Job, lease *pool.Lease) (job.Result, error) {
	res := job.Result{
		Status:       job.StatusRunning,
		FailedAction: -1,
		Started:      time.Now(),
	}
	defer lease.Close()

	bctx := lease.Context()
	var termErr error

	for i, a := range j.Actions {
		if st, kind, err := boundary(ctx); st != "" {
			res.Status, res.ErrKind, res.Err = st, kind, err.Error()
			termErr = err
			break
		}

		out, err := e.runWithRetry(ctx, bctx, i, a)
		if err != nil {
			// Cancellation or job timeout during the action wins over
			// an action-level classification.
			if st, kind, berr := boundary(ctx); st != "" {
				res.Status, res.ErrKind, res.Err = st, kind, berr.Error()
				termErr = berr
				break
			}
			if a.Optional {
				e.log.Debugf("job %s: optional action %d (%s) failed: %v", j.ID, i, a.Kind, err)
				res.Outputs = append(res.Outputs, job.Output{Index: i, Kind: a.Kind, Err: err.Error()})
				continue
			}
			ae := &job.ActionError{Index: i, Kind: a.Kind, Err: err}
			res.Status = job.StatusFailed
			res.ErrKind = job.KindAction
			res.Err = ae.Error()
			res.FailedAction = i
			termErr = ae
			break
		}
		res.Outputs = append(res.Outputs, out)
	}

	if termErr == nil {
		res.Status = job.StatusSucceeded
	}
	res.Finished = time.Now()
	return res, termErr
}

// boundary classifies the context state checked between actions.
func boundary(ctx context.Context) (job.Status, string, error) {
	if ctx.Err() == nil {
		return "", "", nil
	}
	if cause := context.Cause(ctx); cause != nil {
		if crash, ok := cause.(*job.CrashError); ok {
			return job.StatusFailed, job.KindCrash, crash
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return job.StatusTimedOut, job.KindTimeout, fmt.Errorf("job timeout exceeded")
	}
	return job.StatusCancelled, job.KindCancelled, fmt.Errorf("job cancelled")
}

func (e *Executor) runWithRetry(ctx context.Context, bctx browser.Context, index int, a job.Action) (job.Output, error) {
	attempts := a.Retries + 1
	var out job.Output
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err = e.runAction(ctx, bctx, index, a)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, err
		}
		if attempt < attempts {
			e.log.Debugf("action %d (%s) attempt %d/%d failed: %v", index, a.Kind, attempt, attempts, err)
		}
	}
	return out, err
}

// runAction dispatches one action. The switch is exhaustive over the
// action vocabulary; Validate has already rejected unknown kinds.
func (e *Executor) runAction(ctx context.Context, bctx browser.Context, index int, a job.Action) (job.Output, error) {
	out := job.Output{Index: index, Kind: a.Kind}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultActionTimeout
	}

	switch a.Kind {
	case job.ActionNavigate:
		if err := bctx.Navigate(ctx, a.URL, a.WaitUntil, timeout); err != nil {
			return out, err
		}
		out.Data = a.URL
		return out, nil

	case job.ActionWait:
		if a.Wait.Selector != "" {
			return out, bctx.WaitForSelector(ctx, a.Wait.Selector, a.Wait.State, timeout)
		}
		select {
		case <-time.After(a.Wait.Delay):
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}

	case job.ActionInteract:
		switch a.Op {
		case job.OpClick:
			return out, bctx.Click(ctx, a.Target, timeout)
		case job.OpFill:
			return out, bctx.Fill(ctx, a.Target, a.Value, timeout)
		case job.OpSelect:
			return out, bctx.SelectOption(ctx, a.Target, a.Value, timeout)
		case job.OpPress:
			return out, bctx.Press(ctx, a.Target, a.Value, timeout)
		default:
			return out, fmt.Errorf("unknown interact op %q", a.Op)
		}

	case job.ActionExtract:
		data, err := e.extract(ctx, bctx, a.Extract, timeout)
		if err != nil {
			return out, err
		}
		out.Data = data
		return out, nil

	case job.ActionCapture:
		switch a.Capture {
		case job.CaptureScreenshot:
			data, err := bctx.Screenshot(ctx, timeout)
			out.Binary = data
			return out, err
		case job.CapturePDF:
			data, err := bctx.PDF(ctx, timeout)
			out.Binary = data
			return out, err
		case job.CaptureHTML:
			html, err := bctx.Content(ctx, timeout)
			out.Binary = []byte(html)
			return out, err
		default:
			return out, fmt.Errorf("unknown capture kind %q", a.Capture)
		}

	default:
		return out, fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

func (e *Executor) extract(ctx context.Context, bctx browser.Context, spec *job.ExtractSpec, timeout time.Duration) (string, error) {
	kind := spec.Kind
	if kind == "" {
		kind = job.ExtractText
	}

	switch kind {
	case job.ExtractTitle:
		return bctx.Title(ctx, timeout)

	case job.ExtractText:
		if spec.Selector == "" {
			return bctx.Title(ctx, timeout)
		}
		text, err := bctx.Text(ctx, spec.Selector, timeout)
		if err != nil {
			return "", err
		}
		return truncate(text, e.cfg.MaxExtractLength), nil

	case job.ExtractAttribute:
		return bctx.Attribute(ctx, spec.Selector, spec.Attribute, timeout)

	case job.ExtractStructured:
		html, err := bctx.Content(ctx, timeout)
		if err != nil {
			return "", err
		}
		structured, err := browser.ExtractStructured(html, e.cfg.MaxExtractLength)
		if err != nil {
			return "", err
		}
		return structured.JSON()

	default:
		return "", fmt.Errorf("unknown extract kind %q", kind)
	}
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
