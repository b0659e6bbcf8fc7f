// Package browsertest provides an in-memory browser.Runtime for tests.
//
// The fake serves canned pages, counts launches and context
// open/close pairs, and supports scripted failures: launch failures,
// navigation hooks, and instance crashes mid-job. Pool, executor,
// scheduler, and server tests all run against it.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/google/uuid"
)

// Page is a canned document served by the fake runtime.
type Page struct {
	Title string

	// Texts maps selectors to the text content returned for them.
	Texts map[string]string

	// Attrs maps selector -> attribute -> value.
	Attrs map[string]map[string]string

	// HTML is returned by Content for structured extraction and
	// capture actions.
	HTML string
}

// Runtime is the fake implementation of browser.Runtime.
type Runtime struct {
	mu             sync.Mutex
	pages          map[string]*Page
	instances      []*Instance
	launches       int
	launchFailures int
	launchDelay    time.Duration
	captureDelay   time.Duration
	contextsOpened int
	contextsClosed int
	navigateHook   func(url string) error
	closed         bool
}

// NewRuntime creates an empty fake runtime.
func NewRuntime() *Runtime {
	return &Runtime{pages: make(map[string]*Page)}
}

// AddPage registers a canned page under a URL.
func (r *Runtime) AddPage(url string, p *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[url] = p
}

// FailLaunches makes the next n Launch calls fail.
func (r *Runtime) FailLaunches(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launchFailures = n
}

// SetLaunchDelay makes every launch take d before returning.
func (r *Runtime) SetLaunchDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launchDelay = d
}

// SetCaptureDelay makes every screenshot, PDF, and content render take
// d, so tests can drive captures into their timeout.
func (r *Runtime) SetCaptureDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captureDelay = d
}

// SetNavigateHook installs a hook invoked before every navigation. A
// non-nil return fails the navigation with that error; the hook may
// also crash an instance to simulate a browser dying mid-action.
func (r *Runtime) SetNavigateHook(fn func(url string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigateHook = fn
}

// Launch starts a fake instance.
func (r *Runtime) Launch(ctx context.Context) (browser.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	delay := r.launchDelay
	fail := r.launchFailures > 0
	if fail {
		r.launchFailures--
	}
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("simulated launch failure")
	}

	inst := &Instance{r: r, id: uuid.New().String()}
	r.mu.Lock()
	r.launches++
	r.instances = append(r.instances, inst)
	r.mu.Unlock()
	return inst, nil
}

// Close marks the runtime closed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Launches returns the number of successful launches so far.
func (r *Runtime) Launches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launches
}

// ContextsOpened returns how many contexts were ever created.
func (r *Runtime) ContextsOpened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contextsOpened
}

// ContextsClosed returns how many contexts were closed.
func (r *Runtime) ContextsClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contextsClosed
}

// OpenContexts returns the number of currently open contexts.
func (r *Runtime) OpenContexts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contextsOpened - r.contextsClosed
}

// Instances returns every instance ever launched, in launch order.
func (r *Runtime) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

func (r *Runtime) page(url string) (*Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[url]
	return p, ok
}

// Instance is a fake browser process.
type Instance struct {
	r       *Runtime
	id      string
	mu      sync.Mutex
	crashed bool
	closed  bool
}

// Crash simulates the browser process dying: the instance reports
// disconnected and every operation on its contexts fails.
func (i *Instance) Crash() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.crashed = true
}

func (i *Instance) ID() string { return i.id }

func (i *Instance) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.crashed && !i.closed
}

func (i *Instance) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !i.Connected() {
		return nil, browser.ErrClosed
	}
	i.r.mu.Lock()
	i.r.contextsOpened++
	i.r.mu.Unlock()
	return &Context{inst: i, filled: make(map[string]string)}, nil
}

func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// Context is a fake isolated browsing context. Filled values are
// private to the context, which lets tests assert isolation between
// concurrently running jobs.
type Context struct {
	inst    *Instance
	mu      sync.Mutex
	current *Page
	filled  map[string]string
	closed  bool
}

func (c *Context) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.inst.Connected() {
		return browser.ErrClosed
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return browser.ErrClosed
	}
	return nil
}

func (c *Context) Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.inst.r.mu.Lock()
	hook := c.inst.r.navigateHook
	c.inst.r.mu.Unlock()
	if hook != nil {
		if err := hook(url); err != nil {
			return err
		}
	}
	p, ok := c.inst.r.page(url)
	if !ok {
		return fmt.Errorf("navigation to %s failed: no such host", url)
	}
	c.mu.Lock()
	c.current = p
	c.mu.Unlock()
	return nil
}

// awaitSelector resolves immediately when the selector exists on the
// current page, and otherwise blocks for the timeout before reporting
// browser.ErrTimeout, mirroring real waiting semantics.
func (c *Context) awaitSelector(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	if v, ok := c.filled[selector]; ok {
		c.mu.Unlock()
		return v, nil
	}
	p := c.current
	c.mu.Unlock()

	if p != nil {
		if v, ok := p.Texts[selector]; ok {
			return v, nil
		}
	}

	select {
	case <-time.After(timeout):
		return "", fmt.Errorf("%w: waiting for selector %q", browser.ErrTimeout, selector)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Context) WaitForSelector(ctx context.Context, selector, state string, timeout time.Duration) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	_, err := c.awaitSelector(ctx, selector, timeout)
	return err
}

func (c *Context) Click(ctx context.Context, selector string, timeout time.Duration) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	_, err := c.awaitSelector(ctx, selector, timeout)
	return err
}

func (c *Context) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.filled[selector] = value
	c.mu.Unlock()
	return nil
}

func (c *Context) SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error {
	return c.Fill(ctx, selector, value, timeout)
}

func (c *Context) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	_, err := c.awaitSelector(ctx, selector, timeout)
	return err
}

func (c *Context) Text(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	return c.awaitSelector(ctx, selector, timeout)
}

func (c *Context) Attribute(ctx context.Context, selector, attribute string, timeout time.Duration) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	p := c.current
	c.mu.Unlock()
	if p != nil {
		if attrs, ok := p.Attrs[selector]; ok {
			if v, ok := attrs[attribute]; ok {
				return v, nil
			}
		}
	}
	select {
	case <-time.After(timeout):
		return "", fmt.Errorf("%w: waiting for selector %q", browser.ErrTimeout, selector)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// awaitRender applies the configured capture delay, failing with
// browser.ErrTimeout when the delay outlasts the call's timeout.
func (c *Context) awaitRender(ctx context.Context, timeout time.Duration) error {
	c.inst.r.mu.Lock()
	delay := c.inst.r.captureDelay
	c.inst.r.mu.Unlock()
	if delay == 0 {
		return nil
	}
	if timeout > 0 && timeout < delay {
		select {
		case <-time.After(timeout):
			return fmt.Errorf("%w: rendering page", browser.ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Context) Title(ctx context.Context, timeout time.Duration) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := c.awaitRender(ctx, timeout); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", nil
	}
	return c.current.Title, nil
}

func (c *Context) Content(ctx context.Context, timeout time.Duration) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := c.awaitRender(ctx, timeout); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", nil
	}
	return c.current.HTML, nil
}

func (c *Context) Screenshot(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if err := c.awaitRender(ctx, timeout); err != nil {
		return nil, err
	}
	return []byte("PNG"), nil
}

func (c *Context) PDF(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if err := c.awaitRender(ctx, timeout); err != nil {
		return nil, err
	}
	return []byte("PDF"), nil
}

// Close is tolerated on crashed instances so lease cleanup can always
// run; double closes are counted once.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.inst.r.mu.Lock()
	c.inst.r.contextsClosed++
	c.inst.r.mu.Unlock()
	return nil
}
