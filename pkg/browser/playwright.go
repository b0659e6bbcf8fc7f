package browser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// stealthInit masks the most common automation fingerprint before any
// page script runs.
const stealthInit = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// defaultUserAgent is presented when stealth is enabled and no explicit
// user agent is configured.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// PlaywrightOptions configure the production runtime.
type PlaywrightOptions struct {
	// Headless controls whether launched browsers have a visible window.
	Headless bool

	// Install runs the Playwright driver/browser installation on
	// startup. Disable when the image already ships the browsers.
	Install bool
}

// PlaywrightRuntime implements Runtime on top of Playwright Chromium.
type PlaywrightRuntime struct {
	mu   sync.Mutex
	pw   *playwright.Playwright
	opts PlaywrightOptions
}

// NewPlaywrightRuntime starts the Playwright driver. Driver output is
// discarded so it cannot interleave with service logs.
func NewPlaywrightRuntime(opts PlaywrightOptions) (*PlaywrightRuntime, error) {
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &PlaywrightRuntime{pw: pw, opts: opts}, nil
}

// Launch starts one Chromium process.
func (r *PlaywrightRuntime) Launch(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	pw := r.pw
	r.mu.Unlock()
	if pw == nil {
		return nil, ErrClosed
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &playwrightInstance{id: uuid.New().String(), browser: b}, nil
}

// Close stops the Playwright driver and every browser it launched.
func (r *PlaywrightRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pw == nil {
		return nil
	}
	err := r.pw.Stop()
	r.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightInstance struct {
	id      string
	browser playwright.Browser
}

func (i *playwrightInstance) ID() string { return i.id }

func (i *playwrightInstance) Connected() bool { return i.browser.IsConnected() }

func (i *playwrightInstance) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contextOpts := playwright.BrowserNewContextOptions{}
	if opts.Viewport != nil {
		contextOpts.Viewport = &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		}
	}
	ua := opts.UserAgent
	if ua == "" && opts.Stealth {
		ua = defaultUserAgent
	}
	if ua != "" {
		contextOpts.UserAgent = playwright.String(ua)
	}

	bctx, err := i.browser.NewContext(contextOpts)
	if err != nil {
		return nil, mapErr(err)
	}

	if opts.Stealth {
		if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthInit)}); err != nil {
			bctx.Close()
			return nil, mapErr(err)
		}
	}
	if len(opts.ExtraHeaders) > 0 {
		if err := bctx.SetExtraHTTPHeaders(opts.ExtraHeaders); err != nil {
			bctx.Close()
			return nil, mapErr(err)
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, mapErr(err)
	}

	return &playwrightContext{bctx: bctx, page: page}, nil
}

func (i *playwrightInstance) Close() error {
	if err := i.browser.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

type playwrightContext struct {
	bctx playwright.BrowserContext
	page playwright.Page
}

func (c *playwrightContext) Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageGotoOptions{Timeout: playwright.Float(ms(timeout))}
	if waitUntil != "" {
		state := playwright.WaitUntilState(waitUntil)
		opts.WaitUntil = &state
	}
	_, err := c.page.Goto(url, opts)
	return mapErr(err)
}

func (c *playwrightContext) WaitForSelector(ctx context.Context, selector, state string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageWaitForSelectorOptions{Timeout: playwright.Float(ms(timeout))}
	if state != "" {
		s := playwright.WaitForSelectorState(state)
		opts.State = &s
	}
	_, err := c.page.WaitForSelector(selector, opts)
	return mapErr(err)
}

func (c *playwrightContext) Click(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(c.page.Click(selector, playwright.PageClickOptions{Timeout: playwright.Float(ms(timeout))}))
}

func (c *playwrightContext) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(c.page.Fill(selector, value, playwright.PageFillOptions{Timeout: playwright.Float(ms(timeout))}))
}

func (c *playwrightContext) SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.SelectOption(selector,
		playwright.SelectOptionValues{Values: &[]string{value}},
		playwright.PageSelectOptionOptions{Timeout: playwright.Float(ms(timeout))})
	return mapErr(err)
}

func (c *playwrightContext) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(c.page.Press(selector, key, playwright.PagePressOptions{Timeout: playwright.Float(ms(timeout))}))
}

func (c *playwrightContext) Text(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle, err := c.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(ms(timeout)),
	})
	if err != nil {
		return "", mapErr(err)
	}
	text, err := handle.TextContent()
	if err != nil {
		return "", mapErr(err)
	}
	return strings.TrimSpace(text), nil
}

func (c *playwrightContext) Attribute(ctx context.Context, selector, attribute string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle, err := c.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(ms(timeout)),
	})
	if err != nil {
		return "", mapErr(err)
	}
	value, err := handle.GetAttribute(attribute)
	if err != nil {
		return "", mapErr(err)
	}
	return value, nil
}

func (c *playwrightContext) Title(ctx context.Context, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return bounded(ctx, timeout, c.page.Title)
}

func (c *playwrightContext) Content(ctx context.Context, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return bounded(ctx, timeout, c.page.Content)
}

func (c *playwrightContext) Screenshot(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  playwright.Float(ms(timeout)),
	})
	return data, mapErr(err)
}

func (c *playwrightContext) PDF(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bounded(ctx, timeout, func() ([]byte, error) {
		return c.page.PDF(playwright.PagePdfOptions{})
	})
}

func (c *playwrightContext) Close() error {
	// Closing the browser context tears down its pages as well.
	_ = c.page.Close()
	if err := c.bctx.Close(); err != nil {
		return mapErr(err)
	}
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d.Milliseconds())
}

type callResult[T any] struct {
	value T
	err   error
}

// bounded enforces a timeout on driver calls that expose no timeout
// option of their own. The abandoned call keeps running in the driver
// until the page or context is torn down.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		v, err := fn()
		return v, mapErr(err)
	}

	ch := make(chan callResult[T], 1)
	go func() {
		v, err := fn()
		ch <- callResult[T]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.value, mapErr(r.err)
	case <-timer.C:
		return zero, fmt.Errorf("%w: call exceeded %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// mapErr folds Playwright's error strings onto the package sentinels so
// the pool and executor can classify failures without importing the
// driver.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Timeout") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case strings.Contains(msg, "has been closed") ||
		strings.Contains(msg, "Target closed") ||
		strings.Contains(msg, "browser closed"):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}
