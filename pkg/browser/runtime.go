package browser

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by runtime implementations. The pool and
// executor match on these to tell recoverable timeouts apart from a
// dead browser process.
var (
	// ErrTimeout means a single operation exceeded its timeout while
	// the browser itself stayed healthy.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed means the browser process or context is gone; the
	// owning instance should be treated as crashed.
	ErrClosed = errors.New("browser closed")
)

// Viewport is the browser window size for a context.
type Viewport struct {
	Width  int
	Height int
}

// ContextOptions configure one isolated browsing context.
type ContextOptions struct {
	// UserAgent overrides the browser's default UA string.
	UserAgent string

	// Viewport sets the context's window size; nil means the runtime
	// default.
	Viewport *Viewport

	// Stealth masks common automation fingerprints (navigator.webdriver)
	// via an init script evaluated before any page script.
	Stealth bool

	// ExtraHeaders are sent with every request from this context.
	ExtraHeaders map[string]string
}

// Runtime launches and stops browser processes. It is the single
// outbound dependency of the pool manager.
type Runtime interface {
	// Launch starts one browser process. It blocks until the process
	// is ready to serve contexts or the context is done.
	Launch(ctx context.Context) (Instance, error)

	// Close stops the runtime and every process it launched.
	Close() error
}

// Instance is one live browser process.
type Instance interface {
	// ID identifies the process for bookkeeping and crash reports.
	ID() string

	// Connected reports whether the process is still responsive. The
	// health monitor uses this as its liveness probe.
	Connected() bool

	// NewContext creates an isolated browsing context. Storage,
	// cookies, and cache are never shared between contexts.
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)

	// Close terminates the process and all of its contexts.
	Close() error
}

// Context exposes the action-execution primitives on one isolated
// browsing context. Every method that can block takes an explicit
// timeout; implementations return ErrTimeout when it elapses and
// ErrClosed when the underlying browser has died.
type Context interface {
	Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) error
	WaitForSelector(ctx context.Context, selector, state string, timeout time.Duration) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error
	SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error
	Press(ctx context.Context, selector, key string, timeout time.Duration) error
	Text(ctx context.Context, selector string, timeout time.Duration) (string, error)
	Attribute(ctx context.Context, selector, attribute string, timeout time.Duration) (string, error)
	Title(ctx context.Context, timeout time.Duration) (string, error)
	Content(ctx context.Context, timeout time.Duration) (string, error)
	Screenshot(ctx context.Context, timeout time.Duration) ([]byte, error)
	PDF(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}
