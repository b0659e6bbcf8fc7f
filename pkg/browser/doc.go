// Package browser is the boundary between the orchestration engine and
// the underlying browser-automation runtime.
//
// The engine depends only on three small interfaces: Runtime launches
// and stops browser processes, Instance creates isolated browsing
// contexts within one process, and Context exposes the per-action
// primitives (navigate, wait, interact, extract, capture). The
// production implementation wraps Playwright; tests substitute the
// in-memory fake from the browsertest subpackage.
//
// Contexts are strictly isolated: each one is a fresh Playwright
// BrowserContext with its own cookies, storage, and cache. Stealth
// defaults (masked navigator.webdriver, desktop user agent) are
// applied per context when enabled.
package browser
