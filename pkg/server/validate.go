package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// URLValidator rejects navigation targets that are not plausible
// http(s) URLs, and optionally restricts them to an allowlist of glob
// patterns matched against the full URL.
type URLValidator struct {
	allow []glob.Glob
}

// NewURLValidator compiles the allowlist. An empty pattern list allows
// any valid http(s) URL.
func NewURLValidator(patterns []string) (*URLValidator, error) {
	v := &URLValidator{}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid url pattern %q: %w", p, err)
		}
		v.allow = append(v.allow, g)
	}
	return v, nil
}

// Validate checks one navigation target.
func (v *URLValidator) Validate(raw string) error {
	if !IsValidHTTPURL(raw) {
		return fmt.Errorf("invalid url %q", raw)
	}
	if len(v.allow) == 0 {
		return nil
	}
	for _, g := range v.allow {
		if g.Match(raw) {
			return nil
		}
	}
	return fmt.Errorf("url %q is not allowed", raw)
}

// IsValidHTTPURL reports whether raw looks like a usable http or https
// URL: parseable, right scheme, non-empty host.
func IsValidHTTPURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
