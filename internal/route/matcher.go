// Package route maps an incoming request path to at most one configured
// Route, following the teacher's proxy package preference for simple,
// allocation-light string operations over regular expressions.
package route

import (
	"strings"

	"fluxgate/internal/config"
)

// Route pairs a route's configuration with the live components that serve
// it (balancer, health monitor, middleware pipeline, per-route timeout).
// The gateway constructs one Route per config.RouteCfg at startup and on
// every hot-reload.
type Route struct {
	Pattern string
	Cfg     config.RouteCfg

	// Dispatch is opaque to the matcher — it is whatever the gateway
	// wired up for this route (balancer + pipeline + timeout). The
	// matcher only cares about pattern matching, not dispatch.
	Dispatch any
}

// Match is the result of a successful Find: the matched route plus the
// stripped path to forward upstream.
type Match struct {
	Route        *Route
	StrippedPath string
}

// Matcher holds an ordered list of routes and finds the first one whose
// pattern matches a given request path.
type Matcher struct {
	routes []*Route
}

// New builds a Matcher from routes in configuration order. Order is
// significant: the first matching pattern wins, so a catch-all "*" route
// should be placed last.
func New(routes []*Route) *Matcher {
	return &Matcher{routes: routes}
}

// Routes returns the matcher's route list in configuration order.
func (m *Matcher) Routes() []*Route {
	return m.routes
}

// Find returns the first route whose pattern matches path, along with the
// path to forward upstream (stripped of any `/*` prefix). Returns false if
// no configured route matches.
func (m *Matcher) Find(path string) (*Match, bool) {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	for _, r := range m.routes {
		switch {
		case r.Pattern == "*":
			return &Match{Route: r, StrippedPath: path}, true

		case strings.HasSuffix(r.Pattern, "/*"):
			prefix := strings.TrimSuffix(r.Pattern, "/*")
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				stripped := strings.TrimPrefix(path, prefix)
				if stripped == "" {
					stripped = "/"
				}
				return &Match{Route: r, StrippedPath: stripped}, true
			}

		default: // exact match
			if path == r.Pattern {
				return &Match{Route: r, StrippedPath: path}, true
			}
		}
	}
	return nil, false
}
