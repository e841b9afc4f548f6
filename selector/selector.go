// Package selector is the DOM query service: callers ask for elements by
// logical name ("responseContainer", "userQuestion") and the registry tries a
// primary CSS selector followed by ordered fallbacks, recording which one is
// currently active. Host-page markup never leaks into the core packages; when
// a site ships a new DOM, only the selector set changes.
package selector

import (
	"log/slog"
	"sync"

	"golang.org/x/net/html"
)

// Def is one logical selector: a primary plus ordered fallbacks. Critical
// defs are expected to match on a loaded page; their failure trips the health
// check.
type Def struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`
	Critical  bool     `yaml:"critical"`
}

// Set maps logical names to defs for one host profile.
type Set map[string]Def

// Registry resolves logical names against DOM snapshots, tracking the active
// selector per name for diagnostics. Safe for concurrent use.
type Registry struct {
	set    Set
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]string
}

// NewRegistry creates a Registry over a selector set.
func NewRegistry(set Set, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		set:    set,
		logger: logger,
		active: make(map[string]string),
	}
}

// Def returns the definition for a logical name.
func (r *Registry) Def(name string) (Def, bool) {
	d, ok := r.set[name]
	return d, ok
}

// Names returns all logical names in the set.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.set))
	for n := range r.set {
		names = append(names, n)
	}
	return names
}

// Query returns the first element matching the logical name under root, or
// nil. Primary is tried first, then each fallback in order.
func (r *Registry) Query(name string, root *html.Node) *html.Node {
	matches := r.queryAll(name, root, true)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// QueryAll returns every element matching the logical name under root, in
// document order.
func (r *Registry) QueryAll(name string, root *html.Node) []*html.Node {
	return r.queryAll(name, root, false)
}

func (r *Registry) queryAll(name string, root *html.Node, firstOnly bool) []*html.Node {
	def, ok := r.set[name]
	if !ok {
		r.logger.Warn("selector: unknown logical name", "name", name)
		return nil
	}

	if matches := MatchAll(root, def.Primary); len(matches) > 0 {
		r.setActive(name, def.Primary, false)
		if firstOnly {
			return matches[:1]
		}
		return matches
	}

	for _, fb := range def.Fallbacks {
		if matches := MatchAll(root, fb); len(matches) > 0 {
			r.setActive(name, fb, true)
			if firstOnly {
				return matches[:1]
			}
			return matches
		}
	}
	return nil
}

// Matches reports whether the node itself matches the logical name's active
// definition (primary or any fallback). Used for strip predicates.
func (r *Registry) Matches(name string, n *html.Node) bool {
	def, ok := r.set[name]
	if !ok {
		return false
	}
	if Matches(n, def.Primary) {
		return true
	}
	for _, fb := range def.Fallbacks {
		if Matches(n, fb) {
			return true
		}
	}
	return false
}

// Active returns the selector currently serving a logical name, or "" when it
// has never matched.
func (r *Registry) Active(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[name]
}

func (r *Registry) setActive(name, sel string, fallback bool) {
	r.mu.Lock()
	prev := r.active[name]
	r.active[name] = sel
	r.mu.Unlock()

	if fallback && prev != sel {
		r.logger.Warn("selector: primary failed, using fallback",
			"name", name, "fallback", sel)
	}
}
