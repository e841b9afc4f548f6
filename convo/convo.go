// Package convo interprets the conversation DOM of a host chat page: which
// subtrees are response containers, which part of a container holds the
// actual answer, and whether a node is still being generated.
//
// Two host-page conventions are supported. Flagged hosts mark the whole
// container with a boolean streaming attribute; a descendant is "still
// streaming" only while it is the last content element in the answer scope.
// Marker hosts append a decorative generating indicator inside the streaming
// node. Everything is driven by the selector registry — no markup is
// hard-coded outside the built-in profiles.
package convo

import (
	"log/slog"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/streamrelay/extract"
	"github.com/hazyhaar/streamrelay/selector"
)

// IDAttr is the synthetic container identity attribute injected by the page
// agent. DOM node identity is not trustworthy across virtualized re-renders;
// this attribute is.
const IDAttr = "data-sr-id"

// Logical selector names every profile must define.
const (
	SelContainer    = "responseContainer"
	SelUserQuestion = "userQuestion"
	SelCleanRemove  = "cleanTextRemove"
	SelContentBlock = "contentBlock"
	SelFirstChunk   = "firstChunk"
	SelStreamMarker = "streamMarker"
	SelAnswerRow    = "answerRow"
	SelAnswerCell   = "answerCell"
	SelToolPanel    = "toolPanel"
)

// Profile describes one host page shape.
type Profile struct {
	Name string
	// FlagAttr is the streaming flag attribute for flagged hosts
	// ("data-is-streaming"). Empty for marker hosts.
	FlagAttr  string
	Selectors selector.Set
}

// Host resolves conversation semantics for one profile.
type Host struct {
	profile Profile
	sel     *selector.Registry
	logger  *slog.Logger
}

// New creates a Host from a profile.
func New(p Profile, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		profile: p,
		sel:     selector.NewRegistry(p.Selectors, logger),
		logger:  logger,
	}
}

// Registry exposes the selector registry for health checks and diagnostics.
func (h *Host) Registry() *selector.Registry { return h.sel }

// Profile returns the host profile.
func (h *Host) Profile() Profile { return h.profile }

// Containers returns all response containers in the snapshot, document order.
func (h *Host) Containers(doc *html.Node) []*html.Node {
	return h.sel.QueryAll(SelContainer, doc)
}

// ID returns the synthetic container id, or "" when the page agent has not
// tagged the node yet.
func ID(n *html.Node) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == IDAttr {
			return a.Val
		}
	}
	return ""
}

// Scope narrows a container to its answer subtree.
//
// Flagged hosts with extended reasoning render a grid: the first row is the
// collapsed reasoning summary, the second row holds both the answer cell and
// a tool timeline panel. Scope returns only the answer cell. It returns nil
// while the reasoning phase is rendering and the answer cell does not exist
// yet — callers must treat nil as "not ready", never as an empty answer.
// Hosts without the interleaved structure get the container back unchanged.
func (h *Host) Scope(container *html.Node) *html.Node {
	if container == nil {
		return nil
	}
	if h.profile.FlagAttr == "" {
		return container
	}

	if row := h.sel.Query(SelAnswerRow, container); row != nil {
		for c := row.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if h.sel.Matches(SelAnswerCell, c) && h.sel.Query(SelToolPanel, c) == nil {
				return c
			}
		}
		// Only tool-timeline children: the answer cell is not ready.
		return nil
	}

	// No grid, but a reasoning cell exists: reasoning has started and no
	// answer region is rendered yet.
	if h.sel.Query(SelAnswerCell, container) != nil {
		return nil
	}

	// No interleaving structure at all.
	return container
}

// Streaming reports whether a node currently represents still-being-generated
// content. For a container it is the container-level check; for a descendant
// of a flagged container only the last content element in scope counts.
func (h *Host) Streaming(n *html.Node) bool {
	if n == nil {
		return false
	}

	if h.profile.FlagAttr == "" {
		return h.sel.Query(SelStreamMarker, n) != nil
	}

	// Container-level: the node carries the flag itself.
	if v, ok := nodeAttr(n, h.profile.FlagAttr); ok {
		return v == "true"
	}

	// Element-level: ancestor must be flagged true, and the node must be the
	// trailing content element of the answer scope. Everything before the
	// tail is final even while the container streams.
	container := h.flaggedAncestor(n)
	if container == nil {
		return false
	}
	scope := h.Scope(container)
	if scope == nil {
		return false
	}
	blocks := h.sel.QueryAll(SelContentBlock, scope)
	return len(blocks) > 0 && blocks[len(blocks)-1] == n
}

func (h *Host) flaggedAncestor(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if v, ok := nodeAttr(p, h.profile.FlagAttr); ok {
			if v == "true" {
				return p
			}
			return nil
		}
	}
	return nil
}

// ContentBlocks returns the content elements of an answer scope in document
// order.
func (h *Host) ContentBlocks(scope *html.Node) []*html.Node {
	if scope == nil {
		return nil
	}
	return h.sel.QueryAll(SelContentBlock, scope)
}

// FirstContent returns the first first-chunk candidate element in the answer
// scope, or nil when the container is not ready. Document order is assumed to
// be reading order.
func (h *Host) FirstContent(container *html.Node) *html.Node {
	scope := h.Scope(container)
	if scope == nil {
		return nil
	}
	return h.sel.Query(SelFirstChunk, scope)
}

// ExtractText extracts the canonical text of a content element, stripping
// whatever the profile's cleanTextRemove selector names plus the overlay
// defaults.
func (h *Host) ExtractText(n *html.Node) string {
	return extract.TextWith(n, h.Strip)
}

// Strip is the predicate handed to the extractor.
func (h *Host) Strip(n *html.Node) bool {
	if extract.DefaultStrip(n) {
		return true
	}
	return h.sel.Matches(SelCleanRemove, n)
}

// LatestQuestion returns the text of the most recent user message in the
// snapshot, "" when none is found.
func (h *Host) LatestQuestion(doc *html.Node) string {
	msgs := h.sel.QueryAll(SelUserQuestion, doc)
	if len(msgs) == 0 {
		return ""
	}
	return strings.TrimSpace(textContent(msgs[len(msgs)-1]))
}

// SkipQuestion reports whether a prompting question matches any configured
// skip keyword (case-insensitive substring match).
func SkipQuestion(question string, keywords []string) bool {
	if question == "" || len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(question)
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func nodeAttr(n *html.Node, key string) (string, bool) {
	if n.Type != html.ElementNode {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}
