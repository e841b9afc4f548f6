package selector

import (
	"strings"

	"golang.org/x/net/html"
)

// MatchAll returns all elements under root matching a CSS selector, in
// document order. The supported subset:
//
//   - tag: "p", "div"
//   - .class: ".message-bubble"
//   - #id: "#main"
//   - tag.class, tag#id combinations
//   - [attr], [attr=val], [attr*=val], [attr^=val]
//   - descendant combinator (space-separated parts)
//   - selector lists (comma-separated alternatives)
func MatchAll(root *html.Node, selector string) []*html.Node {
	var out []*html.Node
	seen := make(map[*html.Node]bool)

	for _, alt := range strings.Split(selector, ",") {
		chain := parseChain(alt)
		if len(chain) == 0 {
			continue
		}
		collect(root, chain, func(n *html.Node) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		})
	}

	if len(out) > 1 {
		// Comma alternatives can interleave; restore document order.
		ordered := out[:0]
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if seen[n] {
				ordered = append(ordered, n)
				delete(seen, n)
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(root)
		out = ordered
	}
	return out
}

// Matches reports whether node n itself satisfies the selector: the last
// simple selector of some alternative matches n, and any preceding parts
// match ancestors of n in order.
func Matches(n *html.Node, selector string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, alt := range strings.Split(selector, ",") {
		chain := parseChain(alt)
		if len(chain) == 0 {
			continue
		}
		if !matchSimple(n, chain[len(chain)-1]) {
			continue
		}
		if ancestorsMatch(n, chain[:len(chain)-1]) {
			return true
		}
	}
	return false
}

func ancestorsMatch(n *html.Node, chain []simpleSelector) bool {
	p := n.Parent
	for i := len(chain) - 1; i >= 0; i-- {
		for {
			if p == nil {
				return false
			}
			if matchSimple(p, chain[i]) {
				break
			}
			p = p.Parent
		}
		p = p.Parent
	}
	return true
}

// collect finds nodes satisfying the descendant chain: all matches of the
// first part, then matches of each subsequent part within them.
func collect(root *html.Node, chain []simpleSelector, emit func(*html.Node)) {
	matches := findAll(root, chain[0])
	for i := 1; i < len(chain); i++ {
		var next []*html.Node
		for _, parent := range matches {
			next = append(next, findAll(parent, chain[i])...)
		}
		matches = next
	}
	for _, n := range matches {
		emit(n)
	}
}

// findAll returns descendants of root (root excluded) matching one simple
// selector.
func findAll(root *html.Node, s simpleSelector) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if matchSimple(n, s) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return out
}

type attrOp int

const (
	attrPresent attrOp = iota
	attrEquals
	attrContains
	attrPrefix
)

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
	attrOp  attrOp
}

func parseChain(s string) []simpleSelector {
	parts := strings.Fields(s)
	chain := make([]simpleSelector, 0, len(parts))
	for _, p := range parts {
		chain = append(chain, parseSimple(p))
	}
	return chain
}

// parseSimple parses "tag.class#id[attr*=val]" style selectors.
func parseSimple(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		switch {
		case strings.Contains(attrPart, "*="):
			kv := strings.SplitN(attrPart, "*=", 2)
			s.attrKey, s.attrVal, s.attrOp = kv[0], trimQuotes(kv[1]), attrContains
		case strings.Contains(attrPart, "^="):
			kv := strings.SplitN(attrPart, "^=", 2)
			s.attrKey, s.attrVal, s.attrOp = kv[0], trimQuotes(kv[1]), attrPrefix
		case strings.Contains(attrPart, "="):
			kv := strings.SplitN(attrPart, "=", 2)
			s.attrKey, s.attrVal, s.attrOp = kv[0], trimQuotes(kv[1]), attrEquals
		default:
			s.attrKey, s.attrOp = attrPart, attrPresent
		}
	}

	for {
		hash := strings.LastIndexByte(sel, '#')
		dot := strings.LastIndexByte(sel, '.')
		switch {
		case hash > dot:
			s.id = sel[hash+1:]
			sel = sel[:hash]
		case dot >= 0:
			s.classes = append(s.classes, sel[dot+1:])
			sel = sel[:dot]
		default:
			s.tag = sel
			return s
		}
	}
}

func trimQuotes(s string) string {
	return strings.Trim(s, `"'`)
}

func matchSimple(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && nodeAttr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(nodeAttr(n, "class"))
		for _, want := range s.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if s.attrKey != "" {
		val, present := lookupAttr(n, s.attrKey)
		switch s.attrOp {
		case attrPresent:
			return present
		case attrEquals:
			return present && val == s.attrVal
		case attrContains:
			return present && strings.Contains(val, s.attrVal)
		case attrPrefix:
			return present && strings.HasPrefix(val, s.attrVal)
		}
	}
	return true
}

func nodeAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
