// Package extract converts DOM content elements into the canonical text
// representation delivered to the relay.
//
// The conversion is a pure function of the node: paragraphs keep inline
// formatting (*bold*, _italic_, `code`), headings are bolded, list items get
// ordinal or bullet prefixes, code blocks are fenced, blockquotes and tables
// get their line-oriented forms. Overlay nodes injected by the page agent are
// stripped before formatting so a decorated element extracts to the same text
// as an undecorated one.
package extract

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MatchFunc reports whether a node should be stripped before extraction.
type MatchFunc func(*html.Node) bool

// DefaultStrip removes buttons, inline svg/img decoration, and any element
// carrying an overlay class (the page agent prefixes all of its classes with
// "sr-").
func DefaultStrip(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Button, atom.Svg, atom.Img:
		return true
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if strings.HasPrefix(c, "sr-") {
			return true
		}
	}
	return false
}

// Text extracts the canonical text of a content element using DefaultStrip.
// Unknown or empty content yields "".
func Text(n *html.Node) string {
	return TextWith(n, DefaultStrip)
}

// TextWith is Text with a caller-supplied strip predicate (resolved from the
// cleanTextRemove logical selector by the caller). A nil strip falls back to
// DefaultStrip.
func TextWith(n *html.Node, strip MatchFunc) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	if strip == nil {
		strip = DefaultStrip
	}

	switch n.DataAtom {
	case atom.P:
		return inlineText(n, strip)
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		t := inlineText(n, strip)
		if t == "" {
			return ""
		}
		return "*" + t + "*"
	case atom.Li:
		return listItemText(n, strip)
	case atom.Ul, atom.Ol:
		return listText(n, strip)
	case atom.Pre:
		return codeText(n)
	case atom.Blockquote:
		t := inlineText(n, strip)
		if t == "" {
			return ""
		}
		return "> " + t
	case atom.Table:
		return tableText(n)
	}
	return inlineText(n, strip)
}

// inlineText collects text content with inline formatting conversion:
// strong/b → *x*, em/i → _x_, code → `x` (unless inside a pre, where fencing
// is handled by codeText and backticks must not double up).
func inlineText(n *html.Node, strip MatchFunc) string {
	var b strings.Builder
	writeInline(&b, n, strip, insidePre(n))
	return strings.TrimSpace(b.String())
}

func writeInline(b *strings.Builder, n *html.Node, strip MatchFunc, inPre bool) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			b.WriteString(c.Data)
		case html.ElementNode:
			if strip(c) {
				continue
			}
			switch c.DataAtom {
			case atom.Strong, atom.B:
				b.WriteString("*")
				b.WriteString(rawText(c))
				b.WriteString("*")
			case atom.Em, atom.I:
				b.WriteString("_")
				b.WriteString(rawText(c))
				b.WriteString("_")
			case atom.Code:
				if inPre {
					b.WriteString(rawText(c))
				} else {
					b.WriteString("`")
					b.WriteString(rawText(c))
					b.WriteString("`")
				}
			case atom.Pre:
				writeInline(b, c, strip, true)
			default:
				writeInline(b, c, strip, inPre)
			}
		}
	}
}

func listItemText(li *html.Node, strip MatchFunc) string {
	text := inlineText(li, strip)
	if text == "" {
		return ""
	}
	return listPrefix(li.Parent, li) + " " + text
}

func listText(list *html.Node, strip MatchFunc) string {
	var lines []string
	for c := list.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li {
			continue
		}
		text := inlineText(c, strip)
		if text == "" {
			continue
		}
		lines = append(lines, listPrefix(list, c)+" "+text)
	}
	return strings.Join(lines, "\n")
}

// listPrefix returns "N." for items of an ordered list (N = 1-based position
// among element siblings) and "•" otherwise.
func listPrefix(parent, li *html.Node) string {
	if parent == nil || parent.DataAtom != atom.Ol {
		return "•"
	}
	pos := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		pos++
		if c == li {
			break
		}
	}
	return fmt.Sprintf("%d.", pos)
}

func codeText(pre *html.Node) string {
	code := findFirst(pre, atom.Code)
	lang := ""
	src := pre
	if code != nil {
		src = code
		for _, c := range strings.Fields(attr(code, "class")) {
			if rest, ok := strings.CutPrefix(c, "language-"); ok {
				lang = rest
				break
			}
		}
	}
	content := strings.TrimSpace(rawText(src))
	return "```" + lang + "\n" + content + "\n```"
}

func tableText(table *html.Node) string {
	var rows []string
	walk(table, func(n *html.Node) {
		if n.DataAtom != atom.Tr {
			return
		}
		var cells []string
		walk(n, func(cell *html.Node) {
			if cell.DataAtom == atom.Th || cell.DataAtom == atom.Td {
				cells = append(cells, strings.TrimSpace(rawText(cell)))
			}
		})
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, " | "))
		}
	})
	return strings.Join(rows, "\n")
}

// rawText is the plain text content of a subtree, formatting-free.
func rawText(n *html.Node) string {
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

func insidePre(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.DataAtom == atom.Pre {
			return true
		}
	}
	return n.DataAtom == atom.Pre
}

func findFirst(root *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if found != nil {
			return
		}
		if n != root && n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(root)
	return found
}

func walk(root *html.Node, fn func(*html.Node)) {
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.ElementNode {
			fn(n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		rec(c)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Normalize collapses runs of whitespace to single spaces and trims. Two
// texts that normalize identically are the same content for fingerprinting
// purposes.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint returns a stable identity key for normalized text. DOM nodes
// are ephemeral; the fingerprint survives full page rebuilds. Empty content
// fingerprints to "0".
func Fingerprint(s string) string {
	norm := Normalize(s)
	if norm == "" {
		return "0"
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(norm))
}
