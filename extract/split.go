package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitText divides a long finished paragraph into two halves near the
// midpoint. It prefers a sentence boundary (". ") within ±20% of the
// midpoint, then a comma-space, then a plain space, then a hard index split.
// Both halves are trimmed.
func SplitText(text string) (string, string) {
	mid := len(text) / 2
	window := len(text) / 5

	if idx := nearestBoundary(text, mid, window, '.'); idx > 0 {
		return strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx:])
	}
	if idx := nearestBoundary(text, mid, window, ','); idx > 0 {
		return strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx:])
	}

	// Nearest plain space.
	best := -1
	for i := mid - window; i <= mid+window; i++ {
		if i <= 0 || i >= len(text) {
			continue
		}
		if text[i] == ' ' && (best == -1 || abs(i-mid) < abs(best-mid)) {
			best = i
		}
	}
	if best > 0 {
		return strings.TrimSpace(text[:best]), strings.TrimSpace(text[best:])
	}

	// Hard split, kept on a rune boundary.
	for mid > 0 && !utf8.RuneStart(text[mid]) {
		mid--
	}
	return strings.TrimSpace(text[:mid]), strings.TrimSpace(text[mid:])
}

// nearestBoundary finds the "<punct> " pair closest to mid within the window
// and returns the index just past the punctuation, so it stays in the first
// half. Returns -1 when no boundary lies in the window.
func nearestBoundary(text string, mid, window int, punct byte) int {
	best := -1
	for i := mid - window; i <= mid+window; i++ {
		if i <= 0 || i >= len(text)-1 {
			continue
		}
		if text[i] == punct && text[i+1] == ' ' {
			if best == -1 || abs(i-mid) < abs(best-mid) {
				best = i + 1
			}
		}
	}
	return best
}

// SplitWords splits text after the first n whitespace-delimited words.
// ok is false when the text has n words or fewer. On success head holds
// exactly n words and rest is the remainder with no word truncated.
func SplitWords(text string, n int) (head, rest string, ok bool) {
	if n <= 0 {
		return "", "", false
	}

	words := 0
	inWord := false
	end := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				inWord = false
				if words == n {
					end = i
					break
				}
			}
			continue
		}
		if !inWord {
			inWord = true
			words++
		}
	}
	if end < 0 {
		// Ran out of text at or before the nth word.
		return "", "", false
	}

	head = strings.TrimSpace(text[:end])
	rest = strings.TrimLeftFunc(text[end:], unicode.IsSpace)
	if rest == "" {
		return "", "", false
	}
	return head, rest, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
