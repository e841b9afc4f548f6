package relay

import "strings"

// prefixReserve leaves room for the "[i/n] " part prefix so a prefixed
// chunk still fits under the API limit.
const prefixReserve = 8

// breakPoint is a preferred place to cut a long message, tried in
// order. Offset is how many bytes of the pattern stay with the first
// chunk (a closing code fence stays, a leading newline does not).
type breakPoint struct {
	pattern string
	offset  int
}

var breakPoints = []breakPoint{
	{"\n```", 4},
	{"```\n", 0},
	{"\n\n", 2},
	{"\n", 1},
	{". ", 2},
	{", ", 2},
	{" ", 1},
}

// SplitMessage cuts text into chunks no longer than maxLength bytes,
// preferring code-fence, paragraph, line, sentence, comma and word
// boundaries in that order. A boundary is only used when it lands past
// 40% of the budget, otherwise the next weaker pattern is tried; a
// rune-safe hard cut is the last resort.
func SplitMessage(text string, maxLength int) []string {
	if len(text) <= maxLength {
		return []string{text}
	}
	budget := maxLength - prefixReserve

	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= budget {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := hardCut(remaining, budget)
		for _, bp := range breakPoints {
			idx := strings.LastIndex(remaining[:budget], bp.pattern)
			if idx > budget*4/10 {
				splitAt = idx + bp.offset
				break
			}
		}

		chunks = append(chunks, strings.TrimSpace(remaining[:splitAt]))
		remaining = strings.TrimSpace(remaining[splitAt:])
	}
	return chunks
}

// hardCut returns the largest index <= limit that does not land inside
// a multi-byte rune.
func hardCut(s string, limit int) int {
	for limit > 0 && s[limit]&0xC0 == 0x80 {
		limit--
	}
	return limit
}
