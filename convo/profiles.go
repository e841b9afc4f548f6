package convo

import "github.com/hazyhaar/streamrelay/selector"

const contentBlocks = "p, h1, h2, h3, h4, h5, h6, ul, ol, li, pre, blockquote, table"
const firstChunkBlocks = "p, h1, h2, h3, h4, h5, h6, pre, blockquote"

// Flagged is the built-in profile for hosts that mark streaming containers
// with a boolean attribute and interleave a reasoning/tool panel ahead of the
// answer.
func Flagged() Profile {
	return Profile{
		Name:     "flagged",
		FlagAttr: "data-is-streaming",
		Selectors: selector.Set{
			SelContainer: {
				Primary:   "div[data-is-streaming]",
				Fallbacks: []string{"[data-is-streaming]"},
				Critical:  true,
			},
			SelUserQuestion: {
				Primary:   "[data-testid=user-message]",
				Fallbacks: []string{"[data-testid*=user-message]"},
			},
			SelCleanRemove: {
				Primary: "button, svg, img",
			},
			SelContentBlock: {
				Primary: contentBlocks,
			},
			SelFirstChunk: {
				Primary: firstChunkBlocks,
			},
			SelAnswerRow: {
				Primary: ".row-start-2",
			},
			SelAnswerCell: {
				Primary: ".row-start-1",
			},
			SelToolPanel: {
				Primary: ".font-ui",
			},
		},
	}
}

// Marker is the built-in profile for hosts that append an inline generating
// indicator inside the streaming node and have no interleaved reasoning UI.
func Marker() Profile {
	return Profile{
		Name: "marker",
		Selectors: selector.Set{
			SelContainer: {
				Primary:   ".items-start .response-content-markdown",
				Fallbacks: []string{".response-content-markdown"},
				Critical:  true,
			},
			SelUserQuestion: {
				Primary:   "[class*=items-end] .message-bubble",
				Fallbacks: []string{".message-bubble"},
			},
			SelCleanRemove: {
				Primary: "button, svg, img, .animate-gaussian, .citation",
			},
			SelContentBlock: {
				Primary: contentBlocks,
			},
			SelFirstChunk: {
				Primary: firstChunkBlocks,
			},
			SelStreamMarker: {
				Primary:  ".animate-gaussian",
				Critical: false,
			},
		},
	}
}

// ProfileByName returns a built-in profile, ok=false for unknown names.
func ProfileByName(name string) (Profile, bool) {
	switch name {
	case "flagged":
		return Flagged(), true
	case "marker":
		return Marker(), true
	}
	return Profile{}, false
}
