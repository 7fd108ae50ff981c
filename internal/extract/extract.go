// Package extract recovers inline reasoning and tool-call markup from model
// text.
//
// Local backends encode tool calls inside the content field in several
// competing dialects rather than as structured response fields:
//
//	<tool_call>{"name":"get_weather","arguments":{"city":"Paris"}}</tool_call>
//	<tool_call>get_weather <city>Paris</city></tool_call>
//	{"name":"get_weather","arguments":{"city":"Paris"}}
//
// Grammars are tried in priority order. The first grammar that yields at
// least one invocation wins exclusively and its leftover text replaces the
// matched spans. Reasoning markup (<think>...</think>) is split off before
// any grammar runs, see SplitThinkSpan.
package extract

import "strings"

// Markup markers shared by the grammars and the streaming layer.
const (
	OpenThinkTag  = "<think>"
	CloseThinkTag = "</think>"
	OpenToolTag   = "<tool_call>"
	CloseToolTag  = "</tool_call>"
)

// Invocation is one tool call recovered from model text.
type Invocation struct {
	// ID is unique within one response. Synthesized from a content hash
	// when the source text supplies no usable id.
	ID string

	// Name is the function name. Always non-empty.
	Name string

	// Arguments is the decoded argument object. Bodies that pre-encode
	// their arguments as a JSON string keep the string form.
	Arguments any

	// raw is the matched source span, kept as the id synthesis input.
	raw string
}

// HasToolMarkup reports whether text is worth running the grammar cascade
// over. Cheap substring sniff, not a parse.
func HasToolMarkup(text string) bool {
	if strings.Contains(text, OpenToolTag) {
		return true
	}
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"name"`)
}

// SplitThinkSpan splits s at the first closing think marker.
//
// Everything before the marker is the reasoning span, with one leading
// opening marker stripped if present; everything after is the content
// remainder. Both sides are whitespace trimmed. Some backends omit the
// opening marker entirely and expect the whole prefix treated as reasoning,
// so the opening tag is optional. Only a single split happens; a second
// closing marker later in the string is ordinary text.
func SplitThinkSpan(s string) (reasoning, rest string, found bool) {
	idx := strings.Index(s, CloseThinkTag)
	if idx < 0 {
		return "", s, false
	}

	left := strings.TrimPrefix(s[:idx], OpenThinkTag)
	return strings.TrimSpace(left), strings.TrimSpace(s[idx+len(CloseThinkTag):]), true
}
