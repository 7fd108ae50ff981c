package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Grammar is one tool-call text dialect: a name for logs and metrics plus a
// pure matcher mapping text to recovered invocations and leftover text.
// Matchers never assign ids, that happens once per response after the
// cascade picks a winner.
type Grammar struct {
	Name  string
	Match MatchFunc
}

// MatchFunc scans text for tool-call encodings in one dialect. It returns
// the recovered invocations, the text with every matched span removed, and
// whether the dialect matched at all. A returned false leaves text
// untouched for the next grammar in the cascade.
type MatchFunc func(text string) (invs []Invocation, leftover string, matched bool)

// Grammar names accepted in dialect profiles.
const (
	GrammarPairedTags    = "paired_tags"
	GrammarThinkBounded  = "think_bounded"
	GrammarTruncatedTail = "truncated_tail"
	GrammarBareJSON      = "bare_json"
	GrammarXMLArgs       = "xml_args"
)

// DefaultGrammars returns the full cascade in priority order.
func DefaultGrammars() []Grammar {
	return []Grammar{
		{GrammarPairedTags, matchPairedTags},
		{GrammarThinkBounded, matchThinkBounded},
		{GrammarTruncatedTail, matchTruncatedTail},
		{GrammarBareJSON, matchBareJSON},
		{GrammarXMLArgs, matchXMLDialect},
	}
}

// GrammarsFor resolves profile grammar names into a cascade, preserving the
// given order. Unknown names are skipped. An empty list falls back to the
// default cascade.
func GrammarsFor(names []string) []Grammar {
	if len(names) == 0 {
		return DefaultGrammars()
	}

	all := DefaultGrammars()
	out := make([]Grammar, 0, len(names))
	for _, name := range names {
		for _, g := range all {
			if g.Name == name {
				out = append(out, g)
				break
			}
		}
	}

	if len(out) == 0 {
		return all
	}
	return out
}

// Result is the outcome of one cascade run.
type Result struct {
	// Invocations recovered by the winning grammar, ids assigned.
	Invocations []Invocation

	// Leftover is the input with matched spans removed and stray
	// tool-call tags swept out.
	Leftover string

	// Grammar is the name of the winning grammar, empty when none matched.
	Grammar string
}

// ToolCalls runs the grammar cascade over text. The first grammar producing
// at least one invocation is used exclusively. Whether or not a grammar
// matched, the leftover is swept for stray tool-call tags afterwards, so
// unparseable spans never leak to the client.
//
// ids carries id uniqueness across multiple scans of one response; pass nil
// for a single-shot scan.
func ToolCalls(text string, grammars []Grammar, ids *IDAllocator) Result {
	if grammars == nil {
		grammars = DefaultGrammars()
	}
	if ids == nil {
		ids = NewIDAllocator()
	}

	res := Result{Leftover: text}
	for _, g := range grammars {
		if invs, leftover, ok := g.Match(text); ok {
			res.Invocations = invs
			res.Leftover = leftover
			res.Grammar = g.Name
			break
		}
	}

	res.Leftover = CleanToolCallTags(res.Leftover)
	for i := range res.Invocations {
		ids.Assign(&res.Invocations[i])
	}
	return res
}

var (
	// G1: well-formed <tool_call>...</tool_call> spans, body attempted as JSON.
	pairedTagPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)

	// G2: <tool_call> with no closing tag, bounded by a think close marker.
	thinkBoundedPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</think>`)

	// G5: <tool_call>name <key>value</key>...</tool_call>.
	xmlDialectPattern = regexp.MustCompile(`(?s)<tool_call>\s*(\w+)\s*(.*?)\s*</tool_call>`)
)

func matchPairedTags(text string) ([]Invocation, string, bool) {
	matches := pairedTagPattern.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil, text, false
	}

	var invs []Invocation
	for _, m := range matches {
		if inv, ok := invocationFromJSONBody(strings.TrimSpace(m[1])); ok {
			invs = append(invs, inv)
		}
	}
	if len(invs) == 0 {
		return nil, text, false
	}

	// Parsed and unparseable spans alike are consumed; a body that failed
	// every parse is treated as markup, not content.
	return invs, pairedTagPattern.ReplaceAllString(text, ""), true
}

func matchThinkBounded(text string) ([]Invocation, string, bool) {
	if !strings.Contains(text, OpenToolTag) {
		return nil, text, false
	}

	matches := thinkBoundedPattern.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil, text, false
	}

	var invs []Invocation
	for _, m := range matches {
		if inv, ok := invocationFromJSONBody(strings.TrimSpace(m[1])); ok {
			invs = append(invs, inv)
		}
	}
	if len(invs) == 0 {
		return nil, text, false
	}

	return invs, thinkBoundedPattern.ReplaceAllString(text, ""), true
}

// matchTruncatedTail handles generation that stopped before the closing tag:
// <tool_call> followed directly by a JSON object, terminated by end of text
// or the start of the next tag.
func matchTruncatedTail(text string) ([]Invocation, string, bool) {
	var invs []Invocation
	var spans [][2]int

	pos := 0
	for {
		rel := strings.Index(text[pos:], OpenToolTag)
		if rel < 0 {
			break
		}
		tagStart := pos + rel
		bodyStart := tagStart + len(OpenToolTag)

		j := bodyStart
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		if j >= len(text) || text[j] != '{' {
			pos = bodyStart
			continue
		}

		// The scan is string-aware, so a '<' inside an argument value does
		// not end the body; an object that never closes before end of text
		// is skipped.
		objEnd, ok := balancedObjectEnd(text, j)
		if !ok {
			pos = bodyStart
			continue
		}

		if inv, parsed := invocationFromJSONBody(text[j:objEnd]); parsed {
			invs = append(invs, inv)
			spans = append(spans, [2]int{tagStart, objEnd})
		}
		pos = objEnd
	}

	if len(invs) == 0 {
		return nil, text, false
	}
	return invs, removeSpans(text, spans), true
}

// matchBareJSON collects top-level {"name": ..., "arguments": {...}} objects
// appearing with no tag markup at all. All non-overlapping matches count.
func matchBareJSON(text string) ([]Invocation, string, bool) {
	var invs []Invocation
	var spans [][2]int

	pos := 0
	for {
		rel := strings.Index(text[pos:], `{"name"`)
		if rel < 0 {
			break
		}
		start := pos + rel

		objEnd, ok := balancedObjectEnd(text, start)
		if !ok {
			pos = start + 1
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(text[start:objEnd]), &obj); err != nil {
			pos = start + 1
			continue
		}

		name, _ := obj["name"].(string)
		args, isObject := obj["arguments"].(map[string]any)
		if name == "" || !isObject {
			pos = start + 1
			continue
		}

		invs = append(invs, Invocation{
			Name:      name,
			Arguments: args,
			raw:       text[start:objEnd],
		})
		spans = append(spans, [2]int{start, objEnd})
		pos = objEnd
	}

	if len(invs) == 0 {
		return nil, text, false
	}
	return invs, removeSpans(text, spans), true
}

func matchXMLDialect(text string) ([]Invocation, string, bool) {
	matches := xmlDialectPattern.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil, text, false
	}

	var invs []Invocation
	for _, m := range matches {
		args := parseXMLArgs(m[2])
		// A body with text but no parseable pairs is prose, not the
		// argument dialect. Zero-argument calls have an empty section.
		if strings.TrimSpace(m[2]) != "" && len(args) == 0 {
			continue
		}
		invs = append(invs, Invocation{
			Name:      m[1],
			Arguments: args,
			raw:       m[0],
		})
	}
	if len(invs) == 0 {
		return nil, text, false
	}

	return invs, xmlDialectPattern.ReplaceAllString(text, ""), true
}

// invocationFromJSONBody decodes one candidate body. The whole body is
// attempted first; bodies that open an object but carry trailing junk fall
// back to the first balanced object inside. A body without a name is
// rejected. When arguments is absent, the remaining top-level keys besides
// name and id become the argument object.
func invocationFromJSONBody(body string) (Invocation, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		if !strings.HasPrefix(body, "{") {
			return Invocation{}, false
		}
		end, ok := balancedObjectEnd(body, 0)
		if !ok {
			return Invocation{}, false
		}
		if err := json.Unmarshal([]byte(body[:end]), &obj); err != nil {
			return Invocation{}, false
		}
	}

	name, _ := obj["name"].(string)
	if name == "" {
		return Invocation{}, false
	}

	args, present := obj["arguments"]
	if !present {
		rest := make(map[string]any, len(obj))
		for k, v := range obj {
			if k != "name" && k != "id" {
				rest[k] = v
			}
		}
		args = rest
	}

	inv := Invocation{Name: name, Arguments: args, raw: body}
	if id, ok := obj["id"].(string); ok && wellFormedCallID(id) {
		inv.ID = id
	}
	return inv, true
}

// balancedObjectEnd scans the object opening at s[start] ('{') and returns
// the index one past its matching close brace, honoring JSON strings and
// escapes. Reports false when the object never closes within s.
func balancedObjectEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func removeSpans(text string, spans [][2]int) string {
	var b strings.Builder
	b.Grow(len(text))

	prev := 0
	for _, span := range spans {
		b.WriteString(text[prev:span[0]])
		prev = span[1]
	}
	b.WriteString(text[prev:])
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
