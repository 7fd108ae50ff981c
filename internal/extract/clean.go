package extract

import (
	"regexp"
	"strings"
)

var (
	// Closed spans, body included.
	closedToolSweep = regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`)

	// Unclosed spans running to the next tag start or end of text. The
	// boundary tag is captured and written back, RE2 has no lookahead.
	unclosedToolSweep = regexp.MustCompile(`(?s)<tool_call>.*?(<[a-z]|$)`)

	// A dangling opening tag with no further markup behind it.
	danglingToolSweep = regexp.MustCompile(`<tool_call>[^<]*$`)
)

// CleanToolCallTags removes every remaining tool-call span from s, whether
// closed, unclosed or dangling. Runs after the grammar cascade so that
// spans no grammar could parse still never reach the client.
func CleanToolCallTags(s string) string {
	if !strings.Contains(s, OpenToolTag) {
		return strings.TrimSpace(s)
	}

	s = closedToolSweep.ReplaceAllString(s, "")

	// Replacing with the captured boundary can expose a following unclosed
	// span, so sweep until stable.
	for {
		next := unclosedToolSweep.ReplaceAllString(s, "${1}")
		if next == s {
			break
		}
		s = next
	}

	s = danglingToolSweep.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
