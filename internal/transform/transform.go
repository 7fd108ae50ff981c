// Package transform rewrites chat-completion payloads whose content field
// carries inline reasoning or tool-call markup. It is a best-effort side
// transformation: anything that cannot be decoded, or has nothing to change,
// passes through byte-identical.
package transform

import (
	"encoding/json"

	"github.com/vllm-studio/reason-proxy/internal/extract"
	"github.com/vllm-studio/reason-proxy/internal/metrics"
	"github.com/vllm-studio/reason-proxy/internal/openai"
)

// Disposition says what happened to a payload, for logs and counters.
type Disposition int

const (
	// PassedThrough means the payload was forwarded unmodified: nothing to
	// change, or the expected shape was missing.
	PassedThrough Disposition = iota

	// Transformed means at least one field was rewritten or added.
	Transformed

	// PassThroughError means transformation was attempted and failed; the
	// original payload was forwarded instead.
	PassThroughError
)

func (d Disposition) String() string {
	switch d {
	case Transformed:
		return "transformed"
	case PassThroughError:
		return "passthrough_error"
	default:
		return "passthrough"
	}
}

// Options tunes one transformation run. The zero value enables everything.
type Options struct {
	// SkipReasoning disables the think-span split.
	SkipReasoning bool

	// SkipToolScan disables the grammar cascade. Set when the upstream
	// message already carries structured tool_calls.
	SkipToolScan bool

	// Grammars overrides the cascade order; nil means the default cascade.
	Grammars []extract.Grammar

	// IDs carries id uniqueness across scans of one response; nil
	// allocates fresh per call.
	IDs *extract.IDAllocator
}

// Output is the structured result for one message body.
type Output struct {
	// Content is the visible text with recognized markup removed. Nil is
	// explicit null: the markup resolved to tool calls and no visible
	// text remains.
	Content *string

	// ReasoningContent is the extracted think span, empty when none.
	ReasoningContent string

	// ToolCalls holds the recovered invocations in wire form.
	ToolCalls []openai.ToolCall

	// FinishReason is "tool_calls" when invocations were found, otherwise
	// empty so the upstream value stands.
	FinishReason string

	// Grammar names the winning grammar, empty when none matched.
	Grammar string
}

// Message transforms one complete message body: think-span split first, then
// the grammar cascade over the remainder. Text with no markup at all comes
// back untouched.
func Message(content string, opts Options) Output {
	rest := content
	var out Output

	if !opts.SkipReasoning {
		if reasoning, remainder, found := extract.SplitThinkSpan(content); found {
			out.ReasoningContent = reasoning
			rest = remainder
		}
	}
	out.Content = &rest

	if opts.SkipToolScan || !extract.HasToolMarkup(rest) {
		return out
	}

	res := extract.ToolCalls(rest, opts.Grammars, opts.IDs)
	out.Grammar = res.Grammar
	leftover := res.Leftover
	out.Content = &leftover

	if len(res.Invocations) > 0 {
		out.ToolCalls = openai.ToolCallsFrom(res.Invocations)
		out.FinishReason = openai.FinishReasonToolCalls
		if leftover == "" {
			out.Content = nil
		}
	}
	return out
}

// Response rewrites a complete (non-streaming) chat-completion body. The
// body is decoded into generic maps so unknown upstream fields survive the
// round trip. Bodies that do not look like chat completions pass through.
func Response(body []byte, opts Options) ([]byte, Disposition) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body, PassedThrough
	}

	choices, ok := payload["choices"].([]any)
	if !ok || len(choices) == 0 {
		return body, PassedThrough
	}

	// One allocator for the whole response keeps ids unique across choices.
	if opts.IDs == nil {
		opts.IDs = extract.NewIDAllocator()
	}

	changed := false
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		content, ok := message["content"].(string)
		if !ok || content == "" {
			continue
		}

		choiceOpts := opts
		if calls, ok := message["tool_calls"].([]any); ok && len(calls) > 0 {
			// The upstream already committed to structured tool calls;
			// only the reasoning split applies to this message.
			choiceOpts.SkipToolScan = true
		}

		out := Message(content, choiceOpts)
		metrics.RecordToolCalls(out.Grammar, len(out.ToolCalls))
		if out.ReasoningContent != "" {
			message["reasoning_content"] = out.ReasoningContent
			changed = true
		}
		if len(out.ToolCalls) > 0 {
			message["tool_calls"] = out.ToolCalls
			choice["finish_reason"] = out.FinishReason
			changed = true
		}
		switch {
		case out.Content == nil:
			message["content"] = nil
			changed = true
		case *out.Content != content:
			message["content"] = *out.Content
			changed = true
		}
	}

	if !changed {
		return body, PassedThrough
	}

	rewritten, err := json.Marshal(payload)
	if err != nil {
		return body, PassThroughError
	}
	return rewritten, Transformed
}
