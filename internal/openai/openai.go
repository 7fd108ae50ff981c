// Package openai holds the chat-completion wire shapes this service attaches
// to upstream responses. Only the fields the transformer itself constructs
// live here; everything else in a response is carried opaquely so unknown
// upstream fields survive untouched.
package openai

import (
	"encoding/json"

	"github.com/vllm-studio/reason-proxy/internal/extract"
)

const (
	// ToolTypeFunction is the only tool_call type in the chat schema.
	ToolTypeFunction = "function"

	// FinishReasonToolCalls marks a response whose inline markup resolved
	// to invocations.
	FinishReasonToolCalls = "tool_calls"

	// FinishReasonStop is the ordinary completion signal.
	FinishReasonStop = "stop"
)

// ToolCall is one entry of a message tool_calls list.
type ToolCall struct {
	ID       string   `json:"id"`   // e.g. "call_1932483720"
	Type     string   `json:"type"` // always "function"
	Function Function `json:"function"`
}

// Function carries the call target and its JSON-encoded arguments.
type Function struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string, "{}" when empty
}

// DeltaToolCall is the streaming form of ToolCall. Index orders partial
// entries on the client; this service always emits whole entries.
type DeltaToolCall struct {
	Index    int      `json:"index"`
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// ToolCallsFrom converts recovered invocations into wire tool calls.
func ToolCallsFrom(invs []extract.Invocation) []ToolCall {
	if len(invs) == 0 {
		return nil
	}

	out := make([]ToolCall, 0, len(invs))
	for _, inv := range invs {
		out = append(out, ToolCall{
			ID:   inv.ID,
			Type: ToolTypeFunction,
			Function: Function{
				Name:      inv.Name,
				Arguments: EncodeArguments(inv.Arguments),
			},
		})
	}
	return out
}

// DeltaToolCallsFrom converts recovered invocations into streaming entries.
// base is the number of tool calls already emitted for this choice, so
// indexes keep rising across scans of one response.
func DeltaToolCallsFrom(invs []extract.Invocation, base int) []DeltaToolCall {
	if len(invs) == 0 {
		return nil
	}

	out := make([]DeltaToolCall, 0, len(invs))
	for i, inv := range invs {
		out = append(out, DeltaToolCall{
			Index: base + i,
			ID:    inv.ID,
			Type:  ToolTypeFunction,
			Function: Function{
				Name:      inv.Name,
				Arguments: EncodeArguments(inv.Arguments),
			},
		})
	}
	return out
}

// EncodeArguments renders an argument value as the JSON string the wire
// schema wants. Pre-encoded string arguments pass through as-is.
func EncodeArguments(v any) string {
	switch a := v.(type) {
	case nil:
		return "{}"
	case string:
		return a
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(b)
	}
}
