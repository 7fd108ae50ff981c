package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vllm-studio/reason-proxy/internal/logger"
	"github.com/vllm-studio/reason-proxy/internal/openai"
	"github.com/vllm-studio/reason-proxy/internal/streaming"
	"github.com/vllm-studio/reason-proxy/internal/transform"
)

const doneMarker = "[DONE]"

// streamRewriter rewrites one SSE stream line by line. Data lines are parsed
// as chat completion chunks and their deltas routed through the session's
// per-choice machines; whatever the machines release replaces the original
// delta fields in place, so chunk shape and unknown fields survive. Lines
// that are not data, or data that is not a chunk, pass through verbatim.
type streamRewriter struct {
	sess *streaming.Session
	log  *logger.Logger

	seen       map[int]bool // choices that produced content
	finished   map[int]bool // choices whose finish_reason arrived
	structured map[int]bool // choices where the upstream emits its own tool_calls
	sawTools   map[int]bool // choices that resolved at least one invocation
	toolIndex  map[int]int  // next tool_calls entry index per choice

	skeleton string // last chunk payload, metadata template for synthesized chunks
	mutated  bool
	doneSeen bool
}

func newStreamRewriter(sess *streaming.Session, log *logger.Logger) *streamRewriter {
	return &streamRewriter{
		sess:       sess,
		log:        log,
		seen:       make(map[int]bool),
		finished:   make(map[int]bool),
		structured: make(map[int]bool),
		sawTools:   make(map[int]bool),
		toolIndex:  make(map[int]int),
	}
}

// rewriteLine maps one upstream line to zero or more output lines. Withheld
// text shrinks a chunk to nothing, in which case the line is dropped; a
// terminal flush in front of the end marker expands one line into several.
func (r *streamRewriter) rewriteLine(line string) []string {
	if !strings.HasPrefix(line, "data:") {
		return []string{line}
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == doneMarker {
		r.doneSeen = true
		return append(r.drain(), line)
	}

	rewritten, changed, drop := r.rewriteChunk(payload)
	if drop {
		return nil
	}
	if !changed {
		return []string{line}
	}
	r.mutated = true
	return []string{"data: " + rewritten}
}

// tail is the terminal flush for streams that end without a done marker.
// A truncated stream can still carry a recoverable tool call.
func (r *streamRewriter) tail() []string {
	if r.doneSeen {
		return nil
	}
	return r.drain()
}

// disposition reports what happened to the stream, for the response counter.
func (r *streamRewriter) disposition() string {
	if r.mutated {
		return transform.Transformed.String()
	}
	return transform.PassedThrough.String()
}

func (r *streamRewriter) rewriteChunk(payload string) (out string, changed, drop bool) {
	if !gjson.Valid(payload) {
		return payload, false, false
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return payload, false, false
	}
	choices := root.Get("choices")
	if !choices.Exists() || !choices.IsArray() {
		// Usage-only and error payloads pass through.
		return payload, false, false
	}

	r.skeleton = payload
	out = payload

	for pos, choice := range choices.Array() {
		idx := pos
		if v := choice.Get("index"); v.Exists() {
			idx = int(v.Int())
		}

		if choice.Get("delta.tool_calls").Exists() {
			// The upstream committed to structured tool calls for this
			// choice; its chunks pass through and the scan stands down.
			r.structured[idx] = true
			continue
		}
		if r.structured[idx] {
			continue
		}

		base := fmt.Sprintf("choices.%d", pos)

		orig := ""
		hasContent := false
		if content := choice.Get("delta.content"); content.Exists() && content.Type == gjson.String {
			orig = content.String()
			hasContent = true
		}

		var agg streaming.Delta
		if orig != "" {
			r.seen[idx] = true
			agg = r.sess.Feed(idx, orig)
			if agg.Forced {
				r.log.Warn("buffer cap hit, flushing withheld text verbatim",
					slog.Int("choice", idx),
					slog.Int("bytes", len(agg.Content)))
			}
		}

		finishing := false
		if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type != gjson.Null {
			finishing = true
			r.finished[idx] = true
			agg = mergeDeltas(agg, r.sess.FinishChoice(idx))
		}

		if agg.DiscardedBytes > 0 {
			r.log.Debug("unterminated markup discarded at stream end",
				slog.Int("choice", idx),
				slog.Int("discarded_bytes", agg.DiscardedBytes))
		}

		switch {
		case agg.Content == orig:
			// Untouched, including the no-content case.
		case agg.Content == "" && hasContent:
			out, _ = sjson.Delete(out, base+".delta.content")
			changed = true
		default:
			out, _ = sjson.Set(out, base+".delta.content", agg.Content)
			changed = true
		}

		if agg.Reasoning != "" {
			out, _ = sjson.Set(out, base+".delta.reasoning_content", agg.Reasoning)
			changed = true
		}

		if len(agg.Invocations) > 0 {
			out = r.setToolCalls(out, base, idx, agg)
			changed = true
		}

		if finishing && r.sawTools[idx] {
			if choice.Get("finish_reason").String() != openai.FinishReasonToolCalls {
				out, _ = sjson.Set(out, base+".finish_reason", openai.FinishReasonToolCalls)
				changed = true
			}
		}
	}

	if changed && chunkCarriesNothing(out) {
		return out, true, true
	}
	return out, changed, false
}

// drain finishes every choice that never saw a finish_reason and synthesizes
// flush chunks for whatever their machines still held. Choices the upstream
// ended itself, and choices on upstream-structured tool calls, are left
// alone.
func (r *streamRewriter) drain() []string {
	indexes := make([]int, 0, len(r.seen))
	for idx := range r.seen {
		if !r.finished[idx] && !r.structured[idx] {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	var out []string
	for _, idx := range indexes {
		r.finished[idx] = true
		d := r.sess.FinishChoice(idx)
		if d.DiscardedBytes > 0 {
			r.log.Debug("unterminated markup discarded at stream end",
				slog.Int("choice", idx),
				slog.Int("discarded_bytes", d.DiscardedBytes))
		}
		if d.Empty() && !r.sawTools[idx] {
			continue
		}
		// A choice that already emitted tool calls still needs its terminal
		// finish_reason even when nothing else is left to flush.
		r.mutated = true
		out = append(out, "data: "+r.synthesizeChunk(idx, d), "")
	}
	return out
}

// synthesizeChunk builds a flush chunk for one choice, cloning response
// metadata from the last upstream chunk so clients correlate it.
func (r *streamRewriter) synthesizeChunk(idx int, d streaming.Delta) string {
	out := `{"object":"chat.completion.chunk"}`
	if r.skeleton != "" {
		meta := gjson.Parse(r.skeleton)
		for _, key := range []string{"id", "object", "created", "model", "system_fingerprint"} {
			if v := meta.Get(key); v.Exists() {
				out, _ = sjson.SetRaw(out, key, v.Raw)
			}
		}
	}

	out, _ = sjson.Set(out, "choices.0.index", idx)
	out, _ = sjson.SetRaw(out, "choices.0.delta", "{}")
	if d.Content != "" {
		out, _ = sjson.Set(out, "choices.0.delta.content", d.Content)
	}
	if d.Reasoning != "" {
		out, _ = sjson.Set(out, "choices.0.delta.reasoning_content", d.Reasoning)
	}
	if len(d.Invocations) > 0 {
		out = r.setToolCalls(out, "choices.0", idx, d)
	}
	if d.ToolFinish || r.sawTools[idx] {
		out, _ = sjson.Set(out, "choices.0.finish_reason", openai.FinishReasonToolCalls)
	} else {
		out, _ = sjson.SetRaw(out, "choices.0.finish_reason", "null")
	}
	return out
}

func (r *streamRewriter) setToolCalls(out, base string, idx int, d streaming.Delta) string {
	calls := openai.DeltaToolCallsFrom(d.Invocations, r.toolIndex[idx])
	r.toolIndex[idx] += len(d.Invocations)
	r.sawTools[idx] = true

	raw, err := json.Marshal(calls)
	if err != nil {
		r.log.Error("failed to encode tool calls", slog.String("error", err.Error()))
		return out
	}
	rewritten, err := sjson.SetRaw(out, base+".delta.tool_calls", string(raw))
	if err != nil {
		return out
	}
	return rewritten
}

// mergeDeltas combines the content delta and the terminal delta of a chunk
// that carries both content and finish_reason.
func mergeDeltas(a, b streaming.Delta) streaming.Delta {
	a.Content += b.Content
	a.Reasoning += b.Reasoning
	a.Invocations = append(a.Invocations, b.Invocations...)
	a.ToolFinish = a.ToolFinish || b.ToolFinish
	if b.Grammar != "" {
		a.Grammar = b.Grammar
	}
	a.Forced = a.Forced || b.Forced
	a.DiscardedBytes += b.DiscardedBytes
	return a
}

// chunkCarriesNothing reports whether a rewritten chunk has nothing left for
// the client: every delta empty, no finish_reason, no logprobs, no usage.
func chunkCarriesNothing(payload string) bool {
	if u := gjson.Get(payload, "usage"); u.Exists() && u.Type != gjson.Null {
		return false
	}
	for _, choice := range gjson.Get(payload, "choices").Array() {
		if len(choice.Get("delta").Map()) > 0 {
			return false
		}
		if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type != gjson.Null {
			return false
		}
		if lp := choice.Get("logprobs"); lp.Exists() && lp.Type != gjson.Null {
			return false
		}
	}
	return true
}
