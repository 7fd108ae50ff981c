package proxy

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vllm-studio/reason-proxy/internal/dialect"
	"github.com/vllm-studio/reason-proxy/internal/extract"
	"github.com/vllm-studio/reason-proxy/internal/logger"
	"github.com/vllm-studio/reason-proxy/internal/streaming"
)

func testLogger() *logger.Logger {
	level := slog.LevelError
	if testing.Verbose() {
		level = slog.LevelDebug
	}
	return logger.New(logger.Config{Level: level})
}

func glmProfile() dialect.Profile {
	return dialect.Profile{
		Name:              "glm",
		Reasoning:         true,
		ThinkFirst:        true,
		FlushPartialOnEnd: true,
		Grammars: extract.GrammarsFor([]string{
			extract.GrammarXMLArgs,
			extract.GrammarPairedTags,
			extract.GrammarTruncatedTail,
			extract.GrammarBareJSON,
		}),
	}
}

func newTestRewriter(t *testing.T, profile dialect.Profile) *streamRewriter {
	t.Helper()
	reg := streaming.NewRegistry(streaming.RegistryOptions{
		TTL:           time.Hour,
		SweepInterval: time.Hour,
	}, testLogger())
	t.Cleanup(reg.Shutdown)

	sess, _ := reg.GetOrCreate("test-session", profile)
	return newStreamRewriter(sess, testLogger())
}

// contentChunk builds one SSE data line carrying a content delta.
func contentChunk(id string, choice int, content string) string {
	payload := fmt.Sprintf(`{"id":%q,"object":"chat.completion.chunk","model":"m","choices":[{"index":%d,"delta":{}}]}`, id, choice)
	payload, _ = sjson.Set(payload, "choices.0.delta.content", content)
	return "data: " + payload
}

func finishChunk(id string, choice int, reason string) string {
	return "data: " + fmt.Sprintf(`{"id":%q,"object":"chat.completion.chunk","model":"m","choices":[{"index":%d,"delta":{},"finish_reason":%q}]}`, id, choice, reason)
}

// dataPayload parses the JSON payload of one rewritten data line.
func dataPayload(t *testing.T, line string) gjson.Result {
	t.Helper()
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("not a data line: %q", line)
	}
	return gjson.Parse(strings.TrimPrefix(line, "data: "))
}

func singleLine(t *testing.T, got []string) string {
	t.Helper()
	if len(got) != 1 {
		t.Fatalf("got %d lines %q, want 1", len(got), got)
	}
	return got[0]
}

func TestRewriteLine_NonDataLinesPassThrough(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	for _, line := range []string{"", ": keep-alive", "event: message", "retry: 100"} {
		if got := singleLine(t, rw.rewriteLine(line)); got != line {
			t.Errorf("rewriteLine(%q) = %q, want unchanged", line, got)
		}
	}
}

func TestRewriteLine_PlainContentVerbatim(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	line := contentChunk("cmpl-1", 0, "Hello, world.")
	if got := singleLine(t, rw.rewriteLine(line)); got != line {
		t.Errorf("plain content rewritten:\n got %q\nwant %q", got, line)
	}

	done := "data: [DONE]"
	if got := singleLine(t, rw.rewriteLine(done)); got != done {
		t.Errorf("done marker rewritten: %q", got)
	}

	if rw.disposition() != "passthrough" {
		t.Errorf("disposition = %q, want passthrough", rw.disposition())
	}
}

func TestRewriteLine_RoleChunkUntouched(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	line := `data: {"id":"c","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`
	if got := singleLine(t, rw.rewriteLine(line)); got != line {
		t.Errorf("role chunk rewritten: %q", got)
	}
}

func TestRewriteLine_InvalidJSONVerbatim(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	line := "data: {not json at all"
	if got := singleLine(t, rw.rewriteLine(line)); got != line {
		t.Errorf("invalid payload rewritten: %q", got)
	}
}

func TestRewriteLine_UsageChunkPassesThrough(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	line := `data: {"id":"c","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`
	if got := singleLine(t, rw.rewriteLine(line)); got != line {
		t.Errorf("usage chunk rewritten: %q", got)
	}
}

func TestRewriteLine_ThinkSpanToReasoning(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	got := dataPayload(t, singleLine(t, rw.rewriteLine(contentChunk("c", 0, "<think>pondering"))))
	if v := got.Get("choices.0.delta.reasoning_content").String(); v != "pondering" {
		t.Errorf("reasoning_content = %q, want %q", v, "pondering")
	}
	if got.Get("choices.0.delta.content").Exists() {
		t.Errorf("content should be removed, got %q", got.Get("choices.0.delta.content").String())
	}

	got = dataPayload(t, singleLine(t, rw.rewriteLine(contentChunk("c", 0, " more</think> Answer"))))
	if v := got.Get("choices.0.delta.reasoning_content").String(); v != " more" {
		t.Errorf("reasoning_content = %q, want %q", v, " more")
	}
	if v := got.Get("choices.0.delta.content").String(); v != "Answer" {
		t.Errorf("content = %q, want %q", v, "Answer")
	}

	if rw.disposition() != "transformed" {
		t.Errorf("disposition = %q, want transformed", rw.disposition())
	}
}

func TestRewriteLine_ToolCallRewritesFinishReason(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	line := contentChunk("c", 0, "I'll check the weather.")
	if got := singleLine(t, rw.rewriteLine(line)); got != line {
		t.Errorf("plain prefix rewritten: %q", got)
	}

	markup := `<tool_call>{"name": "get_weather", "arguments": {"city": "SF"}}</tool_call>`
	got := dataPayload(t, singleLine(t, rw.rewriteLine(contentChunk("c", 0, markup))))
	calls := got.Get("choices.0.delta.tool_calls")
	if !calls.IsArray() || len(calls.Array()) != 1 {
		t.Fatalf("tool_calls = %q, want one entry", calls.Raw)
	}
	call := calls.Array()[0]
	if v := call.Get("function.name").String(); v != "get_weather" {
		t.Errorf("function.name = %q", v)
	}
	if v := call.Get("function.arguments").String(); v != `{"city":"SF"}` {
		t.Errorf("function.arguments = %q", v)
	}
	if !strings.HasPrefix(call.Get("id").String(), "call_") {
		t.Errorf("id = %q, want call_ prefix", call.Get("id").String())
	}
	if v := int(call.Get("index").Int()); v != 0 {
		t.Errorf("index = %d, want 0", v)
	}
	if got.Get("choices.0.delta.content").Exists() {
		t.Errorf("markup content should be removed, got %q", got.Get("choices.0.delta.content").String())
	}

	got = dataPayload(t, singleLine(t, rw.rewriteLine(finishChunk("c", 0, "stop"))))
	if v := got.Get("choices.0.finish_reason").String(); v != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", v)
	}

	done := "data: [DONE]"
	if got := singleLine(t, rw.rewriteLine(done)); got != done {
		t.Errorf("done after finish chunk = %q, want passthrough", got)
	}
}

func TestRewriteLine_WithheldChunksDropped(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	if got := rw.rewriteLine(contentChunk("c", 0, `<tool_call>{"name": "run",`)); len(got) != 0 {
		t.Fatalf("partial markup chunk should be dropped, got %q", got)
	}

	got := dataPayload(t, singleLine(t, rw.rewriteLine(contentChunk("c", 0, ` "arguments": {}}</tool_call>`))))
	if v := got.Get("choices.0.delta.tool_calls.0.function.name").String(); v != "run" {
		t.Errorf("function.name = %q, want run", v)
	}

	// No finish chunk arrived, so the terminal flush must still close the
	// choice with finish_reason tool_calls.
	lines := rw.rewriteLine("data: [DONE]")
	if len(lines) != 3 {
		t.Fatalf("got %d lines %q, want flush + separator + done", len(lines), lines)
	}
	flush := dataPayload(t, lines[0])
	if v := flush.Get("choices.0.finish_reason").String(); v != "tool_calls" {
		t.Errorf("flush finish_reason = %q, want tool_calls", v)
	}
	if lines[1] != "" || lines[2] != "data: [DONE]" {
		t.Errorf("tail lines = %q", lines[1:])
	}
}

func TestRewriteLine_StructuredToolCallsStandDown(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	lines := []string{
		`data: {"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_up","type":"function","function":{"name":"native","arguments":""}}]}}]}`,
		`data: {"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":1}"}}]}}]}`,
		`data: {"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"data: [DONE]",
	}
	for _, line := range lines {
		if got := singleLine(t, rw.rewriteLine(line)); got != line {
			t.Errorf("structured stream line rewritten:\n got %q\nwant %q", got, line)
		}
	}
	if rw.disposition() != "passthrough" {
		t.Errorf("disposition = %q, want passthrough", rw.disposition())
	}
}

func TestRewriteLine_MultipleChoices(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	line := `data: {"id":"c","choices":[{"index":0,"delta":{"content":"plain"}},{"index":1,"delta":{"content":"<think>x"}}]}`
	got := dataPayload(t, singleLine(t, rw.rewriteLine(line)))

	if v := got.Get("choices.0.delta.content").String(); v != "plain" {
		t.Errorf("choice 0 content = %q, want plain", v)
	}
	if got.Get("choices.1.delta.content").Exists() {
		t.Errorf("choice 1 content should be removed")
	}
	if v := got.Get("choices.1.delta.reasoning_content").String(); v != "x" {
		t.Errorf("choice 1 reasoning_content = %q, want x", v)
	}
}

func TestRewriteLine_FlushChunkSynthesizedAtDone(t *testing.T) {
	rw := newTestRewriter(t, glmProfile())

	got := dataPayload(t, singleLine(t, rw.rewriteLine(contentChunk("glm1", 0, "Thinking about it</thi"))))
	if v := got.Get("choices.0.delta.reasoning_content").String(); v != "Thinking about it" {
		t.Errorf("reasoning_content = %q", v)
	}

	lines := rw.rewriteLine("data: [DONE]")
	if len(lines) != 3 {
		t.Fatalf("got %d lines %q, want flush + separator + done", len(lines), lines)
	}

	flush := dataPayload(t, lines[0])
	if v := flush.Get("id").String(); v != "glm1" {
		t.Errorf("flush chunk id = %q, want glm1", v)
	}
	if v := flush.Get("choices.0.delta.reasoning_content").String(); v != "</thi" {
		t.Errorf("flushed reasoning = %q, want the held tail", v)
	}
	if fr := flush.Get("choices.0.finish_reason"); fr.Type != gjson.Null {
		t.Errorf("finish_reason = %q, want null", fr.Raw)
	}
	if lines[2] != "data: [DONE]" {
		t.Errorf("last line = %q, want done marker", lines[2])
	}
}

func TestTail_RecoversTruncatedToolCall(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	if got := rw.rewriteLine(contentChunk("c", 0, `<tool_call>{"name": "go", "arguments": {}}`)); len(got) != 0 {
		t.Fatalf("withheld chunk leaked: %q", got)
	}

	// Upstream died without a done marker.
	lines := rw.tail()
	if len(lines) != 2 {
		t.Fatalf("tail = %q, want flush + separator", lines)
	}
	flush := dataPayload(t, lines[0])
	if v := flush.Get("choices.0.delta.tool_calls.0.function.name").String(); v != "go" {
		t.Errorf("recovered call = %q, want go", v)
	}
	if v := flush.Get("choices.0.delta.tool_calls.0.function.arguments").String(); v != "{}" {
		t.Errorf("arguments = %q, want {}", v)
	}
	if v := flush.Get("choices.0.finish_reason").String(); v != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", v)
	}

	if again := rw.tail(); len(again) != 0 {
		t.Errorf("second tail should flush nothing, got %q", again)
	}
}

func TestRewriteLine_ToolCallIndexesRiseAcrossChunks(t *testing.T) {
	rw := newTestRewriter(t, dialect.Permissive())

	first := dataPayload(t, singleLine(t, rw.rewriteLine(
		contentChunk("c", 0, `<tool_call>{"name": "a", "arguments": {}}</tool_call>`))))
	second := dataPayload(t, singleLine(t, rw.rewriteLine(
		contentChunk("c", 0, `<tool_call>{"name": "b", "arguments": {}}</tool_call>`))))

	if v := int(first.Get("choices.0.delta.tool_calls.0.index").Int()); v != 0 {
		t.Errorf("first index = %d, want 0", v)
	}
	if v := int(second.Get("choices.0.delta.tool_calls.0.index").Int()); v != 1 {
		t.Errorf("second index = %d, want 1", v)
	}

	ids := []string{
		first.Get("choices.0.delta.tool_calls.0.id").String(),
		second.Get("choices.0.delta.tool_calls.0.id").String(),
	}
	if ids[0] == ids[1] {
		t.Errorf("tool call ids collide: %q", ids[0])
	}
}
