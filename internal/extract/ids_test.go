package extract

import (
	"strings"
	"testing"
)

func TestIDAllocator_Deterministic(t *testing.T) {
	text := `<tool_call>{"name":"get_weather","arguments":{"city":"Paris"}}</tool_call>`

	first := ToolCalls(text, nil, nil)
	second := ToolCalls(text, nil, nil)

	if first.Invocations[0].ID == "" {
		t.Fatal("expected a synthesized id")
	}
	if !strings.HasPrefix(first.Invocations[0].ID, "call_") {
		t.Errorf("expected call_ prefix, got '%s'", first.Invocations[0].ID)
	}
	if first.Invocations[0].ID != second.Invocations[0].ID {
		t.Errorf("expected identical text to hash to the same id, got '%s' and '%s'",
			first.Invocations[0].ID, second.Invocations[0].ID)
	}
}

func TestIDAllocator_DuplicateSpansGetDistinctIDs(t *testing.T) {
	text := `<tool_call>{"name":"a","arguments":{}}</tool_call><tool_call>{"name":"a","arguments":{}}</tool_call>`

	res := ToolCalls(text, nil, nil)

	if len(res.Invocations) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(res.Invocations))
	}
	if res.Invocations[0].ID == res.Invocations[1].ID {
		t.Errorf("expected distinct ids for identical spans, both got '%s'", res.Invocations[0].ID)
	}
}

func TestIDAllocator_UniqueAcrossScans(t *testing.T) {
	text := `<tool_call>{"name":"a","arguments":{}}</tool_call>`
	ids := NewIDAllocator()

	first := ToolCalls(text, nil, ids)
	second := ToolCalls(text, nil, ids)

	if first.Invocations[0].ID == second.Invocations[0].ID {
		t.Errorf("expected a shared allocator to keep ids unique, both got '%s'",
			first.Invocations[0].ID)
	}
}

func TestIDAllocator_SuppliedIDKept(t *testing.T) {
	text := `<tool_call>{"id":"call_abc123","name":"x","arguments":{}}</tool_call>`

	res := ToolCalls(text, nil, nil)

	if res.Invocations[0].ID != "call_abc123" {
		t.Errorf("expected supplied id kept, got '%s'", res.Invocations[0].ID)
	}
}

func TestIDAllocator_MalformedSuppliedIDReplaced(t *testing.T) {
	text := `<tool_call>{"id":"has spaces!","name":"x","arguments":{}}</tool_call>`

	res := ToolCalls(text, nil, nil)

	if res.Invocations[0].ID == "has spaces!" {
		t.Error("expected malformed id replaced")
	}
	if !strings.HasPrefix(res.Invocations[0].ID, "call_") {
		t.Errorf("expected synthesized id, got '%s'", res.Invocations[0].ID)
	}
}

func TestHashCallID_KnownValues(t *testing.T) {
	// The hash is stable across runs and platforms; a changed value here
	// means clients correlating ids across retries will see new ids.
	if a, b := hashCallID("same"), hashCallID("same"); a != b {
		t.Errorf("expected stable hash, got '%s' and '%s'", a, b)
	}
	if a, b := hashCallID("one"), hashCallID("two"); a == b {
		t.Errorf("expected different inputs to differ, both got '%s'", a)
	}
	if !strings.HasPrefix(hashCallID(""), "call_") {
		t.Error("expected call_ prefix even for empty input")
	}
}
