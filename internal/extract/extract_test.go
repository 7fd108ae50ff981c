package extract

import "testing"

func TestSplitThinkSpan_TaggedPair(t *testing.T) {
	reasoning, rest, found := SplitThinkSpan("<think>reasoning here</think>Hello world")

	if !found {
		t.Fatal("expected a think span to be found")
	}
	if reasoning != "reasoning here" {
		t.Errorf("expected reasoning 'reasoning here', got '%s'", reasoning)
	}
	if rest != "Hello world" {
		t.Errorf("expected rest 'Hello world', got '%s'", rest)
	}
}

func TestSplitThinkSpan_MissingOpeningTag(t *testing.T) {
	reasoning, rest, found := SplitThinkSpan("some thoughts</think>Final answer")

	if !found {
		t.Fatal("expected a think span to be found")
	}
	if reasoning != "some thoughts" {
		t.Errorf("expected reasoning 'some thoughts', got '%s'", reasoning)
	}
	if rest != "Final answer" {
		t.Errorf("expected rest 'Final answer', got '%s'", rest)
	}
}

func TestSplitThinkSpan_NoMarker(t *testing.T) {
	reasoning, rest, found := SplitThinkSpan("just a plain answer")

	if found {
		t.Error("expected no think span")
	}
	if reasoning != "" {
		t.Errorf("expected empty reasoning, got '%s'", reasoning)
	}
	if rest != "just a plain answer" {
		t.Errorf("expected rest unchanged, got '%s'", rest)
	}
}

func TestSplitThinkSpan_SingleSplitOnly(t *testing.T) {
	reasoning, rest, found := SplitThinkSpan("<think>first</think>middle</think>end")

	if !found {
		t.Fatal("expected a think span to be found")
	}
	if reasoning != "first" {
		t.Errorf("expected reasoning 'first', got '%s'", reasoning)
	}
	if rest != "middle</think>end" {
		t.Errorf("expected the second marker kept as literal text, got '%s'", rest)
	}
}

func TestSplitThinkSpan_OpeningTagMidStringStays(t *testing.T) {
	reasoning, _, found := SplitThinkSpan("Hello <think>hmm</think>world")

	if !found {
		t.Fatal("expected a think span to be found")
	}
	// Only a marker at the very start of the text is stripped.
	if reasoning != "Hello <think>hmm" {
		t.Errorf("expected mid-string opening tag kept, got '%s'", reasoning)
	}
}

func TestSplitThinkSpan_TrimsWhitespace(t *testing.T) {
	reasoning, rest, found := SplitThinkSpan("<think>\n  pondering  \n</think>\n\nanswer\n")

	if !found {
		t.Fatal("expected a think span to be found")
	}
	if reasoning != "pondering" {
		t.Errorf("expected trimmed reasoning, got %q", reasoning)
	}
	if rest != "answer" {
		t.Errorf("expected trimmed rest, got %q", rest)
	}
}

func TestHasToolMarkup(t *testing.T) {
	if !HasToolMarkup(`before <tool_call>{"name":"x"}</tool_call>`) {
		t.Error("expected tag markup to be sniffed")
	}
	if !HasToolMarkup(`  {"name":"x","arguments":{}}`) {
		t.Error("expected bare json markup to be sniffed")
	}
	if HasToolMarkup("nothing to see here") {
		t.Error("expected plain text not to be sniffed")
	}
	if HasToolMarkup(`the word "name" alone is not markup`) {
		t.Error("expected non-object text not to be sniffed")
	}
}
