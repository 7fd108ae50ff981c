// Package streaming applies the markup transform to incrementally delivered
// response fragments. A Machine tracks one choice of one response; a Session
// groups the machines of one request; the Registry owns all live sessions
// and reaps the ones whose stream ended without a terminal signal.
//
// The machine mirrors the complete-mode transform: reasoning markup is
// resolved before tool markup within a buffer, each span is consumed exactly
// once, and feeding a whole response as a single fragment produces the same
// reasoning, tool calls and content as transforming it in one piece. Text is
// released as soon as it can no longer be the start of a marker, so a tag
// split across fragment boundaries never leaks to the client.
package streaming

import (
	"strings"
	"unicode"

	"github.com/vllm-studio/reason-proxy/internal/dialect"
	"github.com/vllm-studio/reason-proxy/internal/extract"
)

// Phase is the reasoning progress of one choice stream.
type Phase int

const (
	// PhaseNormal releases content while watching for markers.
	PhaseNormal Phase = iota

	// PhaseThinking withholds content and streams it as reasoning deltas.
	PhaseThinking

	// PhaseThinkDone is terminal: the reasoning span resolved once and
	// never reopens, later think markers are ordinary text.
	PhaseThinkDone
)

// Delta is the client-visible output produced by one fragment or by the
// terminal flush.
type Delta struct {
	// Content is visible text released in arrival order.
	Content string

	// Reasoning is incremental reasoning text.
	Reasoning string

	// Invocations are tool calls whose spans completed in this fragment.
	Invocations []extract.Invocation

	// ToolFinish marks that the response should finish with "tool_calls".
	ToolFinish bool

	// Grammar names the grammar that produced Invocations.
	Grammar string

	// Forced marks a buffer-cap flush: Content was released verbatim
	// without markup interpretation.
	Forced bool

	// DiscardedBytes counts unterminated markup dropped at stream end.
	DiscardedBytes int
}

// Empty reports whether the delta carries nothing for the client.
func (d Delta) Empty() bool {
	return d.Content == "" && d.Reasoning == "" && len(d.Invocations) == 0 && !d.ToolFinish
}

// Machine is the per-choice stream state machine. Fragments for one choice
// must arrive in delivery order; the machine itself does no locking, the
// owning Session serializes access.
type Machine struct {
	grammars   []extract.Grammar
	ids        *extract.IDAllocator
	reasoning  bool
	flushOnEnd bool
	maxBuffer  int

	phase            Phase
	pending          string
	heldWS           string
	reasoningEmitted bool
	spanStarted      bool
	trimming         bool
	leadingDone      bool
	finished         bool
}

// NewMachine builds a machine for one choice. ids carries tool-call id
// uniqueness across all choices of the response, so machines of one session
// share one allocator. maxBuffer caps withheld text; past it the buffer is
// force-flushed verbatim.
func NewMachine(profile dialect.Profile, ids *extract.IDAllocator, maxBuffer int) *Machine {
	if ids == nil {
		ids = extract.NewIDAllocator()
	}

	m := &Machine{
		grammars:   profile.Grammars,
		ids:        ids,
		reasoning:  profile.Reasoning,
		flushOnEnd: profile.FlushPartialOnEnd,
		maxBuffer:  maxBuffer,
	}

	// Some families emit reasoning from the first byte, terminated by a
	// bare closing marker with no opening tag.
	if profile.Reasoning && profile.ThinkFirst {
		m.phase = PhaseThinking
	}

	return m
}

// Buffered returns the bytes currently withheld.
func (m *Machine) Buffered() int {
	return len(m.pending)
}

// Feed appends one fragment and returns whatever it resolved.
func (m *Machine) Feed(fragment string) Delta {
	var d Delta
	if m.finished {
		return d
	}

	m.pending += fragment

	if m.maxBuffer > 0 && len(m.pending) > m.maxBuffer {
		// Bounded memory beats markup fidelity: release everything
		// verbatim and let later text start fresh.
		if m.phase == PhaseThinking {
			d.Reasoning = m.pending
			m.spanStarted = true
		} else {
			d.Content = m.heldWS + m.pending
			m.heldWS = ""
			m.leadingDone = true
		}
		m.pending = ""
		d.Forced = true
		return d
	}

	m.resolve(&d)
	return d
}

// Finish ends the stream. Remaining resolvable markup is extracted the same
// way the complete-mode transform would; what the cascade cannot claim is
// discarded, or released as literal text when the profile flushes partials.
func (m *Machine) Finish() Delta {
	var d Delta
	if m.finished {
		return d
	}
	m.finished = true

	if m.phase == PhaseThinking {
		if m.flushOnEnd {
			text := m.pending
			if !m.spanStarted {
				text = strings.TrimPrefix(text, extract.OpenThinkTag)
				text = strings.TrimLeftFunc(text, unicode.IsSpace)
			}
			d.Reasoning = strings.TrimRightFunc(text, unicode.IsSpace)
		} else {
			d.DiscardedBytes = len(m.pending)
		}
		m.pending = ""
		return d
	}

	if m.pending == "" {
		return d
	}

	if extract.HasToolMarkup(m.pending) {
		res := extract.ToolCalls(m.pending, m.grammars, m.ids)
		switch {
		case len(res.Invocations) > 0:
			d.Invocations = res.Invocations
			d.ToolFinish = true
			d.Grammar = res.Grammar
			m.trimming = true
			m.emitContent(&d, res.Leftover)
		case m.flushOnEnd:
			d.Content = m.heldWS + m.pending
			m.heldWS = ""
		default:
			d.DiscardedBytes = len(m.pending) - len(res.Leftover)
			m.trimming = true
			m.emitContent(&d, res.Leftover)
		}
		m.pending = ""
		return d
	}

	// The holdback was literal text that merely resembled a marker start.
	text := m.pending
	m.pending = ""
	if m.trimming {
		text = strings.TrimRightFunc(text, unicode.IsSpace)
	}
	m.emitContent(&d, text)
	return d
}

// resolve drains pending as far as the markers observed so far allow.
// Think completion is resolved before the tool scan on the same buffer, so
// markup inside an open think span is never misread as a tool call.
func (m *Machine) resolve(d *Delta) {
	if m.reasoning && !m.reasoningEmitted && strings.Contains(m.pending, extract.CloseThinkTag) {
		m.resolveThinkClose(d)
	}
	if m.phase == PhaseThinking {
		m.emitReasoning(d)
		return
	}

	m.resolveTools(d)
	m.maybeEnterThinking(d)
	if m.phase == PhaseThinking {
		m.emitReasoning(d)
		return
	}

	m.releaseContent(d)
}

// resolveThinkClose handles a completed think span: everything unreleased
// before the first closing marker becomes reasoning. Released content is
// never reclaimed, so for close-only dialects the span covers whatever was
// still withheld when the marker arrived.
func (m *Machine) resolveThinkClose(d *Delta) {
	idx := strings.Index(m.pending, extract.CloseThinkTag)
	tail := m.pending[:idx]
	rest := m.pending[idx+len(extract.CloseThinkTag):]

	if !m.spanStarted {
		tail = strings.TrimPrefix(tail, extract.OpenThinkTag)
		tail = strings.TrimLeftFunc(tail, unicode.IsSpace)
	}
	tail = strings.TrimRightFunc(tail, unicode.IsSpace)

	d.Reasoning += tail
	m.reasoningEmitted = true
	m.phase = PhaseThinkDone
	m.pending = rest

	// The remainder is post-split content, trimmed the way the complete
	// transform trims it.
	m.trimming = true
	m.leadingDone = false
	m.heldWS = ""
}

// emitReasoning streams span text live, holding back only what could still
// become a closing marker and any trailing whitespace that the close would
// trim away.
func (m *Machine) emitReasoning(d *Delta) {
	text := m.pending
	if !m.spanStarted {
		text = strings.TrimPrefix(text, extract.OpenThinkTag)
	}

	hold := partialSuffixLen(text, extract.CloseThinkTag)
	if !m.spanStarted {
		if h := partialSuffixLen(text, extract.OpenThinkTag); h > hold {
			hold = h
		}
	}
	cut := len(text) - hold

	emit := text[:cut]
	trimmed := strings.TrimRightFunc(emit, unicode.IsSpace)
	cut -= len(emit) - len(trimmed)
	emit = trimmed

	if !m.spanStarted {
		emit = strings.TrimLeftFunc(emit, unicode.IsSpace)
	}
	if emit != "" {
		d.Reasoning += emit
		m.spanStarted = true
	}
	m.pending = text[cut:]
}

// resolveTools runs the grammar cascade once the withheld tool region is
// settled: it contains a closing marker and does not end mid-span or
// mid-marker. Each tool call is consumed exactly once; an unterminated span
// at the tail stays withheld for a later fragment.
func (m *Machine) resolveTools(d *Delta) {
	a := strings.Index(m.pending, extract.OpenToolTag)
	if a < 0 {
		return
	}
	region := m.pending[a:]

	settled := region[:len(region)-m.regionPeel(region)]

	closeEnd := lastCloseEnd(settled)
	if closeEnd < 0 && m.reasoningEmitted {
		// A span bounded by a stray think close resolves too.
		if e := strings.Index(settled, extract.CloseThinkTag); e >= 0 {
			closeEnd = e + len(extract.CloseThinkTag)
		}
	}
	if closeEnd < 0 {
		return
	}

	if lastOpen := strings.LastIndex(settled, extract.OpenToolTag); lastOpen >= closeEnd {
		settled = settled[:lastOpen]
	}
	if m.reasoning && !m.reasoningEmitted {
		// An armed think open after the spans starts a reasoning span,
		// not leftover content.
		if ti := strings.Index(settled, extract.OpenThinkTag); ti >= closeEnd {
			settled = settled[:ti]
		}
	}

	m.trimming = true

	// Before anything has been released, the text ahead of the region goes
	// through the cascade with it, so the sweep joins and trims the pieces
	// the way a complete transform would. Mid-stream the text is already a
	// continuation and is released as is.
	scan := settled
	if !m.leadingDone {
		scan = m.pending[:a] + settled
	} else {
		m.releaseBefore(d, a)
	}
	res := extract.ToolCalls(scan, m.grammars, m.ids)
	m.pending = m.pending[len(scan):]

	if len(res.Invocations) > 0 {
		d.Invocations = append(d.Invocations, res.Invocations...)
		d.ToolFinish = true
		d.Grammar = res.Grammar
	}
	m.emitContent(d, res.Leftover)
}

// maybeEnterThinking opens a reasoning span at a complete opening marker,
// provided no unresolved tool markup precedes it. Text before the marker is
// released; it stays content even if the span later closes.
func (m *Machine) maybeEnterThinking(d *Delta) {
	if !m.reasoning || m.reasoningEmitted || m.phase != PhaseNormal {
		return
	}
	idx := strings.Index(m.pending, extract.OpenThinkTag)
	if idx < 0 {
		return
	}
	if t := strings.Index(m.pending[:idx], extract.OpenToolTag); t >= 0 {
		return
	}
	if b := bareBodyStart(m.pending[:idx]); b >= 0 {
		return
	}

	m.releaseBefore(d, idx)
	m.pending = m.pending[len(extract.OpenThinkTag):]
	m.phase = PhaseThinking
	m.spanStarted = false
}

// releaseContent drains pending up to the first position that could still
// become markup.
func (m *Machine) releaseContent(d *Delta) {
	cut := m.holdFrom(m.pending)
	text := m.pending[:cut]
	m.pending = m.pending[cut:]
	m.emitContent(d, text)
}

// releaseBefore emits exactly n bytes of pending as content. Used when a
// resolved marker bounds the text, so no suffix holdback applies.
func (m *Machine) releaseBefore(d *Delta, n int) {
	if n == 0 {
		return
	}
	text := m.pending[:n]
	m.pending = m.pending[n:]
	m.emitContent(d, text)
}

// emitContent releases text to the content stream. Outside the trimming
// regime it is byte-exact pass-through. Once a span has resolved, leading
// whitespace is dropped and trailing whitespace is held until later text
// proves it interior, which reproduces the complete transform's outer trim.
func (m *Machine) emitContent(d *Delta, text string) {
	if !m.trimming {
		if text != "" {
			d.Content += text
			m.leadingDone = true
		}
		return
	}

	if !m.leadingDone {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
	}
	if text == "" {
		return
	}

	text = m.heldWS + text
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	m.heldWS = text[len(trimmed):]
	if trimmed != "" {
		d.Content += trimmed
		m.leadingDone = true
	}
}

// holdFrom returns the index in s from which text must stay withheld: a
// complete tool open, a possible bare tool-call body, or a suffix that is a
// proper prefix of an active marker.
func (m *Machine) holdFrom(s string) int {
	cut := len(s)
	if i := strings.Index(s, extract.OpenToolTag); i >= 0 {
		cut = i
	}
	if i := bareBodyStart(s[:cut]); i >= 0 {
		// Until content has started, the whole buffer stays held: whether
		// a bare body counts as markup depends on what precedes it.
		if m.leadingDone {
			cut = i
		} else {
			cut = 0
		}
	}

	releasable := s[:cut]
	hold := partialSuffixLen(releasable, extract.OpenToolTag)
	if m.reasoning && !m.reasoningEmitted {
		if h := partialSuffixLen(releasable, extract.OpenThinkTag); h > hold {
			hold = h
		}
		if h := partialSuffixLen(releasable, extract.CloseThinkTag); h > hold {
			hold = h
		}
	}
	return cut - hold
}

// regionPeel returns how many trailing bytes of a tool region are not yet
// settled: a partial marker, and any whitespace run that would be trimmed
// if the region ended here.
func (m *Machine) regionPeel(region string) int {
	peel := partialSuffixLen(region, extract.CloseToolTag)
	if h := partialSuffixLen(region, extract.OpenToolTag); h > peel {
		peel = h
	}
	if m.reasoningEmitted {
		if h := partialSuffixLen(region, extract.CloseThinkTag); h > peel {
			peel = h
		}
	}

	rest := region[:len(region)-peel]
	peel += len(rest) - len(strings.TrimRightFunc(rest, unicode.IsSpace))
	return peel
}

// bareBodyPrefix is the literal opening of the bare JSON tool-call dialect.
const bareBodyPrefix = `{"name"`

// bareBodyStart returns the earliest index whose text could be (or become)
// a bare JSON tool-call body, or -1.
func bareBodyStart(s string) int {
	for i := 0; i < len(s); {
		j := strings.IndexByte(s[i:], '{')
		if j < 0 {
			return -1
		}
		start := i + j
		tail := s[start:]
		if len(tail) >= len(bareBodyPrefix) {
			if tail[:len(bareBodyPrefix)] == bareBodyPrefix {
				return start
			}
		} else if strings.HasPrefix(bareBodyPrefix, tail) {
			return start
		}
		i = start + 1
	}
	return -1
}

// partialSuffixLen returns the length of the longest proper prefix of
// marker that is a suffix of s.
func partialSuffixLen(s, marker string) int {
	longest := len(marker) - 1
	if longest > len(s) {
		longest = len(s)
	}
	for n := longest; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

func lastCloseEnd(s string) int {
	i := strings.LastIndex(s, extract.CloseToolTag)
	if i < 0 {
		return -1
	}
	return i + len(extract.CloseToolTag)
}
