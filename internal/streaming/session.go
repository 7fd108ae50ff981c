package streaming

import (
	"sort"
	"sync"
	"time"

	"github.com/vllm-studio/reason-proxy/internal/dialect"
	"github.com/vllm-studio/reason-proxy/internal/extract"
	"github.com/vllm-studio/reason-proxy/internal/metrics"
)

// ChoiceDelta pairs a delta with the choice index it belongs to.
type ChoiceDelta struct {
	Index int
	Delta Delta
}

// Session tracks one streamed response. It lazily builds one Machine per
// choice index and shares a single id allocator across them, so tool-call
// ids stay unique within the response no matter which choice produced them.
type Session struct {
	ID      string
	Profile dialect.Profile

	mu        sync.Mutex
	machines  map[int]*Machine
	ids       *extract.IDAllocator
	maxBuffer int
	created   time.Time
	lastSeen  time.Time
	ended     bool
}

func newSession(id string, profile dialect.Profile, maxBuffer int) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Profile:   profile,
		machines:  make(map[int]*Machine, 1),
		ids:       extract.NewIDAllocator(),
		maxBuffer: maxBuffer,
		created:   now,
		lastSeen:  now,
	}
}

// Feed routes one fragment to the machine for the given choice index.
func (s *Session) Feed(choice int, fragment string) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Delta{}
	}
	s.lastSeen = time.Now()

	m, ok := s.machines[choice]
	if !ok {
		m = NewMachine(s.Profile, s.ids, s.maxBuffer)
		s.machines[choice] = m
	}

	d := m.Feed(fragment)
	if d.Forced {
		metrics.ForceFlushes.Inc()
	}
	metrics.RecordToolCalls(d.Grammar, len(d.Invocations))
	return d
}

// FinishChoice finishes the machine for one choice and returns its terminal
// delta. Streams carry finish_reason per choice, so one choice can end while
// its siblings continue. Finishing a choice that never produced a fragment,
// or one already finished, yields an empty delta.
func (s *Session) FinishChoice(choice int) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Delta{}
	}
	s.lastSeen = time.Now()

	m, ok := s.machines[choice]
	if !ok {
		return Delta{}
	}

	d := m.Finish()
	if d.DiscardedBytes > 0 {
		metrics.PartialDiscards.Inc()
	}
	metrics.RecordToolCalls(d.Grammar, len(d.Invocations))
	return d
}

// End finishes every machine and returns the terminal deltas in choice
// order. A session ends at most once; later calls return nil.
func (s *Session) End() []ChoiceDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true

	indices := make([]int, 0, len(s.machines))
	for idx := range s.machines {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var out []ChoiceDelta
	for _, idx := range indices {
		d := s.machines[idx].Finish()
		if d.DiscardedBytes > 0 {
			metrics.PartialDiscards.Inc()
		}
		metrics.RecordToolCalls(d.Grammar, len(d.Invocations))
		if !d.Empty() {
			out = append(out, ChoiceDelta{Index: idx, Delta: d})
		}
	}
	return out
}

// Buffered sums the withheld bytes across all machines.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, m := range s.machines {
		total += m.Buffered()
	}
	return total
}

// LastSeen is the time of the most recent fragment.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Age is the time since the session was created.
func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.created)
}
