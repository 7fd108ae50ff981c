package extract

import (
	"regexp"
	"strconv"
)

var callIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func wellFormedCallID(id string) bool {
	return callIDPattern.MatchString(id)
}

// IDAllocator assigns ids to invocations and keeps them unique within one
// response. Ids derive from a content hash of the matched span, never from
// the clock, so repeated runs over the same text are reproducible.
type IDAllocator struct {
	seen map[string]struct{}
	salt int
}

func NewIDAllocator() *IDAllocator {
	return &IDAllocator{seen: make(map[string]struct{})}
}

// Assign fills inv.ID unless the source supplied a usable id, then records
// the id so later scans of the same response cannot repeat it. Collisions
// bump a running counter into the hash input.
func (a *IDAllocator) Assign(inv *Invocation) {
	id := inv.ID
	if !wellFormedCallID(id) {
		id = hashCallID(inv.raw)
	}

	for {
		if _, dup := a.seen[id]; !dup {
			break
		}
		a.salt++
		id = hashCallID(inv.raw + "#" + strconv.Itoa(a.salt))
	}

	a.seen[id] = struct{}{}
	inv.ID = id
}

// hashCallID is a 32-bit rolling hash over the matched span.
func hashCallID(s string) string {
	var h int32
	for _, r := range s {
		h = h<<5 - h + int32(r)
	}

	v := int64(h)
	if v < 0 {
		v = -v
	}
	return "call_" + strconv.FormatInt(v, 10)
}
