package crdt

import (
	"sort"
	"strings"
)

// CharID uniquely identifies a character by the clock and replica that
// created it.
type CharID struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

// Char is one character of the comment buffer with a dense position vector
// that determines its place in the sequence. Two replicas inserting between
// the same neighbors allocate the same vector; the id breaks the tie, so
// ordering is total and convergent.
type Char struct {
	ID       CharID `json:"id"`
	Value    string `json:"val"`
	Position []int  `json:"pos"`
}

type seqChar struct {
	Char
	deleted bool
}

// charSeq is the character sequence. Deletions are tombstoned, never
// physically removed. Not safe for concurrent use; the Document's lock
// covers it.
type charSeq struct {
	chars []*seqChar
	byID  map[CharID]*seqChar
}

func newCharSeq() *charSeq {
	return &charSeq{byID: make(map[CharID]*seqChar)}
}

const maxDigit = 1 << 15

func comparePos(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func (s *charSeq) less(a, b *seqChar) bool {
	if c := comparePos(a.Position, b.Position); c != 0 {
		return c < 0
	}
	if a.ID.Clock != b.ID.Clock {
		return a.ID.Clock < b.ID.Clock
	}
	return a.ID.Replica < b.ID.Replica
}

// insert places ch at its sorted position. Duplicate ids are ignored,
// which makes replayed ops idempotent.
func (s *charSeq) insert(ch Char) {
	if _, ok := s.byID[ch.ID]; ok {
		return
	}
	sc := &seqChar{Char: ch}
	idx := sort.Search(len(s.chars), func(i int) bool {
		return !s.less(s.chars[i], sc)
	})
	s.chars = append(s.chars, nil)
	copy(s.chars[idx+1:], s.chars[idx:])
	s.chars[idx] = sc
	s.byID[ch.ID] = sc
}

func (s *charSeq) tombstone(id CharID) {
	if sc, ok := s.byID[id]; ok {
		sc.deleted = true
	}
}

func (s *charSeq) visible() string {
	var b strings.Builder
	for _, sc := range s.chars {
		if !sc.deleted {
			b.WriteString(sc.Value)
		}
	}
	return b.String()
}

// visibleAt returns the underlying slot of the i-th visible character.
func (s *charSeq) visibleAt(i int) (*seqChar, bool) {
	n := 0
	for _, sc := range s.chars {
		if sc.deleted {
			continue
		}
		if n == i {
			return sc, true
		}
		n++
	}
	return nil, false
}

// idAt returns the id of the i-th visible character.
func (s *charSeq) idAt(i int) (CharID, bool) {
	sc, ok := s.visibleAt(i)
	if !ok {
		return CharID{}, false
	}
	return sc.ID, true
}

// charAt builds (without inserting) a Char placed between the visible
// neighbors around index.
func (s *charSeq) charAt(index int, value string, id CharID) Char {
	var prev, next []int
	if sc, ok := s.visibleAt(index - 1); ok && index > 0 {
		prev = sc.Position
	}
	if sc, ok := s.visibleAt(index); ok {
		next = sc.Position
	}
	return Char{ID: id, Value: value, Position: posBetween(prev, next)}
}

// posBetween allocates a position vector strictly between prev and next.
// prev == nil means the beginning, next == nil the end.
func posBetween(prev, next []int) []int {
	var out []int
	for i := 0; ; i++ {
		p := 0
		if i < len(prev) {
			p = prev[i]
		}
		n := maxDigit
		if i < len(next) {
			n = next[i]
		}
		if n-p > 1 {
			return append(out, p+1)
		}
		out = append(out, p)
		if n == p {
			continue
		}
		// n == p+1: the upper bound is no longer binding deeper down.
		next = nil
	}
}
