package document

import "strings"

// maxDigit bounds a position segment digit. Allocation picks midpoints, so a
// wide digit space keeps position depth shallow under interleaved inserts.
const maxDigit = uint32(1) << 30

// Segment is one level of a dense position identifier: a digit for ordering,
// the allocating actor as a tiebreak, and the actor's clock at allocation
// time so repeated allocations by one actor stay unique.
type Segment struct {
	Digit uint32 `json:"d"`
	Actor string `json:"a"`
	Clock uint64 `json:"c"`
}

// Position identifies one atom in the sequence. Positions are totally
// ordered and dense: between any two positions another can be allocated.
type Position []Segment

func compareSegments(a, b Segment) int {
	if a.Digit != b.Digit {
		if a.Digit < b.Digit {
			return -1
		}
		return 1
	}
	if a.Actor != b.Actor {
		return strings.Compare(a.Actor, b.Actor)
	}
	if a.Clock != b.Clock {
		if a.Clock < b.Clock {
			return -1
		}
		return 1
	}
	return 0
}

// Compare orders positions segment-wise; a strict prefix sorts first.
func (p Position) Compare(other Position) int {
	for i := 0; i < len(p) && i < len(other); i++ {
		if c := compareSegments(p[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	default:
		return 0
	}
}

// Key returns a stable string form usable as a map key.
func (p Position) Key() string {
	var builder strings.Builder
	for i, segment := range p {
		if i > 0 {
			builder.WriteByte('.')
		}
		builder.WriteString(segmentKey(segment))
	}
	return builder.String()
}

func segmentKey(segment Segment) string {
	return uitoa(uint64(segment.Digit)) + ":" + segment.Actor + ":" + uitoa(segment.Clock)
}

func uitoa(value uint64) string {
	if value == 0 {
		return "0"
	}
	var digits [20]byte
	i := len(digits)
	for value > 0 {
		i--
		digits[i] = byte('0' + value%10)
		value /= 10
	}
	return string(digits[i:])
}

// positionBetween allocates a fresh position strictly between left and right.
// A nil left means the start of the sequence and a nil right the end. The
// right bound stops constraining once the prefix diverges below it.
func positionBetween(left, right Position, actor string, clock uint64) Position {
	prefix := make(Position, 0, len(left)+1)
	rightBounds := true
	for depth := 0; ; depth++ {
		low := Segment{}
		if depth < len(left) {
			low = left[depth]
		}
		high := Segment{Digit: maxDigit}
		if rightBounds && depth < len(right) {
			high = right[depth]
		}

		if high.Digit-low.Digit > 1 {
			mid := low.Digit + (high.Digit-low.Digit)/2
			return append(prefix, Segment{Digit: mid, Actor: actor, Clock: clock})
		}

		// No room at this level. Copy the left constraint and descend; once
		// the copied segment sorts below the right one, the right bound no
		// longer applies to deeper levels.
		prefix = append(prefix, low)
		if rightBounds && depth < len(right) && compareSegments(low, right[depth]) < 0 {
			rightBounds = false
		}
	}
}
