package protocol

// SeqNum is a packet sequence number. Values live in a modular space of
// SeqSize; every comparison must go through SeqLessThan or SeqDiff.
type SeqNum uint32

const (
	SeqBits = 28

	SeqSize SeqNum = 1 << SeqBits
	SeqMask SeqNum = SeqSize - 1

	// SeqNull marks "no sequence number". It is outside the valid range.
	SeqNull SeqNum = 0xFFFFFFFF

	seqHalf = SeqSize / 2
)

// Valid reports whether s lies inside the modular range.
func (s SeqNum) Valid() bool { return s <= SeqMask }

// Next returns s+1, wrapped.
func (s SeqNum) Next() SeqNum { return (s + 1) & SeqMask }

// Prev returns s-1, wrapped.
func (s SeqNum) Prev() SeqNum { return (s - 1) & SeqMask }

// Add returns s+n, wrapped. n may be negative.
func (s SeqNum) Add(n int) SeqNum { return SeqNum(int64(s)+int64(n)) & SeqMask }

// SeqLessThan reports whether a comes before b in the modular space.
// Exactly one of SeqLessThan(a, b) and SeqLessThan(b, a) holds for a != b;
// at the exact half-way distance the raw value breaks the tie.
func SeqLessThan(a, b SeqNum) bool {
	d := (b - a) & SeqMask
	switch {
	case d == 0:
		return false
	case d < seqHalf:
		return true
	case d > seqHalf:
		return false
	default:
		return a > b
	}
}

// SeqDiff returns the signed distance a-b. The sign agrees with SeqLessThan.
func SeqDiff(a, b SeqNum) int {
	d := (a - b) & SeqMask
	if d == 0 {
		return 0
	}
	if SeqLessThan(a, b) {
		return int(d) - int(SeqSize)
	}
	return int(d)
}
