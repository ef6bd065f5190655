package protocol

import (
	"fmt"
	"time"
)

// FragmentChain is the ordered set of fragments that make up one bundle.
// It is never mixed with a receive run: a chain only exists once every
// fragment of [FragBegin, FragEnd] is present.
type FragmentChain []*Packet

// Bytes concatenates the fragment bodies.
func (fc FragmentChain) Bytes() []byte {
	n := 0
	for _, p := range fc {
		n += p.BodySize()
	}
	out := make([]byte, 0, n)
	for _, p := range fc {
		out = append(out, p.Body()...)
	}
	return out
}

// FirstRequestOffset returns the request offset of the first fragment that
// declares one, adjusted to an offset into Bytes(); ok is false when no
// fragment carries requests.
func (fc FragmentChain) FirstRequestOffset() (offset int, ok bool) {
	base := 0
	for _, p := range fc {
		if p.HasFlags(FlagHasRequests) {
			return base + int(p.FirstRequestOffset()), true
		}
		base += p.BodySize()
	}
	return 0, false
}

// FragmentedBundle collects the fragments of one bundle until all of them
// have arrived. Fragments may arrive in any order; duplicates are ignored.
type FragmentedBundle struct {
	begin     SeqNum
	end       SeqNum
	packets   []*Packet
	remaining int
	touched   time.Time
}

// NewFragmentedBundle starts a bundle from any of its fragments.
func NewFragmentedBundle(first *Packet, now time.Time) (*FragmentedBundle, error) {
	n := first.NumFragments()
	if n < 2 {
		return nil, fmt.Errorf("%w: fragment range of %d", ErrCorrupted, n)
	}
	fb := &FragmentedBundle{
		begin:     first.FragBegin(),
		end:       first.FragEnd(),
		packets:   make([]*Packet, n),
		remaining: n,
	}
	if _, err := fb.Add(first, now); err != nil {
		return nil, err
	}
	return fb, nil
}

// Add stores p and reports whether the bundle is now complete.
func (fb *FragmentedBundle) Add(p *Packet, now time.Time) (bool, error) {
	if p.FragBegin() != fb.begin || p.FragEnd() != fb.end {
		return false, fmt.Errorf("%w: fragment [%d,%d] does not match bundle [%d,%d]",
			ErrCorrupted, p.FragBegin(), p.FragEnd(), fb.begin, fb.end)
	}
	i := SeqDiff(p.Seq(), fb.begin)
	if i < 0 || i >= len(fb.packets) {
		return false, fmt.Errorf("%w: fragment %d outside [%d,%d]", ErrCorrupted, p.Seq(), fb.begin, fb.end)
	}

	fb.touched = now
	if fb.packets[i] == nil {
		fb.packets[i] = p
		fb.remaining--
	}
	return fb.remaining == 0, nil
}

// IsComplete reports whether every fragment has arrived.
func (fb *FragmentedBundle) IsComplete() bool { return fb.remaining == 0 }

// IsOld reports whether no fragment has arrived for longer than maxAge.
func (fb *FragmentedBundle) IsOld(now time.Time, maxAge time.Duration) bool {
	return now.Sub(fb.touched) > maxAge
}

// Begin returns the first fragment's sequence number.
func (fb *FragmentedBundle) Begin() SeqNum { return fb.begin }

// Remaining returns the number of missing fragments.
func (fb *FragmentedBundle) Remaining() int { return fb.remaining }

// Chain returns the fragments in order. Only valid once complete.
func (fb *FragmentedBundle) Chain() FragmentChain {
	if !fb.IsComplete() {
		return nil
	}
	return FragmentChain(fb.packets)
}

// End returns the last fragment's sequence number.
func (fb *FragmentedBundle) End() SeqNum { return fb.end }

// Present returns the fragments received so far, in sequence order.
func (fb *FragmentedBundle) Present() []*Packet {
	out := make([]*Packet, 0, len(fb.packets)-fb.remaining)
	for _, p := range fb.packets {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
