package channel

import (
	"fmt"

	"github.com/1ureka/relnet/internal/protocol"
)

// ring is a growable buffer addressed by seq & (cap-1). Each slot remembers
// which sequence number it holds so that a stale occupant is never mistaken
// for the one being looked up.
type ring[T any] struct {
	slots []ringSlot[T]
}

type ringSlot[T any] struct {
	seq protocol.SeqNum
	val *T
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{slots: make([]ringSlot[T], capacity)}
}

func (r *ring[T]) capacity() int { return len(r.slots) }

func (r *ring[T]) index(seq protocol.SeqNum) int { return int(seq) & (len(r.slots) - 1) }

// get returns the entry for seq, or nil.
func (r *ring[T]) get(seq protocol.SeqNum) *T {
	s := r.slots[r.index(seq)]
	if s.val != nil && s.seq == seq {
		return s.val
	}
	return nil
}

// occupant returns whatever sits in seq's slot.
func (r *ring[T]) occupant(seq protocol.SeqNum) (protocol.SeqNum, *T) {
	s := r.slots[r.index(seq)]
	return s.seq, s.val
}

// put stores v at seq. The slot must be free.
func (r *ring[T]) put(seq protocol.SeqNum, v *T) {
	i := r.index(seq)
	if r.slots[i].val != nil {
		panic(fmt.Sprintf("channel: ring slot for seq %d already holds seq %d", seq, r.slots[i].seq))
	}
	r.slots[i] = ringSlot[T]{seq: seq, val: v}
}

// remove clears seq's slot and returns what was there.
func (r *ring[T]) remove(seq protocol.SeqNum) *T {
	i := r.index(seq)
	s := r.slots[i]
	if s.val == nil || s.seq != seq {
		return nil
	}
	r.slots[i] = ringSlot[T]{}
	return s.val
}

// reserve doubles the ring until span consecutive sequence numbers map to
// distinct slots.
func (r *ring[T]) reserve(span int) {
	if span <= len(r.slots) {
		return
	}
	n := len(r.slots)
	for n < span {
		n *= 2
	}
	old := r.slots
	r.slots = make([]ringSlot[T], n)
	for _, s := range old {
		if s.val != nil {
			r.slots[r.index(s.seq)] = s
		}
	}
}

func (r *ring[T]) clear() {
	for i := range r.slots {
		r.slots[i] = ringSlot[T]{}
	}
}

// each visits every occupied slot in slot order.
func (r *ring[T]) each(fn func(seq protocol.SeqNum, v *T)) {
	for _, s := range r.slots {
		if s.val != nil {
			fn(s.seq, s.val)
		}
	}
}
