package channel

import (
	"fmt"
	"slices"
	"time"

	"github.com/1ureka/relnet/internal/bundle"
	"github.com/1ureka/relnet/internal/protocol"
)

// AddToStream writes the channel's in-flight state so that another process
// can take the channel over with InitFromStream. Queued but unsent messages
// are not included.
func (c *Channel) AddToStream(w *protocol.StreamWriter) {
	w.WriteUint32(c.version)
	w.WriteUint32(c.creationVersion)
	w.WriteSeq(c.smallOutSeqAt)
	w.WriteSeq(c.largeOutSeqAt)
	w.WriteSeq(c.oldestUnackedSeq)
	w.WriteSeq(c.highestAck)
	w.WriteSeq(c.unackedCriticalSeq)
	w.WriteInt64(int64(c.roundTripTime))
	w.WriteSeq(c.inSeqAt)
	w.WriteBool(c.receivedAny)
	w.WriteBool(c.irregular)

	w.WriteUint32(uint32(c.numUnacked))
	c.eachUnacked(func(seq protocol.SeqNum, rec *UnackedPacket) {
		w.WriteSeq(rec.lastSentAtOutSeq)
		w.WriteBool(rec.wasResent)
		w.WriteBool(rec.held)
		rec.packet.AddToStream(w)
	})

	w.WriteUint32(uint32(c.numBufferedReceives))
	c.bufferedReceives.each(func(_ protocol.SeqNum, p *protocol.Packet) {
		p.AddToStream(w)
	})

	acks := make([]protocol.SeqNum, 0, len(c.acksToSend))
	for seq := range c.acksToSend {
		acks = append(acks, seq)
	}
	slices.SortFunc(acks, protocol.SeqDiff)
	w.WriteUint32(uint32(len(acks)))
	for _, seq := range acks {
		w.WriteSeq(seq)
	}

	var frags []*protocol.Packet
	if c.fragments != nil {
		frags = c.fragments.Present()
	}
	w.WriteUint32(uint32(len(frags)))
	for _, p := range frags {
		p.AddToStream(w)
	}
}

// eachUnacked visits unacked records oldest first.
func (c *Channel) eachUnacked(fn func(seq protocol.SeqNum, rec *UnackedPacket)) {
	if c.oldestUnackedSeq == protocol.SeqNull {
		return
	}
	for seq := c.oldestUnackedSeq; seq != c.largeOutSeqAt; seq = seq.Next() {
		if rec := c.unacked.get(seq); rec != nil {
			fn(seq, rec)
		}
	}
}

// InitFromStream replaces the channel's state with one written by
// AddToStream. Resend timers restart from now. On error the channel is left
// as it was.
func (c *Channel) InitFromStream(r *protocol.StreamReader) error {
	next := *c
	next.bundle = bundle.New()
	next.resetState()
	if err := next.readState(r); err != nil {
		return err
	}

	next.bundle = c.bundle
	next.bundle.Clear()
	*c = next
	if c.numUnacked > 0 && c.irregular {
		c.owner.MarkIrregular(c)
	}
	return nil
}

func (c *Channel) readState(r *protocol.StreamReader) error {
	c.version = r.ReadUint32()
	c.creationVersion = r.ReadUint32()
	c.smallOutSeqAt = r.ReadSeq()
	c.largeOutSeqAt = r.ReadSeq()
	c.oldestUnackedSeq = r.ReadSeq()
	c.highestAck = r.ReadSeq()
	c.unackedCriticalSeq = r.ReadSeq()
	c.roundTripTime = time.Duration(r.ReadInt64())
	c.inSeqAt = r.ReadSeq()
	c.receivedAny = r.ReadBool()
	c.irregular = r.ReadBool()
	if err := r.Err(); err != nil {
		return fmt.Errorf("channel state: %w", err)
	}
	if !c.smallOutSeqAt.Valid() || !c.largeOutSeqAt.Valid() || !c.inSeqAt.Valid() {
		return fmt.Errorf("%w: channel sequence numbers out of range", protocol.ErrCorrupted)
	}
	if span := protocol.SeqDiff(c.largeOutSeqAt, c.smallOutSeqAt); span < 0 || span > 2*c.settings.WindowSize {
		return fmt.Errorf("%w: send window of %d", protocol.ErrCorrupted, span)
	}

	now := c.clock.Now()
	n := int(r.ReadUint32())
	if n > 2*c.settings.WindowSize {
		return fmt.Errorf("%w: %d unacked packets", protocol.ErrCorrupted, n)
	}
	for i := 0; i < n; i++ {
		rec := &UnackedPacket{
			lastSentAtOutSeq: r.ReadSeq(),
			wasResent:        r.ReadBool(),
			held:             r.ReadBool(),
			lastSentTime:     now,
		}
		p, err := protocol.CreateFromStream(r)
		if err != nil {
			return fmt.Errorf("unacked packet %d: %w", i, err)
		}
		rec.packet = p
		if c.oldestUnackedSeq == protocol.SeqNull {
			return fmt.Errorf("%w: unacked packets without oldest seq", protocol.ErrCorrupted)
		}
		if protocol.SeqLessThan(p.Seq(), c.oldestUnackedSeq) || !protocol.SeqLessThan(p.Seq(), c.largeOutSeqAt) {
			return fmt.Errorf("%w: unacked seq %d outside [%d,%d)",
				protocol.ErrCorrupted, p.Seq(), c.oldestUnackedSeq, c.largeOutSeqAt)
		}
		c.unacked.reserve(protocol.SeqDiff(p.Seq(), c.oldestUnackedSeq) + 1)
		if c.unacked.get(p.Seq()) != nil {
			return fmt.Errorf("%w: unacked seq %d repeated", protocol.ErrCorrupted, p.Seq())
		}
		c.unacked.put(p.Seq(), rec)
		c.numUnacked++
	}
	if c.oldestUnackedSeq != protocol.SeqNull && c.unacked.get(c.oldestUnackedSeq) == nil {
		return fmt.Errorf("%w: no unacked packet at oldest seq %d", protocol.ErrCorrupted, c.oldestUnackedSeq)
	}

	n = int(r.ReadUint32())
	if n > c.settings.WindowSize {
		return fmt.Errorf("%w: %d buffered packets", protocol.ErrCorrupted, n)
	}
	for i := 0; i < n; i++ {
		p, err := protocol.CreateFromStream(r)
		if err != nil {
			return fmt.Errorf("buffered packet %d: %w", i, err)
		}
		gap := protocol.SeqDiff(p.Seq(), c.inSeqAt)
		if gap <= 0 || gap > c.settings.WindowSize {
			return fmt.Errorf("%w: buffered seq %d outside window", protocol.ErrCorrupted, p.Seq())
		}
		c.bufferedReceives.reserve(gap + 1)
		if c.bufferedReceives.get(p.Seq()) != nil {
			return fmt.Errorf("%w: buffered seq %d repeated", protocol.ErrCorrupted, p.Seq())
		}
		c.bufferedReceives.put(p.Seq(), p)
		c.numBufferedReceives++
	}

	n = int(r.ReadUint32())
	if n > c.settings.WindowSize {
		return fmt.Errorf("%w: %d acks", protocol.ErrCorrupted, n)
	}
	for i := 0; i < n; i++ {
		c.acksToSend[r.ReadSeq()] = struct{}{}
	}

	n = int(r.ReadUint32())
	if n > c.settings.MaxFragments {
		return fmt.Errorf("%w: %d fragments", protocol.ErrCorrupted, n)
	}
	for i := 0; i < n; i++ {
		p, err := protocol.CreateFromStream(r)
		if err != nil {
			return fmt.Errorf("fragment %d: %w", i, err)
		}
		if c.fragments == nil {
			if c.fragments, err = protocol.NewFragmentedBundle(p, now); err != nil {
				return err
			}
			continue
		}
		if _, err := c.fragments.Add(p, now); err != nil {
			return err
		}
	}

	if err := r.Err(); err != nil {
		return fmt.Errorf("channel state: %w", err)
	}
	return nil
}
