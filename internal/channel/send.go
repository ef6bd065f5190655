package channel

import (
	"errors"
	"fmt"
	"slices"
	"syscall"

	"github.com/1ureka/relnet/internal/bundle"
	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/util"
)

// ackReserve is how many selective acks every packet budgets space for.
// Packets with room to spare carry more.
const ackReserve = 32

// trailerSize is what follows the selective acks in every packet.
func (c *Channel) trailerSize() int {
	n := protocol.SeqSize32 // cumulative ack
	if c.kind == KindIndexed {
		n += protocol.ChannelInfoSize
	}
	if c.settings.Checksums {
		n += protocol.ChecksumSize
	}
	return n
}

// footerReserve is the space each packet of a bundle keeps free for footers.
func (c *Channel) footerReserve() int {
	n := protocol.SeqSize32 + c.trailerSize()
	if acks := len(c.acksToSend); acks > 0 {
		n += 1 + min(acks, ackReserve)*protocol.SeqSize32
	}
	return n
}

// Send slices b, or the channel's own bundle when b is nil, into packets,
// stamps them and puts them on the wire. Overdue resends go out first, riding
// on the new packets when there is room.
//
// A send on a failed remote discards the bundle. A send that would push the
// unacked ring past twice the window keeps the bundle, resends the oldest
// unacked packet and returns ErrWindowOverflow.
func (c *Channel) Send(b *bundle.Bundle) error {
	own := b == nil
	if own {
		b = c.bundle
	}
	if c.destroyed {
		return ErrDestroyed
	}
	if c.remoteFailed {
		util.LogWarning("%s %s: send on failed remote, %d messages discarded",
			util.PeerTag(c.addr), c, b.NumMessages())
		if own {
			b.Clear()
		}
		return ErrRemoteFailed
	}

	resends := c.dueResends()

	if b.IsEmpty() && len(c.acksToSend) == 0 {
		c.sendResends(resends)
		return nil
	}

	reserve := c.footerReserve()
	n := b.NumPieces(reserve)
	if n > c.settings.MaxFragments {
		if own {
			b.Clear()
		}
		return fmt.Errorf("%w: %d packets, limit %d", ErrBundleTooBig, n, c.settings.MaxFragments)
	}
	reliable := b.IsReliable() || n > 1

	if reliable && c.oldestUnackedSeq != protocol.SeqNull &&
		protocol.SeqDiff(c.largeOutSeqAt.Add(n), c.oldestUnackedSeq) > 2*c.settings.WindowSize {
		util.LogWarning("%s %s: send window overflow, %d unacked from seq %d",
			util.PeerTag(c.addr), c, c.numUnacked, c.oldestUnackedSeq)
		if rec := c.unacked.get(c.oldestUnackedSeq); rec != nil && !rec.held {
			c.resend(rec)
		}
		return fmt.Errorf("%w: %d unacked", ErrWindowOverflow, c.numUnacked)
	}

	packets := c.buildPackets(b.Pieces(reserve), reliable)
	last := packets[len(packets)-1]
	lastSeq := c.largeOutSeqAt.Prev()

	willHold := reliable && c.oldestUnackedSeq != protocol.SeqNull &&
		protocol.SeqDiff(c.largeOutSeqAt, c.oldestUnackedSeq) > c.settings.WindowSize
	if !willHold {
		resends = c.piggyback(last, resends)
	}
	if c.settings.Checksums {
		for _, p := range packets {
			p.AddChecksum()
		}
	}

	held := false
	for _, p := range packets {
		if reliable && !c.addResendTimer(p, lastSeq) {
			held = true
			continue
		}
		c.sendPacket(p)
	}
	if held {
		// One resend of the oldest packet per send keeps the peer acking.
		if oldest := c.unacked.get(c.oldestUnackedSeq); oldest != nil && !oldest.held && !slices.Contains(resends, oldest) {
			c.resend(oldest)
		}
	}
	c.sendResends(resends)

	if reliable {
		if b.IsCritical() {
			c.unackedCriticalSeq = lastSeq
		}
		if c.irregular {
			c.owner.MarkIrregular(c)
		}
		if t := c.settings.SendWindowThreshold; t > 0 && c.numUnacked >= t {
			c.owner.SendWindowUsage(c, c.numUnacked)
		}
	}
	if own {
		b.Clear()
	}
	return nil
}

// buildPackets writes every footer up to and including the channel info.
// Sequence numbers are allocated here.
func (c *Channel) buildPackets(pieces []bundle.Piece, reliable bool) []*protocol.Packet {
	n := len(pieces)
	first := c.largeOutSeqAt
	end := first.Add(n - 1)

	packets := make([]*protocol.Packet, n)
	for i, piece := range pieces {
		p := piece.Packet
		flags := protocol.FlagOnChannel
		if reliable {
			flags |= protocol.FlagIsReliable
		}
		if c.createPending {
			flags |= protocol.FlagCreateChannel
		}
		p.SetFlags(flags)

		if n > 1 {
			p.AddFragInfo(first, end)
		}
		if piece.RequestOffset >= 0 {
			p.AddRequestOffset(uint16(piece.RequestOffset))
		}
		if reliable {
			p.AddSequence(c.largeOutSeqAt)
			c.largeOutSeqAt = c.largeOutSeqAt.Next()
		}
		c.writeAcks(p)
		if c.kind == KindIndexed {
			p.AddChannelInfo(c.id, c.version)
		}
		packets[i] = p
	}
	return packets
}

// writeAcks adds the selective and cumulative acks owed to the peer. Acks
// below inSeqAt are covered by the cumulative ack and dropped first.
func (c *Channel) writeAcks(p *protocol.Packet) {
	if !c.receivedAny {
		return
	}
	for seq := range c.acksToSend {
		if protocol.SeqLessThan(seq, c.inSeqAt) {
			delete(c.acksToSend, seq)
		}
	}

	if len(c.acksToSend) > 0 {
		acks := make([]protocol.SeqNum, 0, len(c.acksToSend))
		for seq := range c.acksToSend {
			acks = append(acks, seq)
		}
		slices.SortFunc(acks, protocol.SeqDiff)
		if fit := p.MaxAcksThatFit(c.trailerSize()); len(acks) > fit {
			acks = acks[:fit]
		}
		if p.AddAcks(acks) {
			for _, seq := range acks {
				delete(c.acksToSend, seq)
			}
		}
	}
	p.AddCumulativeAck(c.inSeqAt)
}

// addResendTimer records a reliable packet in the unacked ring and reports
// whether it may go on the wire now. A packet more than a window past the
// oldest unacked one is held, as is every packet after a held one.
func (c *Channel) addResendTimer(p *protocol.Packet, sentAt protocol.SeqNum) bool {
	seq := p.Seq()
	rec := &UnackedPacket{
		packet:           p,
		lastSentAtOutSeq: sentAt,
		lastSentTime:     c.clock.Now(),
	}

	if c.oldestUnackedSeq == protocol.SeqNull {
		c.oldestUnackedSeq = seq
	}
	c.unacked.reserve(protocol.SeqDiff(seq, c.oldestUnackedSeq) + 1)
	c.unacked.put(seq, rec)
	c.numUnacked++

	c.sendHeld(seq)
	if c.smallOutSeqAt != seq || protocol.SeqDiff(seq, c.oldestUnackedSeq) >= c.settings.WindowSize {
		rec.held = true
		return false
	}
	c.smallOutSeqAt = seq.Next()
	return true
}

// sendHeld puts held packets below limit on the wire while they fit in the
// window, advancing smallOutSeqAt past each one.
func (c *Channel) sendHeld(limit protocol.SeqNum) {
	for c.smallOutSeqAt != limit {
		seq := c.smallOutSeqAt
		if c.oldestUnackedSeq != protocol.SeqNull &&
			protocol.SeqDiff(seq, c.oldestUnackedSeq) >= c.settings.WindowSize {
			return
		}
		if rec := c.unacked.get(seq); rec != nil && rec.held {
			rec.held = false
			rec.lastSentAtOutSeq = c.largeOutSeqAt.Prev()
			rec.lastSentTime = c.clock.Now()
			c.sendPacket(rec.packet)
		}
		c.smallOutSeqAt = seq.Next()
	}
}

// piggyback embeds as many resends in p as fit and returns the rest.
func (c *Channel) piggyback(p *protocol.Packet, resends []*UnackedPacket) []*UnackedPacket {
	reserve := 0
	if c.settings.Checksums {
		reserve = protocol.ChecksumSize
	}

	var rest []*UnackedPacket
	for _, rec := range resends {
		if p.FreeSpace()-reserve < protocol.PiggybackSpace(rec.packet) {
			rest = append(rest, rec)
			continue
		}
		c.prepareResend(rec)
		p.AddPiggyback(rec.packet)
		c.owner.Stats().AddPiggyback()
	}
	return rest
}

func (c *Channel) sendResends(resends []*UnackedPacket) {
	for _, rec := range resends {
		c.resend(rec)
	}
}

func (c *Channel) resend(rec *UnackedPacket) {
	c.prepareResend(rec)
	c.sendPacket(rec.packet)
}

func (c *Channel) prepareResend(rec *UnackedPacket) {
	p := rec.packet
	if c.kind == KindIndexed && p.ChannelVersion() != c.version {
		p.UpdateChannelVersion(c.version, c.id)
	}
	rec.lastSentAtOutSeq = c.largeOutSeqAt.Prev()
	rec.lastSentTime = c.clock.Now()
	rec.wasResent = true
	c.numPacketsResent++
	c.owner.Stats().AddResend()
}

func (c *Channel) sendPacket(p *protocol.Packet) {
	if err := c.owner.SendPacket(c.addr, p); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			c.SetRemoteFailed()
		} else {
			util.LogDebug("%s %s: send %s: %v", util.PeerTag(c.addr), c, p, err)
		}
		return
	}
	c.lastSentTime = c.clock.Now()
	c.numPacketsSent++
	c.numBytesSent += int64(p.Size())
}
