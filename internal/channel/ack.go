package channel

import (
	"time"

	"github.com/1ureka/relnet/internal/protocol"
)

// HandleCumulativeAck acknowledges every unacked packet before endSeq. It
// returns false, meaning the packet carrying it is corrupt, when endSeq is
// out of range or ahead of anything sent.
func (c *Channel) HandleCumulativeAck(endSeq protocol.SeqNum) bool {
	if !c.AcceptsCumulativeAck(endSeq, false) {
		return false
	}
	for c.oldestUnackedSeq != protocol.SeqNull && protocol.SeqLessThan(c.oldestUnackedSeq, endSeq) {
		c.HandleAck(c.oldestUnackedSeq)
	}
	return true
}

// AcceptsCumulativeAck reports whether HandleCumulativeAck would take endSeq.
// With recreated set the check is made against the state the channel will
// have after a remote create restarts it.
func (c *Channel) AcceptsCumulativeAck(endSeq protocol.SeqNum, recreated bool) bool {
	if !endSeq.Valid() {
		return false
	}
	sent := c.smallOutSeqAt
	if recreated {
		sent = 0
	}
	return !protocol.SeqLessThan(sent, endSeq)
}

// HandleAck acknowledges one packet. Acks for packets outside the sent window
// or already acknowledged are ignored; only an out-of-range seq is an error.
func (c *Channel) HandleAck(seq protocol.SeqNum) bool {
	if !seq.Valid() {
		return false
	}
	if c.oldestUnackedSeq == protocol.SeqNull ||
		protocol.SeqLessThan(seq, c.oldestUnackedSeq) ||
		!protocol.SeqLessThan(seq, c.smallOutSeqAt) {
		return true
	}
	rec := c.unacked.get(seq)
	if rec == nil {
		return true
	}

	if !rec.wasResent {
		sample := c.clock.Since(rec.lastSentTime)
		c.roundTripTime = (c.roundTripTime*9 + sample) / 10
	}
	if seq == c.unackedCriticalSeq {
		c.unackedCriticalSeq = protocol.SeqNull
	}

	c.unacked.remove(seq)
	c.numUnacked--

	if seq == c.oldestUnackedSeq {
		c.oldestUnackedSeq = protocol.SeqNull
		for s := seq.Next(); s != c.largeOutSeqAt; s = s.Next() {
			if c.unacked.get(s) != nil {
				c.oldestUnackedSeq = s
				break
			}
		}
	}
	if c.highestAck == protocol.SeqNull || protocol.SeqLessThan(c.highestAck, seq) {
		c.highestAck = seq
	}
	c.createPending = false

	c.sendHeld(c.largeOutSeqAt)
	return true
}

// resendDelay is how long an irregular channel waits before resending.
func (c *Channel) resendDelay() time.Duration {
	return max(2*c.roundTripTime, c.settings.MinInactivityResendDelay)
}

// CheckResendTimers resends overdue packets. Irregular channels are polled
// by their owner through this.
func (c *Channel) CheckResendTimers() {
	c.sendResends(c.dueResends())
}

// dueResends collects the unacked packets that should go out again: those
// overtaken by an ack for a packet sent after them and, on irregular
// channels, those unacknowledged for longer than resendDelay.
func (c *Channel) dueResends() []*UnackedPacket {
	if c.oldestUnackedSeq == protocol.SeqNull || c.remoteFailed {
		return nil
	}

	end := c.highestAck
	if c.irregular {
		end = c.smallOutSeqAt
	} else if end == protocol.SeqNull {
		return nil
	}

	limit := max(1, c.settings.WindowSize/8)
	now := c.clock.Now()
	delay := c.resendDelay()

	var out []*UnackedPacket
	for seq := c.oldestUnackedSeq; protocol.SeqLessThan(seq, end) && len(out) < limit; seq = seq.Next() {
		rec := c.unacked.get(seq)
		if rec == nil || rec.held {
			continue
		}
		overtaken := c.highestAck != protocol.SeqNull && protocol.SeqLessThan(rec.lastSentAtOutSeq, c.highestAck)
		overdue := c.irregular && now.Sub(rec.lastSentTime) >= delay
		if overtaken || overdue {
			out = append(out, rec)
		}
	}
	return out
}
