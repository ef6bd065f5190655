package network

import (
	"math/rand/v2"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/1ureka/relnet/internal/bundle"
	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/schedule"
	"github.com/1ureka/relnet/internal/util"
)

const seenOnceOffSize = 4096

type onceOffKey struct {
	addr string
	seq  protocol.SeqNum
}

// onceOffPacket is a reliable off-channel packet awaiting its ack.
type onceOffPacket struct {
	addr    net.Addr
	packet  *protocol.Packet
	resends int
	timer   *schedule.Timer
}

// onceOffTable implements reliable delivery without a channel: each packet
// is resent on its own timer until acked, and the receiving side remembers
// recent sequence numbers per address to drop duplicates.
type onceOffTable struct {
	iface   *Interface
	nextSeq protocol.SeqNum
	pending map[onceOffKey]*onceOffPacket
	seen    *expirable.LRU[onceOffKey, struct{}]
}

func newOnceOffTable(i *Interface) *onceOffTable {
	// A sender gives up after this long, so a duplicate can't arrive later.
	ttl := time.Duration(i.opts.OnceOffMaxResends+1) * i.opts.OnceOffResendPeriod
	return &onceOffTable{
		iface:   i,
		nextSeq: protocol.SeqNum(rand.Uint32()) & protocol.SeqMask,
		pending: make(map[onceOffKey]*onceOffPacket),
		seen:    expirable.NewLRU[onceOffKey, struct{}](seenOnceOffSize, nil, ttl),
	}
}

func (t *onceOffTable) send(addr net.Addr, b *bundle.Bundle) error {
	reserve := protocol.SeqSize32
	if t.iface.opts.Checksums {
		reserve += protocol.ChecksumSize
	}
	pieces := b.Pieces(reserve)
	if limit := t.iface.opts.settings(t.iface.defaultKind()).MaxFragments; len(pieces) > limit {
		return channel.ErrBundleTooBig
	}

	// Fragments are reassembled by sequence number, so they are always
	// reliable.
	reliable := b.IsReliable() || len(pieces) > 1
	begin := t.nextSeq
	end := begin.Add(len(pieces) - 1)

	for idx, piece := range pieces {
		p := piece.Packet
		if reliable {
			p.SetFlags(protocol.FlagIsReliable)
		}
		if len(pieces) > 1 {
			p.AddFragInfo(begin, end)
		}
		if piece.RequestOffset >= 0 {
			p.AddRequestOffset(uint16(piece.RequestOffset))
		}
		if reliable {
			p.AddSequence(begin.Add(idx))
		}
		if t.iface.opts.Checksums {
			p.AddChecksum()
		}

		if reliable {
			t.track(addr, p)
		}
		if err := t.iface.SendPacket(addr, p); err != nil {
			util.LogDebug("%s once-off send: %v", util.PeerTag(addr), err)
		}
	}
	if reliable {
		t.nextSeq = end.Next()
	}
	return nil
}

func (t *onceOffTable) track(addr net.Addr, p *protocol.Packet) {
	key := onceOffKey{addr: util.AddrKey(addr), seq: p.Seq()}
	rec := &onceOffPacket{addr: addr, packet: p}
	rec.timer = t.iface.disp.AddRepeatingTimer(t.iface.opts.OnceOffResendPeriod, func() {
		t.resend(key, rec)
	})
	t.pending[key] = rec
}

func (t *onceOffTable) resend(key onceOffKey, rec *onceOffPacket) {
	if rec.resends >= t.iface.opts.OnceOffMaxResends {
		util.LogWarning("%s once-off packet %d unacknowledged after %d resends",
			util.PeerTag(rec.addr), key.seq, rec.resends)
		rec.timer.Cancel()
		delete(t.pending, key)
		return
	}
	rec.resends++
	t.iface.stats.AddResend()
	if err := t.iface.SendPacket(rec.addr, rec.packet); err != nil {
		util.LogDebug("%s once-off resend: %v", util.PeerTag(rec.addr), err)
	}
}

// handleAck retires an outbound packet.
func (t *onceOffTable) handleAck(addr net.Addr, seq protocol.SeqNum) {
	key := onceOffKey{addr: util.AddrKey(addr), seq: seq}
	rec, ok := t.pending[key]
	if !ok {
		return
	}
	rec.timer.Cancel()
	delete(t.pending, key)
}

// ackInbound acknowledges an inbound packet, duplicates included since the
// earlier ack may have been lost, and reports whether it was seen before.
func (t *onceOffTable) ackInbound(addr net.Addr, seq protocol.SeqNum) bool {
	ack := protocol.NewPacket()
	ack.AddAcks([]protocol.SeqNum{seq})
	if t.iface.opts.Checksums {
		ack.AddChecksum()
	}
	if err := t.iface.SendPacket(addr, ack); err != nil {
		util.LogDebug("%s once-off ack: %v", util.PeerTag(addr), err)
	}

	key := onceOffKey{addr: util.AddrKey(addr), seq: seq}
	if t.seen.Contains(key) {
		return true
	}
	t.seen.Add(key, struct{}{})
	return false
}

func (t *onceOffTable) len() int { return len(t.pending) }

func (t *onceOffTable) clear() {
	for key, rec := range t.pending {
		rec.timer.Cancel()
		delete(t.pending, key)
	}
	t.seen.Purge()
}
