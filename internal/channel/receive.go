package channel

import (
	"fmt"
	"net"

	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/util"
)

// ReceiveResult is the verdict of AddToReceiveWindow.
type ReceiveResult int

const (
	ShouldProcess ReceiveResult = iota
	ShouldNotProcess
	PacketIsCorrupt
)

func (r ReceiveResult) String() string {
	switch r {
	case ShouldProcess:
		return "process"
	case ShouldNotProcess:
		return "skip"
	case PacketIsCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("ReceiveResult(%d)", int(r))
	}
}

// ReceiveRun is a run of consecutive packets released by the receive window,
// lowest sequence number first. It is unrelated to a fragment chain: the run
// may span several bundles and a bundle may span several runs.
type ReceiveRun []*protocol.Packet

// AddToReceiveWindow files a reliable packet. On ShouldProcess the returned
// run holds the packet followed by every buffered packet it made contiguous.
func (c *Channel) AddToReceiveWindow(p *protocol.Packet, src net.Addr) (ReceiveResult, ReceiveRun) {
	seq := p.Seq()
	if !seq.Valid() {
		return PacketIsCorrupt, nil
	}

	if c.autoSwitchAddr && util.AddrKey(src) != util.AddrKey(c.addr) {
		if p.ChannelVersion() >= c.version {
			util.LogInfo("%s %s: switching to %s", util.PeerTag(c.addr), c, src)
			c.addr = src
			c.version = p.ChannelVersion()
		}
	}

	stats := c.owner.Stats()
	c.receivedAny = true

	if seq == c.inSeqAt {
		c.addAck(p)
		c.inSeqAt = seq.Next()
		run := ReceiveRun{p}
		for c.numBufferedReceives > 0 {
			next := c.bufferedReceives.remove(c.inSeqAt)
			if next == nil {
				break
			}
			c.numBufferedReceives--
			run = append(run, next)
			c.inSeqAt = c.inSeqAt.Next()
		}
		return ShouldProcess, run
	}

	if protocol.SeqLessThan(seq, c.inSeqAt) {
		c.addAck(p)
		stats.AddDuplicate()
		return ShouldNotProcess, nil
	}

	gap := protocol.SeqDiff(seq, c.inSeqAt)
	if gap > 2*c.bufferedReceives.capacity() || gap > c.settings.WindowSize {
		stats.AddOutOfWindow()
		util.LogDebug("%s %s: seq %d way out of window, expecting %d",
			util.PeerTag(src), c, seq, c.inSeqAt)
		return ShouldNotProcess, nil
	}

	c.addAck(p)
	c.bufferedReceives.reserve(gap + 1)
	if held, existing := c.bufferedReceives.occupant(seq); existing != nil {
		if held == seq {
			stats.AddDuplicate()
			return ShouldNotProcess, nil
		}
		panic(fmt.Sprintf("channel %s: receive slot for seq %d holds seq %d", c, seq, held))
	}
	c.bufferedReceives.put(seq, p)
	c.numBufferedReceives++
	return ShouldNotProcess, nil
}

func (c *Channel) addAck(p *protocol.Packet) {
	if !p.IsPiggyback() {
		c.acksToSend[p.Seq()] = struct{}{}
	}
}

// HandleRemoteCreate applies a create flag seen on an inbound indexed packet:
// a version newer than the channel's restarts the channel at that version.
// It reports whether a reset happened.
func (c *Channel) HandleRemoteCreate(version uint32) bool {
	if !c.WouldRecreate(version) {
		return false
	}
	util.LogInfo("%s %s: peer recreated channel at version %d", util.PeerTag(c.addr), c, version)
	c.resetToVersion(version)
	return true
}

// WouldRecreate reports whether a create flag at version restarts the channel.
func (c *Channel) WouldRecreate(version uint32) bool { return version > c.version }
