// Package channel implements the reliable, ordered delivery state machine
// that runs between two endpoints over an unreliable datagram socket.
//
// A Channel numbers every reliable packet it sends, keeps a resend record
// for each one until the peer acknowledges it, and on the receiving side
// buffers packets that arrive ahead of the next expected sequence number so
// that they reach the application strictly in order and at most once.
//
// A Channel is not safe for concurrent use. Everything, from sends to ack
// handling, runs on the owning network interface's dispatcher goroutine.
package channel

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/relnet/internal/bundle"
	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/util"
)

var (
	ErrRemoteFailed   = errors.New("remote has failed")
	ErrWindowOverflow = errors.New("send window overflow")
	ErrBundleTooBig   = errors.New("bundle needs too many fragments")
	ErrDestroyed      = errors.New("channel destroyed")
)

// Owner is the network interface a channel belongs to. Membership calls are
// idempotent.
type Owner interface {
	// SendPacket puts a fully framed packet on the wire.
	SendPacket(addr net.Addr, p *protocol.Packet) error

	Clock() clock.Clock
	Stats() *util.Stats

	// IsExternal reports whether the owner faces an untrusted network.
	IsExternal() bool

	// DelayedSend schedules ch.Send for the next tick.
	DelayedSend(ch *Channel)

	// MarkIrregular asks the owner to poll ch's resend timers.
	MarkIrregular(ch *Channel)

	// Condemn hands ch to the owner for destruction once it drains.
	Condemn(ch *Channel)

	// SendWindowUsage reports unacked packet pressure above the threshold.
	SendWindowUsage(ch *Channel, usage int)
}

// Channel is a reliable session with one remote address, or one indexed
// sub-channel multiplexed over it.
type Channel struct {
	owner    Owner
	clock    clock.Clock
	addr     net.Addr
	kind     Kind
	id       int32
	settings Settings

	version         uint32
	creationVersion uint32

	bundle *bundle.Bundle

	// Send side. smallOutSeqAt is the next sequence number not yet put on
	// the wire, largeOutSeqAt the next one to allocate.
	smallOutSeqAt      protocol.SeqNum
	largeOutSeqAt      protocol.SeqNum
	oldestUnackedSeq   protocol.SeqNum
	highestAck         protocol.SeqNum
	unackedCriticalSeq protocol.SeqNum
	unacked            ring[UnackedPacket]
	numUnacked         int
	roundTripTime      time.Duration

	// Receive side.
	inSeqAt             protocol.SeqNum
	bufferedReceives    ring[protocol.Packet]
	numBufferedReceives int
	acksToSend          map[protocol.SeqNum]struct{}
	receivedAny         bool
	fragments           *protocol.FragmentedBundle

	irregular      bool
	anonymous      bool
	condemned      bool
	remoteFailed   bool
	destroyed      bool
	autoSwitchAddr bool
	createPending  bool

	lastSentTime     time.Time
	lastReceivedTime time.Time

	numPacketsSent     int64
	numPacketsReceived int64
	numBytesSent       int64
	numBytesReceived   int64
	numPacketsResent   int64
}

// New creates a channel to addr. id is only meaningful for KindIndexed.
func New(owner Owner, addr net.Addr, kind Kind, id int32, settings Settings) *Channel {
	if err := settings.Validate(); err != nil {
		panic(fmt.Sprintf("channel: %v", err))
	}
	c := &Channel{
		owner:     owner,
		clock:     owner.Clock(),
		addr:      addr,
		kind:      kind,
		id:        id,
		settings:  settings,
		bundle:    bundle.New(),
		irregular: true,
	}
	c.resetState()
	now := c.clock.Now()
	c.lastReceivedTime = now
	c.lastSentTime = now
	return c
}

func (c *Channel) resetState() {
	c.smallOutSeqAt = 0
	c.largeOutSeqAt = 0
	c.oldestUnackedSeq = protocol.SeqNull
	c.highestAck = protocol.SeqNull
	c.unackedCriticalSeq = protocol.SeqNull
	c.unacked = newRing[UnackedPacket](c.settings.InitialCapacity)
	c.numUnacked = 0
	c.roundTripTime = c.settings.InitialRTT

	c.inSeqAt = 0
	c.bufferedReceives = newRing[protocol.Packet](c.settings.InitialCapacity)
	c.numBufferedReceives = 0
	c.acksToSend = make(map[protocol.SeqNum]struct{})
	c.receivedAny = false
	c.fragments = nil

	c.bundle.Clear()
}

// Reset drops every in-flight packet and starts the channel over at a new
// version. Packets the peer still sends under the old version are rejected.
func (c *Channel) Reset(warn bool) {
	if warn && (c.numUnacked > 0 || c.numBufferedReceives > 0 || c.bundle.NumMessages() > 0) {
		util.LogWarning("%s %s: reset discards %d unacked, %d buffered, %d queued messages",
			util.PeerTag(c.addr), c, c.numUnacked, c.numBufferedReceives, c.bundle.NumMessages())
	}
	c.resetState()
	c.version++
	c.creationVersion = c.version
	c.remoteFailed = false
	c.createPending = c.kind == KindIndexed && !c.owner.IsExternal()
}

// resetToVersion is the receiving side of a remote reset.
func (c *Channel) resetToVersion(version uint32) {
	c.Reset(true)
	c.version = version
	c.creationVersion = version
	c.createPending = false
}

// SetCreatePending makes the following packets carry the create flag until
// the peer acknowledges one of them.
func (c *Channel) SetCreatePending() {
	if c.kind == KindIndexed && !c.owner.IsExternal() {
		c.createPending = true
	}
}

// Condemn flushes whatever is queued and gives the channel to its owner to
// destroy once every reliable packet has been acknowledged.
func (c *Channel) Condemn() {
	if c.condemned {
		return
	}
	if !c.bundle.IsEmpty() {
		if err := c.Send(nil); err != nil {
			util.LogWarning("%s %s: flush on condemn: %v", util.PeerTag(c.addr), c, err)
		}
	}
	c.condemned = true
	c.owner.Condemn(c)
}

// SetRemoteFailed marks the peer as gone. Further traffic is dropped until
// the channel is reset or destroyed.
func (c *Channel) SetRemoteFailed() {
	if c.remoteFailed {
		return
	}
	c.remoteFailed = true
	util.LogWarning("%s %s: remote failed", util.PeerTag(c.addr), c)
}

// MarkDestroyed is called by the owner when it deregisters the channel.
func (c *Channel) MarkDestroyed() {
	c.destroyed = true
	c.bundle.Clear()
}

// Claim takes ownership of an anonymous channel.
func (c *Channel) Claim() { c.anonymous = false }

// SetAnonymous marks a channel created implicitly by inbound traffic.
func (c *Channel) SetAnonymous() { c.anonymous = true }

// SetIrregular selects time-driven resends for a channel that does not send
// every tick.
func (c *Channel) SetIrregular(irregular bool) {
	c.irregular = irregular
	if irregular && c.numUnacked > 0 {
		c.owner.MarkIrregular(c)
	}
}

// SetAutoSwitchAddr lets the channel follow its peer to a new source address
// when a packet at the current version or newer arrives from there.
func (c *Channel) SetAutoSwitchAddr(v bool) { c.autoSwitchAddr = v }

// SetAddr moves the channel to a new remote address.
func (c *Channel) SetAddr(addr net.Addr) { c.addr = addr }

// DelayedSend asks the owner to send the channel's bundle on the next tick,
// so that messages queued in the meantime travel together.
func (c *Channel) DelayedSend() { c.owner.DelayedSend(c) }

func (c *Channel) Addr() net.Addr          { return c.addr }
func (c *Channel) Kind() Kind              { return c.kind }
func (c *Channel) ID() int32               { return c.id }
func (c *Channel) IsIndexed() bool         { return c.kind == KindIndexed }
func (c *Channel) Bundle() *bundle.Bundle  { return c.bundle }
func (c *Channel) Version() uint32         { return c.version }
func (c *Channel) CreationVersion() uint32 { return c.creationVersion }
func (c *Channel) WindowSize() int         { return c.settings.WindowSize }
func (c *Channel) Settings() Settings      { return c.settings }

func (c *Channel) IsIrregular() bool     { return c.irregular }
func (c *Channel) IsAnonymous() bool     { return c.anonymous }
func (c *Channel) IsCondemned() bool     { return c.condemned }
func (c *Channel) HasRemoteFailed() bool { return c.remoteFailed }
func (c *Channel) IsDestroyed() bool     { return c.destroyed }

func (c *Channel) SmallOutSeqAt() protocol.SeqNum      { return c.smallOutSeqAt }
func (c *Channel) LargeOutSeqAt() protocol.SeqNum      { return c.largeOutSeqAt }
func (c *Channel) OldestUnackedSeq() protocol.SeqNum   { return c.oldestUnackedSeq }
func (c *Channel) HighestAck() protocol.SeqNum         { return c.highestAck }
func (c *Channel) UnackedCriticalSeq() protocol.SeqNum { return c.unackedCriticalSeq }
func (c *Channel) InSeqAt() protocol.SeqNum            { return c.inSeqAt }
func (c *Channel) NumUnacked() int                     { return c.numUnacked }
func (c *Channel) HasUnacked() bool                    { return c.numUnacked > 0 }
func (c *Channel) NumBufferedReceives() int            { return c.numBufferedReceives }
func (c *Channel) NumAcksToSend() int                  { return len(c.acksToSend) }
func (c *Channel) RoundTripTime() time.Duration        { return c.roundTripTime }
func (c *Channel) HasUnackedCriticals() bool           { return c.unackedCriticalSeq != protocol.SeqNull }

// UnackedCapacity is the current size of the unacked ring.
func (c *Channel) UnackedCapacity() int { return c.unacked.capacity() }

func (c *Channel) LastReceivedTime() time.Time { return c.lastReceivedTime }
func (c *Channel) LastSentTime() time.Time     { return c.lastSentTime }

func (c *Channel) NumPacketsSent() int64     { return c.numPacketsSent }
func (c *Channel) NumPacketsReceived() int64 { return c.numPacketsReceived }
func (c *Channel) NumBytesSent() int64       { return c.numBytesSent }
func (c *Channel) NumBytesReceived() int64   { return c.numBytesReceived }
func (c *Channel) NumPacketsResent() int64   { return c.numPacketsResent }

// NoteReceived records inbound traffic on the channel.
func (c *Channel) NoteReceived(size int) {
	c.lastReceivedTime = c.clock.Now()
	c.numPacketsReceived++
	c.numBytesReceived += int64(size)
}

// FragmentBundle returns the on-channel fragment chain being assembled.
func (c *Channel) FragmentBundle() *protocol.FragmentedBundle { return c.fragments }

// SetFragmentBundle replaces the on-channel fragment chain; nil clears it.
func (c *Channel) SetFragmentBundle(fb *protocol.FragmentedBundle) { c.fragments = fb }

func (c *Channel) String() string {
	if c.kind == KindIndexed {
		return fmt.Sprintf("%s#%d.v%d", c.kind, c.id, c.version)
	}
	return c.kind.String()
}
