// Package receiver is the ingress pipeline: it takes raw datagrams, strips
// and validates their footers, routes them to their channel, restores order
// through the channel's receive window, reassembles fragments and hands whole
// bundles to the application.
//
// Nothing here returns an error to the socket loop. A bad datagram is
// counted, reported through the owner's rate-limited error reporter and
// dropped.
package receiver

import (
	"errors"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/1ureka/relnet/internal/bundle"
	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/util"
)

// Network is what the receiver needs from the interface that owns it.
type Network interface {
	Clock() clock.Clock
	Stats() *util.Stats
	IsExternal() bool

	// FindChannel returns the channel for addr. When create is set and none
	// exists, an anonymous channel is created.
	FindChannel(addr net.Addr, create bool) *channel.Channel

	// FindIndexedChannel returns indexed channel id. When create is set and
	// none exists, it is created for addr.
	FindIndexedChannel(id int32, addr net.Addr, create bool) *channel.Channel

	// HandleOnceOffAck acknowledges an off-channel reliable packet.
	HandleOnceOffAck(addr net.Addr, seq protocol.SeqNum)

	// AckOnceOff acknowledges an inbound off-channel reliable packet and
	// reports whether it was seen before.
	AckOnceOff(addr net.Addr, seq protocol.SeqNum) (duplicate bool)

	ReportError(addr net.Addr, err error)
}

// BundleHandler receives every complete inbound bundle. ch is nil for
// off-channel traffic.
type BundleHandler interface {
	HandleBundle(addr net.Addr, ch *channel.Channel, b bundle.Received)
}

// BundleHandlerFunc adapts a function to BundleHandler.
type BundleHandlerFunc func(addr net.Addr, ch *channel.Channel, b bundle.Received)

func (f BundleHandlerFunc) HandleBundle(addr net.Addr, ch *channel.Channel, b bundle.Received) {
	f(addr, ch, b)
}

// Options tune the receiver.
type Options struct {
	// RequireChecksums fails packets that carry no checksum.
	RequireChecksums bool

	// FragmentTimeout discards an off-channel fragment chain that has not
	// grown for this long.
	FragmentTimeout time.Duration

	// MaxPendingFragments bounds the off-channel fragment table.
	MaxPendingFragments int
}

type fragKey struct {
	addr  string
	begin protocol.SeqNum
}

// PacketReceiver runs the pipeline for one network interface. It is driven
// from the interface's dispatcher goroutine only.
type PacketReceiver struct {
	net     Network
	handler BundleHandler
	opts    Options

	fragments *lru.Cache[fragKey, *protocol.FragmentedBundle]
	completed *expirable.LRU[fragKey, struct{}]
}

// New creates a receiver delivering bundles to handler.
func New(n Network, handler BundleHandler, opts Options) *PacketReceiver {
	if opts.MaxPendingFragments <= 0 {
		opts.MaxPendingFragments = 256
	}
	if opts.FragmentTimeout <= 0 {
		opts.FragmentTimeout = 10 * time.Second
	}
	fragments, err := lru.New[fragKey, *protocol.FragmentedBundle](opts.MaxPendingFragments)
	if err != nil {
		panic(err)
	}
	return &PacketReceiver{
		net:       n,
		handler:   handler,
		opts:      opts,
		fragments: fragments,
		completed: expirable.NewLRU[fragKey, struct{}](opts.MaxPendingFragments, nil, 2*opts.FragmentTimeout),
	}
}

// ProcessPacket runs one datagram through the pipeline.
func (r *PacketReceiver) ProcessPacket(addr net.Addr, p *protocol.Packet) {
	r.net.Stats().AddRecv(p.Size())
	if err := r.processPacket(addr, p); err != nil {
		r.fail(addr, err)
	}
}

func (r *PacketReceiver) fail(addr net.Addr, err error) {
	if IsCorrupted(err) {
		r.net.Stats().AddCorrupted()
	} else {
		r.net.Stats().AddDropped()
	}
	r.net.ReportError(addr, err)
}

func (r *PacketReceiver) processPacket(addr net.Addr, p *protocol.Packet) error {
	size := p.Size()
	if size < protocol.HeaderSize {
		return corrupt(addr, "undersized packet of %d bytes", size)
	}
	if unknown := p.Flags() &^ protocol.KnownFlags; unknown != 0 {
		return corrupt(addr, "unknown flags %s", unknown)
	}
	if !p.ValidateChecksum(r.opts.RequireChecksums) {
		return corrupt(addr, "checksum mismatch")
	}

	// Piggybacks are older resends; they go through first.
	if !p.ProcessPiggybackPackets(func(sub *protocol.Packet) {
		if err := r.processPacket(addr, sub); err != nil {
			r.fail(addr, err)
		}
	}) {
		return corrupt(addr, "malformed piggyback")
	}

	ch, recreate, err := r.resolveChannel(addr, p)
	if err != nil {
		return err
	}

	// Every footer is stripped and checked before any of it touches the
	// channel, so a corrupt packet leaves the channel as it was.
	endSeq := protocol.SeqNull
	hasCumAck := p.HasFlags(protocol.FlagHasCumulativeAck)
	if hasCumAck {
		var ok bool
		endSeq, ok = p.StripCumulativeAck()
		if !ok || ch == nil {
			return corrupt(addr, "cumulative ack off channel or truncated")
		}
	}
	var acks []protocol.SeqNum
	if p.HasFlags(protocol.FlagHasAcks) {
		if !p.StripAcks(func(seq protocol.SeqNum) bool {
			acks = append(acks, seq)
			return seq.Valid()
		}) {
			return corrupt(addr, "bad ack list")
		}
	}

	hasSeq := p.HasFlags(protocol.FlagHasSequenceNumber)
	if hasSeq && (!p.StripSequence() || !p.Seq().Valid()) {
		return corrupt(addr, "truncated or out of range sequence number")
	}
	if p.HasFlags(protocol.FlagHasRequests) && !p.StripRequestOffset() {
		return corrupt(addr, "truncated request offset")
	}
	if p.HasFlags(protocol.FlagIsFragment) {
		if !hasSeq || !p.StripFragInfo() {
			return corrupt(addr, "bad fragment bounds")
		}
	}
	reliable := p.HasFlags(protocol.FlagIsReliable)
	switch {
	case !reliable && hasSeq:
		return corrupt(addr, "sequence number on unreliable packet")
	case reliable && !hasSeq:
		return corrupt(addr, "reliable packet without sequence number")
	}
	if hasCumAck && !ch.AcceptsCumulativeAck(endSeq, recreate) {
		return corrupt(addr, "cumulative ack %d beyond %d", endSeq, ch.SmallOutSeqAt())
	}

	if ch != nil {
		if recreate {
			ch.HandleRemoteCreate(p.ChannelVersion())
		}
		ch.NoteReceived(size)
		if hasCumAck {
			ch.HandleCumulativeAck(endSeq)
		}
		for _, seq := range acks {
			ch.HandleAck(seq)
		}
	} else {
		for _, seq := range acks {
			r.net.HandleOnceOffAck(addr, seq)
		}
	}

	if !reliable {
		return r.processOrdered(addr, ch, p)
	}

	if ch == nil {
		if r.net.AckOnceOff(addr, p.Seq()) {
			r.net.Stats().AddDuplicate()
			return nil
		}
		return r.processOrdered(addr, nil, p)
	}

	res, run := ch.AddToReceiveWindow(p, addr)
	ch.DelayedSend()
	switch res {
	case channel.PacketIsCorrupt:
		return corrupt(addr, "sequence number %d out of range", p.Seq())
	case channel.ShouldNotProcess:
		return nil
	}

	var errs []error
	for _, q := range run {
		if err := r.processOrdered(addr, ch, q); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resolveChannel finds the channel an on-channel packet belongs to and
// applies the channel-level checks. Off-channel packets resolve to nil.
// recreate reports that the packet restarts an indexed channel at a newer
// version; the caller applies it once the packet is known to be sound.
func (r *PacketReceiver) resolveChannel(addr net.Addr, p *protocol.Packet) (ch *channel.Channel, recreate bool, err error) {
	if !p.HasFlags(protocol.FlagOnChannel) {
		if p.HasFlags(protocol.FlagIndexedChannel | protocol.FlagCreateChannel) {
			return nil, false, corrupt(addr, "channel flags on off-channel packet")
		}
		return nil, false, nil
	}

	create := p.HasFlags(protocol.FlagCreateChannel)
	if create && r.net.IsExternal() {
		return nil, false, corrupt(addr, "create flag on external interface")
	}

	if p.HasFlags(protocol.FlagIndexedChannel) {
		if !p.StripChannelInfo() {
			return nil, false, corrupt(addr, "truncated channel info")
		}
		ch = r.net.FindIndexedChannel(p.ChannelID(), addr, create)
		if ch == nil {
			return nil, false, corrupt(addr, "unknown indexed channel %d", p.ChannelID())
		}
	} else {
		ch = r.net.FindChannel(addr, !r.net.IsExternal())
		if ch == nil {
			return nil, false, dropped(addr, "no channel for on-channel packet")
		}
	}

	if ch.HasRemoteFailed() {
		util.LogWarning("%s %s: dropping packet on failed remote", util.PeerTag(addr), ch)
		return nil, false, dropped(addr, "remote failed")
	}

	if ch.IsIndexed() {
		recreate = create && ch.WouldRecreate(p.ChannelVersion())
		if !recreate && p.ChannelVersion() < ch.CreationVersion() {
			return nil, false, dropped(addr, "stale version %d of %s", p.ChannelVersion(), ch)
		}
	}
	return ch, recreate, nil
}

// processOrdered handles one packet that is in order: fragments are
// collected, whole bundles are dispatched.
func (r *PacketReceiver) processOrdered(addr net.Addr, ch *channel.Channel, p *protocol.Packet) error {
	if !p.HasFlags(protocol.FlagIsFragment) {
		r.dispatch(addr, ch, bundle.FromPacket(p))
		return nil
	}

	now := r.net.Clock().Now()
	if ch != nil {
		return r.addChannelFragment(addr, ch, p, now)
	}
	return r.addOffChannelFragment(addr, p, now)
}

func (r *PacketReceiver) addChannelFragment(addr net.Addr, ch *channel.Channel, p *protocol.Packet, now time.Time) error {
	fb := ch.FragmentBundle()
	if fb != nil && fb.Begin() != p.FragBegin() {
		util.LogWarning("%s %s: abandoning fragments from %d with %d missing",
			util.PeerTag(addr), ch, fb.Begin(), fb.Remaining())
		ch.SetFragmentBundle(nil)
		fb = nil
	}

	if fb == nil {
		var err error
		if fb, err = protocol.NewFragmentedBundle(p, now); err != nil {
			return corrupt(addr, "%v", err)
		}
		ch.SetFragmentBundle(fb)
	} else if _, err := fb.Add(p, now); err != nil {
		ch.SetFragmentBundle(nil)
		return corrupt(addr, "%v", err)
	}

	if !fb.IsComplete() {
		return nil
	}
	ch.SetFragmentBundle(nil)
	r.dispatch(addr, ch, bundle.FromChain(fb.Chain()))
	return nil
}

func (r *PacketReceiver) addOffChannelFragment(addr net.Addr, p *protocol.Packet, now time.Time) error {
	key := fragKey{addr: util.AddrKey(addr), begin: p.FragBegin()}
	if r.completed.Contains(key) {
		r.net.Stats().AddDuplicate()
		return nil
	}

	fb, ok := r.fragments.Get(key)
	if ok && fb.IsOld(now, r.opts.FragmentTimeout) {
		util.LogWarning("%s discarding stale fragments from %d with %d missing",
			util.PeerTag(addr), fb.Begin(), fb.Remaining())
		r.fragments.Remove(key)
		ok = false
	}

	if !ok {
		var err error
		if fb, err = protocol.NewFragmentedBundle(p, now); err != nil {
			return corrupt(addr, "%v", err)
		}
		r.fragments.Add(key, fb)
	} else if _, err := fb.Add(p, now); err != nil {
		return corrupt(addr, "%v", err)
	}

	if !fb.IsComplete() {
		return nil
	}
	r.fragments.Remove(key)
	r.completed.Add(key, struct{}{})
	r.dispatch(addr, nil, bundle.FromChain(fb.Chain()))
	return nil
}

// DiscardStaleFragments drops off-channel fragment chains that stopped
// growing. It returns how many were dropped.
func (r *PacketReceiver) DiscardStaleFragments() int {
	now := r.net.Clock().Now()
	n := 0
	for _, key := range r.fragments.Keys() {
		fb, ok := r.fragments.Peek(key)
		if ok && fb.IsOld(now, r.opts.FragmentTimeout) {
			r.fragments.Remove(key)
			n++
		}
	}
	if n > 0 {
		util.LogDebug("discarded %d stale fragment chains", n)
	}
	return n
}

// PendingFragments counts incomplete off-channel fragment chains.
func (r *PacketReceiver) PendingFragments() int { return r.fragments.Len() }

func (r *PacketReceiver) dispatch(addr net.Addr, ch *channel.Channel, b bundle.Received) {
	if len(b.Data) == 0 || r.handler == nil {
		return
	}
	r.handler.HandleBundle(addr, ch, b)
}
