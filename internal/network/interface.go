// Package network provides the network Interface: the owner of one datagram
// socket and every channel that runs over it.
//
// An Interface runs on a single dispatcher goroutine. The socket reader
// posts each datagram to the dispatcher, so the receive pipeline, every
// channel and every timer only ever run there. Code outside the dispatcher
// goroutine must go through Post.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/relnet/internal/bundle"
	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/receiver"
	"github.com/1ureka/relnet/internal/schedule"
	"github.com/1ureka/relnet/internal/util"
)

var (
	ErrNoSuchChannel = errors.New("no such channel")
	ErrClosed        = errors.New("interface closed")
)

// Interface owns a socket, its channels and the scheduling that drives them.
type Interface struct {
	conn  net.PacketConn
	opts  Options
	clock clock.Clock

	disp    *schedule.Dispatcher
	delayed *schedule.DelayedChannels
	recv    *receiver.PacketReceiver
	stats   util.Stats
	errs    *util.ErrorReporter

	channels  *registry
	irregular map[*channel.Channel]struct{}
	keepAlive map[*channel.Channel]struct{}
	condemned map[*channel.Channel]time.Time

	onceOff *onceOffTable

	timers    []*schedule.Timer
	tasks     []*schedule.TaskHandle
	closeOnce sync.Once
	closed    bool
}

var (
	_ channel.Owner    = (*Interface)(nil)
	_ receiver.Network = (*Interface)(nil)
)

// New creates an Interface on conn. Complete inbound bundles go to handler
// on the dispatcher goroutine.
func New(conn net.PacketConn, handler receiver.BundleHandler, opts Options) *Interface {
	opts = opts.withDefaults()

	i := &Interface{
		conn:      conn,
		opts:      opts,
		clock:     opts.Clock,
		disp:      schedule.NewDispatcher(opts.Clock, opts.TickInterval),
		errs:      util.NewErrorReporter(opts.Clock, opts.ErrorReportPeriod),
		channels:  newRegistry(),
		irregular: make(map[*channel.Channel]struct{}),
		keepAlive: make(map[*channel.Channel]struct{}),
		condemned: make(map[*channel.Channel]time.Time),
	}
	i.recv = receiver.New(i, handler, opts.Receiver)
	i.onceOff = newOnceOffTable(i)

	tasks := i.disp.FrequentTasks()
	i.delayed = schedule.NewDelayedChannels(tasks)
	i.tasks = append(i.tasks,
		tasks.Add("irregular channels", i.checkIrregular),
		tasks.Add("condemned channels", i.checkCondemned),
	)
	i.timers = append(i.timers,
		i.disp.AddRepeatingTimer(opts.KeepAliveInterval, i.checkKeepAlives),
		i.disp.AddRepeatingTimer(opts.Receiver.FragmentTimeout/2, func() { i.recv.DiscardStaleFragments() }),
		i.disp.AddRepeatingTimer(opts.ErrorReportPeriod, i.errs.Flush),
	)
	return i
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// Run reads the socket and drives the dispatcher until ctx is cancelled or
// the socket fails. The socket is closed on return.
func (i *Interface) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- i.readLoop(ctx)
		cancel()
	}()

	err := i.disp.Run(ctx)
	i.conn.Close()
	if rerr := <-readErr; rerr != nil {
		return rerr
	}
	return err
}

func (i *Interface) readLoop(ctx context.Context) error {
	for {
		p := protocol.NewPacket()
		addr, err := p.RecvFromEndpoint(i.conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				util.LogDebug("read: %v", err)
				continue
			}
			return fmt.Errorf("read from %s: %w", i.conn.LocalAddr(), err)
		}
		i.disp.Post(func() { i.ProcessPacket(addr, p) })
	}
}

// Post runs fn on the dispatcher goroutine. Safe from any goroutine.
func (i *Interface) Post(fn func()) { i.disp.Post(fn) }

// Dispatcher exposes the event loop, for callers that drive it by hand.
func (i *Interface) Dispatcher() *schedule.Dispatcher { return i.disp }

// ProcessPacket runs one datagram through the receive pipeline.
func (i *Interface) ProcessPacket(addr net.Addr, p *protocol.Packet) {
	if i.closed {
		return
	}
	i.recv.ProcessPacket(addr, p)
}

// Close stops the timers, destroys every channel and closes the socket.
// Must run on the dispatcher goroutine, or after Run has returned.
func (i *Interface) Close() error {
	var err error
	i.closeOnce.Do(func() {
		i.closed = true
		for _, t := range i.timers {
			t.Cancel()
		}
		for _, h := range i.tasks {
			i.disp.FrequentTasks().Remove(h)
		}
		i.delayed.Close()
		i.onceOff.clear()
		for _, ch := range i.channels.all() {
			i.DestroyChannel(ch)
		}
		i.errs.Flush()
		err = i.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// defaultKind is the kind of the channels this interface opens per address.
func (i *Interface) defaultKind() channel.Kind {
	if i.opts.External {
		return channel.KindExternal
	}
	return channel.KindInternal
}

func (i *Interface) newChannel(addr net.Addr, kind channel.Kind, id int32) *channel.Channel {
	ch := channel.New(i, addr, kind, id, i.opts.settings(kind))
	i.channels.register(ch)
	i.stats.AddChannel()
	return ch
}

// FindOrCreateChannel returns the channel to addr, creating a claimed one if
// needed. A channel created earlier by inbound traffic is claimed.
func (i *Interface) FindOrCreateChannel(addr net.Addr) *channel.Channel {
	if ch := i.channels.lookup(addr); ch != nil {
		if ch.IsAnonymous() {
			ch.Claim()
			util.LogDebug("%s %s: claimed", util.PeerTag(addr), ch)
		}
		return ch
	}
	ch := i.newChannel(addr, i.defaultKind(), 0)
	util.LogDebug("%s %s: created", util.PeerTag(addr), ch)
	return ch
}

// CreateIndexedChannel creates indexed channel id to addr. Its first packets
// ask the peer to create the channel too. An id already in use panics.
func (i *Interface) CreateIndexedChannel(id int32, addr net.Addr) *channel.Channel {
	ch := i.newChannel(addr, channel.KindIndexed, id)
	ch.SetCreatePending()
	return ch
}

// Channel returns the channel to addr, or nil.
func (i *Interface) Channel(addr net.Addr) *channel.Channel { return i.channels.lookup(addr) }

// IndexedChannel returns indexed channel id, or nil.
func (i *Interface) IndexedChannel(id int32) *channel.Channel { return i.channels.lookupIndexed(id) }

// NumChannels counts live channels. Safe from any goroutine.
func (i *Interface) NumChannels() int { return i.channels.len() }

// DestroyChannel removes ch from every table. Queued but unsent messages are
// lost; use Channel.Condemn to drain first.
func (i *Interface) DestroyChannel(ch *channel.Channel) {
	if ch.IsDestroyed() {
		return
	}
	i.channels.unregister(ch)
	delete(i.irregular, ch)
	delete(i.keepAlive, ch)
	delete(i.condemned, ch)
	i.delayed.Remove(ch)
	ch.MarkDestroyed()
	i.stats.RemoveChannel()
	util.LogDebug("%s %s: destroyed", util.PeerTag(ch.Addr()), ch)
}

// SetKeepAlive adds ch to, or removes it from, the keep-alive set.
func (i *Interface) SetKeepAlive(ch *channel.Channel, on bool) {
	if on {
		i.keepAlive[ch] = struct{}{}
	} else {
		delete(i.keepAlive, ch)
	}
}

// SendMessage queues data on the channel to addr and schedules a send for
// the end of the tick.
func (i *Interface) SendMessage(addr net.Addr, data []byte, reliable bool) error {
	if i.closed {
		return ErrClosed
	}
	ch := i.FindOrCreateChannel(addr)
	if err := ch.Bundle().AddMessage(data, reliable); err != nil {
		return err
	}
	ch.DelayedSend()
	return nil
}

// SendIndexedMessage queues data on indexed channel id.
func (i *Interface) SendIndexedMessage(id int32, data []byte, reliable bool) error {
	if i.closed {
		return ErrClosed
	}
	ch := i.channels.lookupIndexed(id)
	if ch == nil {
		return fmt.Errorf("indexed channel %d: %w", id, ErrNoSuchChannel)
	}
	if err := ch.Bundle().AddMessage(data, reliable); err != nil {
		return err
	}
	ch.DelayedSend()
	return nil
}

// ---------------------------------------------------------------------------
// channel.Owner
// ---------------------------------------------------------------------------

// SendPacket writes one framed packet to the socket.
func (i *Interface) SendPacket(addr net.Addr, p *protocol.Packet) error {
	if _, err := i.conn.WriteTo(p.Data(), addr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	i.stats.AddSent(p.Size())
	return nil
}

func (i *Interface) Clock() clock.Clock  { return i.clock }
func (i *Interface) Stats() *util.Stats  { return &i.stats }
func (i *Interface) IsExternal() bool    { return i.opts.External }
func (i *Interface) LocalAddr() net.Addr { return i.conn.LocalAddr() }

func (i *Interface) DelayedSend(ch *channel.Channel) {
	if !ch.IsDestroyed() {
		i.delayed.Add(ch)
	}
}

func (i *Interface) MarkIrregular(ch *channel.Channel) {
	if !ch.IsDestroyed() {
		i.irregular[ch] = struct{}{}
	}
}

func (i *Interface) Condemn(ch *channel.Channel) {
	if _, ok := i.condemned[ch]; ok || ch.IsDestroyed() {
		return
	}
	i.condemned[ch] = i.clock.Now()
	delete(i.keepAlive, ch)
}

func (i *Interface) SendWindowUsage(ch *channel.Channel, usage int) {
	if i.opts.SendWindowObserver != nil {
		i.opts.SendWindowObserver(ch, usage)
	}
}

// ---------------------------------------------------------------------------
// receiver.Network
// ---------------------------------------------------------------------------

// FindChannel implements receiver.Network. Channels created here are
// anonymous and kept alive so that they expire when the peer goes quiet.
func (i *Interface) FindChannel(addr net.Addr, create bool) *channel.Channel {
	if ch := i.channels.lookup(addr); ch != nil || !create {
		return ch
	}
	ch := i.newChannel(addr, i.defaultKind(), 0)
	ch.SetAnonymous()
	i.keepAlive[ch] = struct{}{}
	util.LogInfo("%s new anonymous %s", util.PeerTag(addr), ch)
	return ch
}

// FindIndexedChannel implements receiver.Network.
func (i *Interface) FindIndexedChannel(id int32, addr net.Addr, create bool) *channel.Channel {
	if ch := i.channels.lookupIndexed(id); ch != nil || !create {
		return ch
	}
	ch := i.newChannel(addr, channel.KindIndexed, id)
	util.LogDebug("%s peer created %s", util.PeerTag(addr), ch)
	return ch
}

func (i *Interface) HandleOnceOffAck(addr net.Addr, seq protocol.SeqNum) {
	i.onceOff.handleAck(addr, seq)
}

func (i *Interface) AckOnceOff(addr net.Addr, seq protocol.SeqNum) bool {
	return i.onceOff.ackInbound(addr, seq)
}

func (i *Interface) ReportError(addr net.Addr, err error) { i.errs.Report(addr, err) }

// SendOnceOff sends b to addr outside any channel. A reliable bundle is
// resent until acknowledged or OnceOffMaxResends is reached.
func (i *Interface) SendOnceOff(addr net.Addr, b *bundle.Bundle) error {
	if i.closed {
		return ErrClosed
	}
	return i.onceOff.send(addr, b)
}

// NumPendingOnceOff counts once-off packets awaiting an ack.
func (i *Interface) NumPendingOnceOff() int { return i.onceOff.len() }
