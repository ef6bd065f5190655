package network

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relnet/internal/bundle"
	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/transport"
)

var (
	addrA = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7100}
	addrB = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7200}
)

type collector struct {
	mu   sync.Mutex
	msgs []string
	chs  []*channel.Channel
}

func (c *collector) HandleBundle(_ net.Addr, ch *channel.Channel, b bundle.Received) {
	msgs, err := b.Messages()
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.msgs = append(c.msgs, string(m.Data))
		c.chs = append(c.chs, ch)
	}
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

type node struct {
	iface *Interface
	conn  *transport.PipeConn
	inbox *collector
}

func newNode(conn *transport.PipeConn, opts Options) *node {
	n := &node{conn: conn, inbox: &collector{}}
	n.iface = New(conn, n.inbox, opts)
	return n
}

func testOptions(clk clock.Clock, external bool) Options {
	opts := DefaultOptions()
	opts.Clock = clk
	opts.External = external
	return opts
}

func newPair(t *testing.T, clk clock.Clock, optsA, optsB Options) (*node, *node) {
	t.Helper()
	ca, cb := transport.Pipe(addrA, addrB)
	a, b := newNode(ca, optsA), newNode(cb, optsB)
	t.Cleanup(func() {
		a.iface.Close()
		b.iface.Close()
	})
	return a, b
}

// pump ticks every node and delivers datagrams until the link is quiet.
func pump(nodes ...*node) {
	for round := 0; round < 100; round++ {
		for _, n := range nodes {
			n.iface.Dispatcher().RunOnce()
		}
		moved := false
		for _, n := range nodes {
			for {
				buf := make([]byte, protocol.MaxPacketSize)
				k, from, ok := n.conn.TryReadFrom(buf)
				if !ok {
					break
				}
				n.iface.ProcessPacket(from, protocol.NewPacketFromBytes(buf[:k]))
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

func lossy(seed uint64, p float64) func([]byte) bool {
	r := rand.New(rand.NewPCG(seed, seed+1))
	return func([]byte) bool { return r.Float64() < p }
}

func TestReliableDeliveryOverLossyLink(t *testing.T) {
	clk := clock.NewMock()
	a, b := newPair(t, clk, testOptions(clk, false), testOptions(clk, false))
	a.conn.SetDropFilter(lossy(7, 0.3))

	var want []string
	for k := 0; k < 50; k++ {
		msg := fmt.Sprintf("m%02d", k)
		want = append(want, msg)
		require.NoError(t, a.iface.SendMessage(addrB, []byte(msg), true))
		if k%5 == 4 {
			pump(a, b)
		}
	}

	for round := 0; round < 40 && len(b.inbox.got()) < len(want); round++ {
		clk.Add(1100 * time.Millisecond)
		pump(a, b)
	}
	clk.Add(1100 * time.Millisecond)
	pump(a, b)

	assert.Equal(t, want, b.inbox.got())
	ch := a.iface.Channel(addrB)
	require.NotNil(t, ch)
	assert.Equal(t, 0, ch.NumUnacked())
	assert.Positive(t, a.iface.Stats().PacketsResent.Load())

	rx := b.iface.Channel(addrA)
	require.NotNil(t, rx)
	assert.True(t, rx.IsAnonymous())
	for _, got := range b.inbox.chs {
		assert.Same(t, rx, got)
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	testCases := []struct {
		name   string
		claim  bool
		remain int
	}{
		{"anonymous channel is destroyed", false, 0},
		{"claimed channel is marked failed", true, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewMock()
			opts := testOptions(clk, false)
			opts.KeepAliveInterval = time.Second
			opts.InactivityTimeout = 5 * time.Second
			a, b := newPair(t, clk, testOptions(clk, false), opts)

			require.NoError(t, a.iface.SendMessage(addrB, []byte("hi"), true))
			pump(a, b)
			require.Equal(t, 1, b.iface.NumChannels())
			ch := b.iface.Channel(addrA)
			if tc.claim {
				assert.Same(t, ch, b.iface.FindOrCreateChannel(addrA))
				assert.False(t, ch.IsAnonymous())
			}

			// a goes quiet; b keeps pinging into the void.
			sentBefore := b.iface.Stats().PacketsSent.Load()
			for k := 0; k < 7; k++ {
				clk.Add(time.Second)
				b.iface.Dispatcher().RunOnce()
			}

			assert.Greater(t, b.iface.Stats().PacketsSent.Load(), sentBefore)
			assert.Equal(t, tc.remain, b.iface.NumChannels())
			if tc.claim {
				assert.True(t, ch.HasRemoteFailed())
			} else {
				assert.True(t, ch.IsDestroyed())
			}
		})
	}
}

func TestCondemn(t *testing.T) {
	t.Run("destroyed once drained", func(t *testing.T) {
		clk := clock.NewMock()
		a, b := newPair(t, clk, testOptions(clk, false), testOptions(clk, false))

		ch := a.iface.FindOrCreateChannel(addrB)
		require.NoError(t, ch.Bundle().AddMessage([]byte("bye"), true))
		ch.Condemn()
		assert.True(t, ch.HasUnacked())

		a.iface.Dispatcher().RunOnce()
		assert.False(t, ch.IsDestroyed())

		pump(a, b)
		assert.True(t, ch.IsDestroyed())
		assert.Nil(t, a.iface.Channel(addrB))
		assert.Equal(t, []string{"bye"}, b.inbox.got())
	})

	t.Run("destroyed after timeout", func(t *testing.T) {
		clk := clock.NewMock()
		opts := testOptions(clk, false)
		opts.CondemnTimeout = 3 * time.Second
		a, b := newPair(t, clk, opts, testOptions(clk, false))
		a.conn.SetDropFilter(func([]byte) bool { return true })

		ch := a.iface.FindOrCreateChannel(addrB)
		require.NoError(t, ch.Bundle().AddMessage([]byte("lost"), true))
		ch.Condemn()

		clk.Add(2 * time.Second)
		pump(a, b)
		assert.False(t, ch.IsDestroyed())

		clk.Add(2 * time.Second)
		pump(a, b)
		assert.True(t, ch.IsDestroyed())
		assert.Empty(t, b.inbox.got())
	})
}

func TestOnceOffReliable(t *testing.T) {
	clk := clock.NewMock()
	a, b := newPair(t, clk, testOptions(clk, true), testOptions(clk, true))

	// The first transmission and the first ack are lost.
	dropFirst := func() func([]byte) bool {
		done := false
		return func([]byte) bool {
			if done {
				return false
			}
			done = true
			return true
		}
	}
	a.conn.SetDropFilter(dropFirst())
	b.conn.SetDropFilter(dropFirst())

	bd := bundle.New()
	require.NoError(t, bd.AddMessage([]byte("hello"), true))
	require.NoError(t, a.iface.SendOnceOff(addrB, bd))
	assert.Equal(t, 1, a.iface.NumPendingOnceOff())

	pump(a, b)
	assert.Empty(t, b.inbox.got())

	// First resend arrives; its ack is dropped.
	clk.Add(a.iface.opts.OnceOffResendPeriod)
	pump(a, b)
	assert.Equal(t, []string{"hello"}, b.inbox.got())
	assert.Equal(t, 1, a.iface.NumPendingOnceOff())

	// Second resend is a duplicate; its ack gets through.
	clk.Add(a.iface.opts.OnceOffResendPeriod)
	pump(a, b)
	assert.Equal(t, []string{"hello"}, b.inbox.got())
	assert.Equal(t, 0, a.iface.NumPendingOnceOff())
	assert.Equal(t, int64(1), b.iface.Stats().DuplicatePackets.Load())
	assert.Nil(t, b.inbox.chs[0])
	assert.Zero(t, b.iface.NumChannels())
}

func TestOnceOffFragmentsAndGiveUp(t *testing.T) {
	clk := clock.NewMock()
	opts := testOptions(clk, true)
	opts.OnceOffMaxResends = 3
	a, b := newPair(t, clk, opts, testOptions(clk, true))

	big := strings.Repeat("0123456789", 400)
	bd := bundle.New()
	require.NoError(t, bd.AddMessage([]byte(big), false))
	require.NoError(t, a.iface.SendOnceOff(addrB, bd))
	assert.Equal(t, 3, a.iface.NumPendingOnceOff(), "fragments are sent reliably")

	pump(a, b)
	require.Equal(t, []string{big}, b.inbox.got())
	assert.Equal(t, 0, a.iface.NumPendingOnceOff())

	a.conn.SetDropFilter(func([]byte) bool { return true })
	bd = bundle.New()
	require.NoError(t, bd.AddMessage([]byte("void"), true))
	require.NoError(t, a.iface.SendOnceOff(addrB, bd))

	resent := a.iface.Stats().PacketsResent.Load()
	for k := 0; k < 6; k++ {
		clk.Add(opts.OnceOffResendPeriod)
		pump(a, b)
	}
	assert.Equal(t, 0, a.iface.NumPendingOnceOff())
	assert.Equal(t, resent+3, a.iface.Stats().PacketsResent.Load())
}

func TestIndexedChannels(t *testing.T) {
	clk := clock.NewMock()
	a, b := newPair(t, clk, testOptions(clk, false), testOptions(clk, false))

	ch := a.iface.CreateIndexedChannel(7, addrB)
	assert.Equal(t, channel.KindIndexed, ch.Kind())
	require.NoError(t, a.iface.SendIndexedMessage(7, []byte("spawn"), true))
	pump(a, b)

	rx := b.iface.IndexedChannel(7)
	require.NotNil(t, rx)
	assert.Equal(t, []string{"spawn"}, b.inbox.got())
	assert.Same(t, rx, b.inbox.chs[0])
	assert.Equal(t, 0, ch.NumUnacked())

	assert.Panics(t, func() { a.iface.CreateIndexedChannel(7, addrB) })
	assert.ErrorIs(t, a.iface.SendIndexedMessage(8, []byte("x"), true), ErrNoSuchChannel)
}

func TestExternalRequiresKnownPeer(t *testing.T) {
	clk := clock.NewMock()
	a, b := newPair(t, clk, testOptions(clk, true), testOptions(clk, true))

	require.NoError(t, a.iface.SendMessage(addrB, []byte("knock"), true))
	pump(a, b)
	assert.Empty(t, b.inbox.got())
	assert.Zero(t, b.iface.NumChannels())
	assert.Positive(t, b.iface.Stats().DroppedPackets.Load())

	b.iface.FindOrCreateChannel(addrA)
	clk.Add(2100 * time.Millisecond)
	pump(a, b)
	assert.Equal(t, []string{"knock"}, b.inbox.got())
}

func TestSendWindowObserver(t *testing.T) {
	clk := clock.NewMock()
	var usages []int

	settings := channel.DefaultSettings(channel.KindInternal)
	settings.WindowSize = 16
	settings.InitialCapacity = 4
	settings.SendWindowThreshold = 4

	opts := testOptions(clk, false)
	opts.Settings = map[channel.Kind]channel.Settings{channel.KindInternal: settings}
	opts.SendWindowObserver = func(_ *channel.Channel, usage int) { usages = append(usages, usage) }
	a, _ := newPair(t, clk, opts, testOptions(clk, false))
	a.conn.SetDropFilter(func([]byte) bool { return true })

	for k := 0; k < 5; k++ {
		require.NoError(t, a.iface.SendMessage(addrB, []byte{byte(k)}, true))
		a.iface.Dispatcher().RunOnce()
	}
	assert.Equal(t, []int{4, 5}, usages)
	assert.Equal(t, 16, a.iface.Channel(addrB).WindowSize())
}

func TestCloseDestroysChannels(t *testing.T) {
	clk := clock.NewMock()
	a, _ := newPair(t, clk, testOptions(clk, false), testOptions(clk, false))

	a.iface.FindOrCreateChannel(addrB)
	a.iface.CreateIndexedChannel(1, addrB)
	assert.Equal(t, 2, a.iface.NumChannels())

	require.NoError(t, a.iface.Close())
	require.NoError(t, a.iface.Close())
	assert.Zero(t, a.iface.NumChannels())
	assert.Equal(t, int64(2), a.iface.Stats().ChannelsDestroyed.Load())
	assert.ErrorIs(t, a.iface.SendMessage(addrB, []byte("x"), true), ErrClosed)
}

func TestRunOverPipe(t *testing.T) {
	ca, cb := transport.Pipe(addrA, addrB)
	opts := DefaultOptions()
	a, b := newNode(ca, opts), newNode(cb, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	go func() { errs <- a.iface.Run(ctx) }()
	go func() { errs <- b.iface.Run(ctx) }()

	var want []string
	for k := 0; k < 20; k++ {
		msg := fmt.Sprintf("run-%d", k)
		want = append(want, msg)
		a.iface.Post(func() {
			if err := a.iface.SendMessage(addrB, []byte(msg), true); err != nil {
				panic(err)
			}
		})
	}

	require.Eventually(t, func() bool { return len(b.inbox.got()) == len(want) },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, b.inbox.got())

	cancel()
	for k := 0; k < 2; k++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
		}
	}
}
