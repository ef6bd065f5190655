package transport

import (
	"net"
	"os"
	"sync"
	"time"
)

const pipeQueueSize = 4096

type datagram struct {
	data []byte
	from net.Addr
}

// PipeConn is one end of an in-memory datagram link made by Pipe. Like UDP
// it never blocks a writer: a full queue drops the datagram.
type PipeConn struct {
	local net.Addr
	peer  *PipeConn
	inbox chan datagram

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	filter func(data []byte) bool
}

var _ net.PacketConn = (*PipeConn)(nil)

// Pipe links two PipeConns with the given local addresses.
func Pipe(a, b net.Addr) (*PipeConn, *PipeConn) {
	pa := newPipeConn(a)
	pb := newPipeConn(b)
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

func newPipeConn(addr net.Addr) *PipeConn {
	return &PipeConn{
		local:  addr,
		inbox:  make(chan datagram, pipeQueueSize),
		closed: make(chan struct{}),
	}
}

// SetDropFilter installs fn to decide, per outgoing datagram, whether the
// link loses it. nil restores a lossless link.
func (c *PipeConn) SetDropFilter(fn func(data []byte) bool) {
	c.mu.Lock()
	c.filter = fn
	c.mu.Unlock()
}

func (c *PipeConn) dropped(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter != nil && c.filter(data)
}

func (c *PipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		return copy(b, d.data), d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// TryReadFrom is a non-blocking ReadFrom; ok is false when nothing is
// queued.
func (c *PipeConn) TryReadFrom(b []byte) (n int, from net.Addr, ok bool) {
	select {
	case d := <-c.inbox:
		return copy(b, d.data), d.from, true
	default:
		return 0, nil, false
	}
}

// WriteTo delivers b to the peer end. addr is ignored.
func (c *PipeConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if c.dropped(b) {
		return len(b), nil
	}

	d := datagram{data: append([]byte(nil), b...), from: c.local}
	select {
	case c.peer.inbox <- d:
	case <-c.peer.closed:
	default:
	}
	return len(b), nil
}

func (c *PipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *PipeConn) LocalAddr() net.Addr { return c.local }

func (c *PipeConn) SetDeadline(time.Time) error      { return os.ErrNoDeadline }
func (c *PipeConn) SetReadDeadline(time.Time) error  { return os.ErrNoDeadline }
func (c *PipeConn) SetWriteDeadline(time.Time) error { return os.ErrNoDeadline }
