// Package transport is the socket boundary. Everything above it sees a
// net.PacketConn: a UDP socket, a WebRTC DataChannel configured to behave
// like one, or an in-memory pipe in tests.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relnet/internal/util"
)

const recvBufferSize = 1024

// Addr names the far end of a DataChannel. There is exactly one peer per
// Conn, so every datagram read carries the same Addr.
type Addr struct {
	Label string
}

func (a Addr) Network() string { return "webrtc" }
func (a Addr) String() string  { return "webrtc:" + a.Label }

// Conn wraps a single PeerConnection + DataChannel pair as a datagram
// socket. Its lifecycle is governed by the DataChannel state and the context
// passed at construction time. The PeerConnection state is recorded but does
// not drive open/close decisions.
type Conn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}
	inbox      chan []byte
	local      Addr
	remote     Addr

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

var _ net.PacketConn = (*Conn)(nil)

// NewConn creates a Conn backed by a new PeerConnection and a pre-negotiated
// DataChannel. The caller performs signaling through the exposed methods
// (CreateOffer / CreateAnswer / ...) and waits on Ready before relying on
// delivery; datagrams written earlier are queued.
func NewConn(ctx context.Context, role string) (*Conn, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	cCtx, cCancel := context.WithCancel(ctx)

	peer := "client"
	if role == "client" {
		peer = "host"
	}
	c := &Conn{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		inbox:      make(chan []byte, recvBufferSize),
		local:      Addr{Label: role},
		remote:     Addr{Label: peer},
		ctx:        cCtx,
		cancel:     cCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.openSignal) })
	})

	dc.OnClose(func() {
		util.LogInfo("DataChannel closed")
		cCancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.inbox <- msg.Data:
		default:
			util.LogDebug("receive queue full, dropping %d bytes", len(msg.Data))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		c.mu.Lock()
		c.pcState = state
		c.mu.Unlock()
	})

	c.sender = newSender(cCtx, dc, c.openSignal)

	return c, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (c *Conn) Ready() <-chan struct{} {
	return c.openSignal
}

// Done returns a channel that is closed when the Conn is shut down
// (DataChannel closed or parent context cancelled).
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (c *Conn) Close() error {
	c.cancel()
	return errors.Join(c.dc.Close(), c.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pcState
}

// RemoteAddr is the address every datagram is read from.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (c *Conn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (c *Conn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// net.PacketConn
// ---------------------------------------------------------------------------

// ReadFrom blocks for the next datagram. A datagram longer than b is
// truncated, as with UDP.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case data := <-c.inbox:
		return copy(b, data), c.remote, nil
	case <-c.ctx.Done():
		return 0, nil, net.ErrClosed
	}
}

// WriteTo queues b for the peer. addr is ignored: a Conn has one peer. A
// full send queue drops the datagram silently.
func (c *Conn) WriteTo(b []byte, _ net.Addr) (int, error) {
	if c.ctx.Err() != nil {
		return 0, net.ErrClosed
	}
	if !c.sender.send(c.ctx, append([]byte(nil), b...)) {
		util.LogDebug("send queue full, dropping %d bytes", len(b))
	}
	return len(b), nil
}

func (c *Conn) LocalAddr() net.Addr { return c.local }

// Deadlines are not supported; reads end when the Conn closes.
func (c *Conn) SetDeadline(time.Time) error      { return os.ErrNoDeadline }
func (c *Conn) SetReadDeadline(time.Time) error  { return os.ErrNoDeadline }
func (c *Conn) SetWriteDeadline(time.Time) error { return os.ErrNoDeadline }
