// Package app contains the top-level orchestration of a relnet node: it
// opens the configured socket, runs a network interface on it and bridges
// text lines between the terminal and the peer.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/relnet/internal/bundle"
	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/config"
	"github.com/1ureka/relnet/internal/network"
	"github.com/1ureka/relnet/internal/signaling"
	"github.com/1ureka/relnet/internal/transport"
	"github.com/1ureka/relnet/internal/util"
)

// Node is one running endpoint.
type Node struct {
	cfg   *config.Config
	iface *network.Interface
	peer  net.Addr
	out   io.Writer

	// lastSender is where lines go when no peer is configured. Dispatcher
	// goroutine only.
	lastSender net.Addr
}

// Open establishes the socket cfg asks for and returns a Node on it. For
// WebRTC this runs the whole signaling phase.
func Open(ctx context.Context, cfg *config.Config, out io.Writer) (*Node, error) {
	var conn net.PacketConn
	var peer net.Addr

	switch cfg.Transport {
	case config.TransportWebRTC:
		var c *transport.Conn
		var err error
		if cfg.Role == config.RoleClient {
			c, err = signaling.EstablishAsClient(ctx, cfg.WSURL)
		} else {
			c, err = signaling.EstablishAsHost(ctx, cfg.WSListen)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to establish WebRTC link: %w", err)
		}
		conn, peer = c, c.RemoteAddr()

	default:
		c, err := transport.ListenUDP(cfg.Listen)
		if err != nil {
			return nil, err
		}
		if cfg.Peer != "" {
			if peer, err = transport.ResolveUDP(cfg.Peer); err != nil {
				c.Close()
				return nil, err
			}
		}
		conn = c
	}

	return NewNode(cfg, conn, peer, out), nil
}

// NewNode runs a node on an open socket. peer may be nil, in which case
// lines go to whoever spoke last.
func NewNode(cfg *config.Config, conn net.PacketConn, peer net.Addr, out io.Writer) *Node {
	n := &Node{cfg: cfg, peer: peer, out: out}
	opts := cfg.NetworkOptions()
	opts.SendWindowObserver = func(ch *channel.Channel, usage int) {
		util.LogWarning("%s %s: %d packets unacknowledged", util.PeerTag(ch.Addr()), ch, usage)
	}
	n.iface = network.New(conn, n, opts)
	return n
}

// Interface exposes the node's network interface.
func (n *Node) Interface() *network.Interface { return n.iface }

// Run serves until ctx is cancelled. Lines read from in are sent to the
// peer; received messages are written to out.
func (n *Node) Run(ctx context.Context, in io.Reader) error {
	util.LogInfo("listening on %s", n.iface.LocalAddr())
	util.StartStatsReporter(ctx, n.iface.Stats(), n.cfg.StatsInterval)

	if n.peer != nil {
		n.iface.Post(func() {
			ch := n.iface.FindOrCreateChannel(n.peer)
			n.iface.SetKeepAlive(ch, true)
			util.LogInfo("%s channel to %s open", util.PeerTag(n.peer), n.peer)
		})
	}
	if in != nil {
		go n.readLines(in)
	}

	err := n.iface.Run(ctx)
	if cerr := n.iface.Close(); cerr != nil {
		util.LogDebug("close: %v", cerr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleBundle prints every message of an inbound bundle.
func (n *Node) HandleBundle(addr net.Addr, ch *channel.Channel, b bundle.Received) {
	n.lastSender = addr
	how := "once-off"
	if ch != nil {
		how = ch.Kind().String()
	}
	if err := b.Each(func(m bundle.Message) error {
		pterm.Fprintln(n.out, fmt.Sprintf("%s <%s> %s", util.PeerTag(addr), how, m.Data))
		return nil
	}); err != nil {
		util.LogWarning("%s malformed bundle: %v", util.PeerTag(addr), err)
	}
}

// lineKind says how a line typed by the user is sent.
type lineKind int

const (
	lineReliable lineKind = iota
	lineUnreliable
	lineOnceOff
)

// parseLine splits a command prefix off a line:
//
//	text         reliable message on the channel
//	/drop text   unreliable message on the channel
//	/once text   reliable once-off message outside the channel
func parseLine(line string) (lineKind, string) {
	switch {
	case strings.HasPrefix(line, "/drop "):
		return lineUnreliable, strings.TrimPrefix(line, "/drop ")
	case strings.HasPrefix(line, "/once "):
		return lineOnceOff, strings.TrimPrefix(line, "/once ")
	default:
		return lineReliable, line
	}
}

func (n *Node) readLines(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		kind, text := parseLine(line)
		n.iface.Post(func() { n.send(kind, text) })
	}
	if err := sc.Err(); err != nil {
		util.LogWarning("stdin: %v", err)
	}
}

// send runs on the dispatcher goroutine.
func (n *Node) send(kind lineKind, text string) {
	to := n.peer
	if to == nil {
		to = n.lastSender
	}
	if to == nil {
		util.LogWarning("no peer yet: configure one or wait to be contacted")
		return
	}

	var err error
	switch kind {
	case lineOnceOff:
		b := bundle.New()
		if err = b.AddMessage([]byte(text), true); err == nil {
			err = n.iface.SendOnceOff(to, b)
		}
	default:
		err = n.iface.SendMessage(to, []byte(text), kind == lineReliable)
	}
	if err != nil {
		util.LogError("%s send: %v", util.PeerTag(to), err)
	}
}
