package transport

import (
	"fmt"
	"net"
)

// ListenUDP opens the UDP socket a network interface reads from and writes
// to. address is host:port; an empty host binds every interface.
func ListenUDP(address string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	return conn, nil
}

// ResolveUDP parses a peer address.
func ResolveUDP(address string) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	return addr, nil
}
