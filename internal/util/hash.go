// Package util provides logging, counters and small helpers shared by the
// transport packages.
package util

import (
	"hash/fnv"
	"net"
)

// AddrHash computes a 4-byte tag from a network address. It is only used to
// keep log lines short and does not need to be collision free.
func AddrHash(addr net.Addr) uint32 {
	if addr == nil {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(addr.Network()))
	h.Write([]byte(addr.String()))
	return h.Sum32()
}

// AddrKey returns the string used to key per-address tables.
func AddrKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.Network() + "/" + addr.String()
}
