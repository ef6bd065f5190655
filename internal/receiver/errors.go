package receiver

import (
	"errors"
	"fmt"
	"net"

	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/util"
)

// ErrDropped marks a well-formed packet that was discarded on purpose: a
// failed remote, a stale channel version, an unknown peer.
var ErrDropped = errors.New("packet dropped")

// PacketError describes why one datagram was not processed. Err is
// protocol.ErrCorrupted or ErrDropped.
type PacketError struct {
	Reason string
	Addr   net.Addr
	Err    error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("packet from %s: %s: %v", util.PeerTag(e.Addr), e.Reason, e.Err)
}

func (e *PacketError) Unwrap() error { return e.Err }

// IsCorrupted reports whether err classifies a packet as corrupt.
func IsCorrupted(err error) bool { return errors.Is(err, protocol.ErrCorrupted) }

func corrupt(addr net.Addr, format string, args ...any) error {
	return &PacketError{Reason: fmt.Sprintf(format, args...), Addr: addr, Err: protocol.ErrCorrupted}
}

func dropped(addr net.Addr, format string, args ...any) error {
	return &PacketError{Reason: fmt.Sprintf(format, args...), Addr: addr, Err: ErrDropped}
}
