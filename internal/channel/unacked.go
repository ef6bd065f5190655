package channel

import (
	"time"

	"github.com/1ureka/relnet/internal/protocol"
)

// UnackedPacket is the resend record of one reliable packet. It lives in the
// unacked ring from the moment the packet is sent until it is acknowledged
// or the channel is reset.
type UnackedPacket struct {
	packet *protocol.Packet

	// lastSentAtOutSeq is the newest sequence number allocated when the
	// packet was last put on the wire. An ack for anything newer means this
	// one was probably lost.
	lastSentAtOutSeq protocol.SeqNum
	lastSentTime     time.Time

	// wasResent disqualifies the record from round trip sampling.
	wasResent bool

	// held is set while the packet waits for the window to open.
	held bool
}

func (u *UnackedPacket) Packet() *protocol.Packet { return u.packet }
func (u *UnackedPacket) WasResent() bool          { return u.wasResent }
func (u *UnackedPacket) LastSentTime() time.Time  { return u.lastSentTime }
