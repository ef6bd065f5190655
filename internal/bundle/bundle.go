// Package bundle accumulates outgoing messages and slices them into packet
// bodies, and parses the bodies of received packets back into messages.
//
// Message framing inside the bundle stream (big endian):
//
//	flags  uint8  // msgFlagRequest
//	length uint16
//	data   [length]byte
//
// The stream is cut into packet-sized pieces without regard to message
// boundaries; a bundle that needs more than one piece travels as fragments.
package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/1ureka/relnet/internal/protocol"
)

const (
	// MessageHeaderSize is flags + length.
	MessageHeaderSize = 1 + 2

	// MaxMessageSize is the largest payload one message may carry.
	MaxMessageSize = 0xffff

	msgFlagRequest uint8 = 0x01
)

var (
	ErrMessageTooBig = errors.New("message too big")
	ErrTruncated     = errors.New("truncated message")
)

// Message is one application message.
type Message struct {
	Data    []byte
	Request bool
}

// Bundle is the set of messages sent together by one Send call.
type Bundle struct {
	msgs     []Message
	size     int
	reliable bool
	critical bool
}

// New returns an empty bundle.
func New() *Bundle { return &Bundle{} }

// AddMessage queues data. A reliable message makes the whole bundle reliable.
func (b *Bundle) AddMessage(data []byte, reliable bool) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooBig, len(data))
	}
	b.msgs = append(b.msgs, Message{Data: data})
	b.size += MessageHeaderSize + len(data)
	b.reliable = b.reliable || reliable
	return nil
}

// AddRequest queues a request message. Requests are always reliable.
func (b *Bundle) AddRequest(data []byte) error {
	if err := b.AddMessage(data, true); err != nil {
		return err
	}
	b.msgs[len(b.msgs)-1].Request = true
	return nil
}

// SetCritical marks the bundle as one that must eventually arrive, such as
// the one that creates the channel on the remote side.
func (b *Bundle) SetCritical() {
	b.critical = true
	b.reliable = true
}

// SetReliable forces reliable delivery, even for an empty bundle.
func (b *Bundle) SetReliable() { b.reliable = true }

func (b *Bundle) IsReliable() bool { return b.reliable }
func (b *Bundle) IsCritical() bool { return b.critical }
func (b *Bundle) NumMessages() int { return len(b.msgs) }
func (b *Bundle) Size() int        { return b.size }

// IsEmpty reports whether there is nothing to send: no messages and no
// reliability request.
func (b *Bundle) IsEmpty() bool { return len(b.msgs) == 0 && !b.reliable }

// Clear empties the bundle for reuse.
func (b *Bundle) Clear() {
	b.msgs = b.msgs[:0]
	b.size = 0
	b.reliable = false
	b.critical = false
}

// Piece is one packet-sized slice of the bundle stream.
type Piece struct {
	Packet *protocol.Packet

	// RequestOffset is the body offset of the first request message that
	// starts in this piece, or -1.
	RequestOffset int
}

// stream frames every message and records where each request starts.
func (b *Bundle) stream() ([]byte, []int) {
	out := make([]byte, 0, b.size)
	var requests []int
	var hdr [MessageHeaderSize]byte
	for _, m := range b.msgs {
		hdr[0] = 0
		if m.Request {
			hdr[0] = msgFlagRequest
			requests = append(requests, len(out))
		}
		binary.BigEndian.PutUint16(hdr[1:], uint16(len(m.Data)))
		out = append(out, hdr[:]...)
		out = append(out, m.Data...)
	}
	return out, requests
}

// PacketCapacity is the body space of one packet once reserve bytes are kept
// for footers.
func PacketCapacity(reserve int) int {
	return protocol.MaxPacketSize - protocol.HeaderSize - reserve
}

// Pieces slices the bundle into packets whose bodies leave reserve bytes free
// for footers. When the stream needs more than one packet, every piece also
// leaves room for the fragment bounds. An empty bundle yields one empty
// piece.
func (b *Bundle) Pieces(reserve int) []Piece {
	data, requests := b.stream()

	capacity := PacketCapacity(reserve + protocol.RequestInfoSize)
	if len(data) > capacity {
		capacity = PacketCapacity(reserve + protocol.RequestInfoSize + protocol.FragInfoSize)
	}

	var pieces []Piece
	for off := 0; off == 0 || off < len(data); off += capacity {
		end := off + capacity
		if end > len(data) {
			end = len(data)
		}

		p := protocol.NewPacket()
		p.AppendBody(data[off:end])

		reqOff := -1
		for _, r := range requests {
			if r >= off && r < end {
				reqOff = r - off
				break
			}
		}
		pieces = append(pieces, Piece{Packet: p, RequestOffset: reqOff})

		if end == len(data) {
			break
		}
	}
	return pieces
}

// NumPieces returns len(Pieces(reserve)) without building them.
func (b *Bundle) NumPieces(reserve int) int {
	capacity := PacketCapacity(reserve + protocol.RequestInfoSize)
	if b.size <= capacity {
		return 1
	}
	capacity = PacketCapacity(reserve + protocol.RequestInfoSize + protocol.FragInfoSize)
	return (b.size + capacity - 1) / capacity
}
