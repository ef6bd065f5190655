package bundle

import (
	"encoding/binary"
	"fmt"

	"github.com/1ureka/relnet/internal/protocol"
)

// Received is a fully reassembled inbound bundle.
type Received struct {
	Data []byte

	// FirstRequestOffset is the stream offset of the first request, or -1.
	FirstRequestOffset int
}

// FromPacket wraps the body of a single, unfragmented packet.
func FromPacket(p *protocol.Packet) Received {
	r := Received{Data: p.Body(), FirstRequestOffset: -1}
	if p.HasFlags(protocol.FlagHasRequests) {
		r.FirstRequestOffset = int(p.FirstRequestOffset())
	}
	return r
}

// FromChain joins a complete fragment chain.
func FromChain(fc protocol.FragmentChain) Received {
	r := Received{Data: fc.Bytes(), FirstRequestOffset: -1}
	if off, ok := fc.FirstRequestOffset(); ok {
		r.FirstRequestOffset = off
	}
	return r
}

// Each calls fn for every message in order. It stops at the first error from
// fn, or with ErrTruncated when the stream ends inside a message.
func (r Received) Each(fn func(Message) error) error {
	data := r.Data
	off := 0
	for off < len(data) {
		if len(data)-off < MessageHeaderSize {
			return fmt.Errorf("%w: header at offset %d", ErrTruncated, off)
		}
		flags := data[off]
		n := int(binary.BigEndian.Uint16(data[off+1 : off+3]))
		off += MessageHeaderSize
		if len(data)-off < n {
			return fmt.Errorf("%w: %d of %d bytes at offset %d", ErrTruncated, len(data)-off, n, off)
		}
		if err := fn(Message{Data: data[off : off+n], Request: flags&msgFlagRequest != 0}); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Messages collects every message.
func (r Received) Messages() ([]Message, error) {
	var out []Message
	err := r.Each(func(m Message) error {
		out = append(out, m)
		return nil
	})
	return out, err
}
