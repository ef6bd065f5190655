// Package protocol defines the datagram wire format: a flags header, a body
// written front to back, and optional footers appended after the body and
// stripped from the tail on receipt.
//
//	+-------+------------------+---------------------------------------------+
//	| flags |       body       |                   footers                   |
//	+-------+------------------+---------------------------------------------+
//	                           fragBegin fragEnd | firstRequestOffset | seq |
//	                           acks... nAcks | cumulativeAck |
//	                           channelID channelVersion | piggybacks | checksum
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

var be = binary.BigEndian

// Size constants.
const (
	// MaxPacketSize keeps a datagram inside one Ethernet frame.
	MaxPacketSize = 1472

	// HeaderSize is the flags word.
	HeaderSize = 2

	SeqSize32       = 4
	ChannelInfoSize = 4 + 4 // channelID + channelVersion
	FragInfoSize    = 2 * SeqSize32
	ChecksumSize    = 4
	RequestInfoSize = 2
	PiggyLenSize    = 2

	// MaxAcks is the largest selective ack list one packet can carry.
	MaxAcks = 255
)

// ErrCorrupted classifies every malformed-datagram failure.
var ErrCorrupted = errors.New("corrupted packet")

// Flags declares which footers a packet carries.
type Flags uint16

const (
	FlagHasRequests       Flags = 0x0001
	FlagHasPiggybacks     Flags = 0x0002
	FlagHasAcks           Flags = 0x0004
	FlagOnChannel         Flags = 0x0008
	FlagIsReliable        Flags = 0x0010
	FlagIsFragment        Flags = 0x0020
	FlagHasSequenceNumber Flags = 0x0040
	FlagIndexedChannel    Flags = 0x0080
	FlagHasChecksum       Flags = 0x0100
	FlagCreateChannel     Flags = 0x0200
	FlagHasCumulativeAck  Flags = 0x0400

	KnownFlags = FlagHasRequests | FlagHasPiggybacks | FlagHasAcks |
		FlagOnChannel | FlagIsReliable | FlagIsFragment |
		FlagHasSequenceNumber | FlagIndexedChannel | FlagHasChecksum |
		FlagCreateChannel | FlagHasCumulativeAck
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagHasRequests, "requests"},
	{FlagHasPiggybacks, "piggybacks"},
	{FlagHasAcks, "acks"},
	{FlagOnChannel, "onChannel"},
	{FlagIsReliable, "reliable"},
	{FlagIsFragment, "fragment"},
	{FlagHasSequenceNumber, "seq"},
	{FlagIndexedChannel, "indexed"},
	{FlagHasChecksum, "checksum"},
	{FlagCreateChannel, "create"},
	{FlagHasCumulativeAck, "cumAck"},
}

func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ KnownFlags; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%04x", uint16(rest)))
	}
	return "{" + strings.Join(parts, "|") + "}"
}

// Packet is one datagram. The buffer always has MaxPacketSize capacity; its
// length is the logical size, which grows while a packet is built and
// shrinks as footers are stripped from a received one.
type Packet struct {
	buf []byte

	// Values of footers written or stripped so far.
	seq                SeqNum
	channelID          int32
	channelVersion     uint32
	fragBegin          SeqNum
	fragEnd            SeqNum
	firstRequestOffset uint16

	// Offset of the channelVersion field, -1 when absent.
	versionOffset int

	// bodyEnd is where footers begin on a packet being built.
	bodyEnd int

	piggyback bool
}

// NewPacket returns an empty packet with flags zeroed.
func NewPacket() *Packet {
	p := &Packet{
		buf:           make([]byte, HeaderSize, MaxPacketSize),
		seq:           SeqNull,
		fragBegin:     SeqNull,
		fragEnd:       SeqNull,
		versionOffset: -1,
	}
	p.bodyEnd = HeaderSize
	return p
}

// NewPacketFromBytes copies data into a new received packet.
func NewPacketFromBytes(data []byte) *Packet {
	p := NewPacket()
	n := copy(p.buf[:cap(p.buf)], data)
	p.buf = p.buf[:n]
	p.bodyEnd = n
	return p
}

// RecvFromEndpoint reads one datagram from conn into the packet. The size
// is set to exactly the bytes read.
func (p *Packet) RecvFromEndpoint(conn net.PacketConn) (net.Addr, error) {
	p.buf = p.buf[:cap(p.buf)]
	n, addr, err := conn.ReadFrom(p.buf)
	if n < 0 {
		n = 0
	}
	p.buf = p.buf[:n]
	p.bodyEnd = n
	return addr, err
}

// Data returns the framed bytes, ready for the socket.
func (p *Packet) Data() []byte { return p.buf }

// Size returns the logical size including the header.
func (p *Packet) Size() int { return len(p.buf) }

// FreeSpace returns how many more bytes fit.
func (p *Packet) FreeSpace() int { return cap(p.buf) - len(p.buf) }

// Flags reads the flags word. A packet shorter than the header has none.
func (p *Packet) Flags() Flags {
	if len(p.buf) < HeaderSize {
		return 0
	}
	return Flags(be.Uint16(p.buf[0:HeaderSize]))
}

// SetFlags overwrites the flags word.
func (p *Packet) SetFlags(f Flags) { be.PutUint16(p.buf[0:HeaderSize], uint16(f)) }

// HasFlags reports whether every bit of f is set.
func (p *Packet) HasFlags(f Flags) bool { return p.Flags()&f == f }

func (p *Packet) enableFlags(f Flags)  { p.SetFlags(p.Flags() | f) }
func (p *Packet) disableFlags(f Flags) { p.SetFlags(p.Flags() &^ f) }

// Body returns the bytes between the header and the footers. On a received
// packet this is only meaningful once all footers have been stripped.
func (p *Packet) Body() []byte {
	end := p.bodyEnd
	if end > len(p.buf) {
		end = len(p.buf)
	}
	if end < HeaderSize {
		return nil
	}
	return p.buf[HeaderSize:end]
}

// BodySize returns len(Body()).
func (p *Packet) BodySize() int { return len(p.Body()) }

// AppendBody writes b to the body. It fails once footers have been added or
// when b does not fit.
func (p *Packet) AppendBody(b []byte) bool {
	if p.bodyEnd != len(p.buf) || len(b) > p.FreeSpace() {
		return false
	}
	p.buf = append(p.buf, b...)
	p.bodyEnd = len(p.buf)
	return true
}

// IsPiggyback reports whether the packet was extracted from another one.
func (p *Packet) IsPiggyback() bool { return p.piggyback }

func (p *Packet) Seq() SeqNum                { return p.seq }
func (p *Packet) SetSeq(s SeqNum)            { p.seq = s }
func (p *Packet) ChannelID() int32           { return p.channelID }
func (p *Packet) ChannelVersion() uint32     { return p.channelVersion }
func (p *Packet) FragBegin() SeqNum          { return p.fragBegin }
func (p *Packet) FragEnd() SeqNum            { return p.fragEnd }
func (p *Packet) FirstRequestOffset() uint16 { return p.firstRequestOffset }

// Clone returns a deep copy, including decoded footer values.
func (p *Packet) Clone() *Packet {
	c := *p
	c.buf = make([]byte, len(p.buf), MaxPacketSize)
	copy(c.buf, p.buf)
	return &c
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{size=%d seq=%s flags=%s}", p.Size(), seqString(p.seq), p.Flags())
}

func seqString(s SeqNum) string {
	if s == SeqNull {
		return "null"
	}
	return fmt.Sprintf("%d", uint32(s))
}
