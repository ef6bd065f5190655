package protocol

import "encoding/binary"

// footerValue is any fixed-size integer that can be written as a footer.
type footerValue interface {
	~uint8 | ~uint16 | ~uint32 | ~int16 | ~int32
}

// StripFooter pops a fixed-size value from the tail of p. It returns false,
// leaving p untouched, when fewer bytes than the value's size remain after
// the header; callers treat that as a corrupted packet.
func StripFooter[T footerValue](p *Packet, out *T) bool {
	var zero T
	n := binary.Size(zero)
	if len(p.buf)-HeaderSize < n {
		return false
	}

	b := p.buf[len(p.buf)-n:]
	switch n {
	case 1:
		*out = T(b[0])
	case 2:
		*out = T(be.Uint16(b))
	case 4:
		*out = T(be.Uint32(b))
	}

	p.buf = p.buf[:len(p.buf)-n]
	if p.bodyEnd > len(p.buf) {
		p.bodyEnd = len(p.buf)
	}
	return true
}

// AddFooter appends v after the current end of the packet.
func AddFooter[T footerValue](p *Packet, v T) bool {
	n := binary.Size(v)
	if p.FreeSpace() < n {
		return false
	}

	var b [4]byte
	switch n {
	case 1:
		b[0] = uint8(v)
	case 2:
		be.PutUint16(b[:], uint16(v))
	case 4:
		be.PutUint32(b[:], uint32(v))
	}
	p.buf = append(p.buf, b[:n]...)
	return true
}

// ---------------------------------------------------------------------------
// Writers, called in wire order by whoever builds the packet.
// ---------------------------------------------------------------------------

// AddFragInfo marks p as one fragment of [begin, end].
func (p *Packet) AddFragInfo(begin, end SeqNum) bool {
	if p.FreeSpace() < FragInfoSize {
		return false
	}
	AddFooter(p, begin)
	AddFooter(p, end)
	p.fragBegin, p.fragEnd = begin, end
	p.enableFlags(FlagIsFragment)
	return true
}

// AddRequestOffset records the body offset of the first request message.
func (p *Packet) AddRequestOffset(offset uint16) bool {
	if !AddFooter(p, offset) {
		return false
	}
	p.firstRequestOffset = offset
	p.enableFlags(FlagHasRequests)
	return true
}

// AddSequence stamps the sequence number.
func (p *Packet) AddSequence(seq SeqNum) bool {
	if !AddFooter(p, seq) {
		return false
	}
	p.seq = seq
	p.enableFlags(FlagHasSequenceNumber)
	return true
}

// AddAcks writes a selective ack list. An empty list writes nothing.
func (p *Packet) AddAcks(acks []SeqNum) bool {
	if len(acks) == 0 {
		return true
	}
	if len(acks) > MaxAcks || p.FreeSpace() < len(acks)*SeqSize32+1 {
		return false
	}
	for _, a := range acks {
		AddFooter(p, a)
	}
	AddFooter(p, uint8(len(acks)))
	p.enableFlags(FlagHasAcks)
	return true
}

// AddCumulativeAck acknowledges every sequence number before endSeq.
func (p *Packet) AddCumulativeAck(endSeq SeqNum) bool {
	if !AddFooter(p, endSeq) {
		return false
	}
	p.enableFlags(FlagHasCumulativeAck)
	return true
}

// AddChannelInfo writes the indexed channel id and version.
func (p *Packet) AddChannelInfo(id int32, version uint32) bool {
	if p.FreeSpace() < ChannelInfoSize {
		return false
	}
	AddFooter(p, id)
	p.versionOffset = len(p.buf)
	AddFooter(p, version)
	p.channelID, p.channelVersion = id, version
	p.enableFlags(FlagIndexedChannel)
	return true
}

// MaxAcksThatFit returns how many selective acks still fit, keeping reserve
// bytes free for later footers.
func (p *Packet) MaxAcksThatFit(reserve int) int {
	n := (p.FreeSpace() - reserve - 1) / SeqSize32
	if n < 0 {
		return 0
	}
	if n > MaxAcks {
		return MaxAcks
	}
	return n
}

// ---------------------------------------------------------------------------
// Strippers, called by the receiver in reverse wire order.
// ---------------------------------------------------------------------------

// StripChannelInfo pops the indexed channel id and version.
func (p *Packet) StripChannelInfo() bool {
	var version uint32
	var id int32
	if !StripFooter(p, &version) || !StripFooter(p, &id) {
		return false
	}
	p.channelID, p.channelVersion = id, version
	return true
}

// StripCumulativeAck pops the cumulative ack.
func (p *Packet) StripCumulativeAck() (SeqNum, bool) {
	var endSeq SeqNum
	if !StripFooter(p, &endSeq) {
		return SeqNull, false
	}
	return endSeq, true
}

// StripAcks pops the selective ack list and calls fn for each entry. A list
// that claims zero entries, or more than the packet holds, is corrupt.
func (p *Packet) StripAcks(fn func(SeqNum) bool) bool {
	var n uint8
	if !StripFooter(p, &n) || n == 0 {
		return false
	}
	if len(p.buf)-HeaderSize < int(n)*SeqSize32 {
		return false
	}
	for i := 0; i < int(n); i++ {
		var seq SeqNum
		StripFooter(p, &seq)
		if !fn(seq) {
			return false
		}
	}
	return true
}

// StripSequence pops the sequence number.
func (p *Packet) StripSequence() bool {
	var seq SeqNum
	if !StripFooter(p, &seq) {
		return false
	}
	p.seq = seq
	return true
}

// StripRequestOffset pops the first request offset.
func (p *Packet) StripRequestOffset() bool {
	var off uint16
	if !StripFooter(p, &off) {
		return false
	}
	p.firstRequestOffset = off
	return true
}

// StripFragInfo pops the fragment bounds. It fails when the range holds
// fewer than two fragments or does not contain the packet's own sequence
// number, so it must run after StripSequence.
func (p *Packet) StripFragInfo() bool {
	var begin, end SeqNum
	if !StripFooter(p, &end) || !StripFooter(p, &begin) {
		return false
	}
	if !begin.Valid() || !end.Valid() || !p.seq.Valid() {
		return false
	}
	if SeqDiff(end, begin)+1 < 2 {
		return false
	}
	if SeqLessThan(p.seq, begin) || SeqLessThan(end, p.seq) {
		return false
	}
	p.fragBegin, p.fragEnd = begin, end
	return true
}

// NumFragments returns the size of the fragment range, or 1 for a packet that
// is not a fragment.
func (p *Packet) NumFragments() int {
	if p.fragBegin == SeqNull {
		return 1
	}
	return SeqDiff(p.fragEnd, p.fragBegin) + 1
}
