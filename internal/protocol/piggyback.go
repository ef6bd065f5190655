package protocol

// AddPiggyback embeds sub, a complete framed packet, in p's footer. The first
// entry written is the last one stripped, so its length is bit-inverted to
// terminate the list. Must be followed only by AddChecksum.
func (p *Packet) AddPiggyback(sub *Packet) bool {
	n := sub.Size()
	if n > 0x7fff || p.FreeSpace() < n+PiggyLenSize {
		return false
	}

	length := int16(n)
	if !p.HasFlags(FlagHasPiggybacks) {
		length = ^length
		p.enableFlags(FlagHasPiggybacks)
	}
	p.buf = append(p.buf, sub.buf...)
	AddFooter(p, length)
	return true
}

// PiggybackSpace returns the bytes a piggyback of sub would take.
func PiggybackSpace(sub *Packet) int { return sub.Size() + PiggyLenSize }

// ProcessPiggybackPackets pops every piggybacked packet from the tail of p
// and hands each one to visit. Any malformed length fails the whole packet.
func (p *Packet) ProcessPiggybackPackets(visit func(sub *Packet)) bool {
	for p.HasFlags(FlagHasPiggybacks) {
		var length int16
		if !StripFooter(p, &length) {
			return false
		}

		last := length < 0
		if last {
			length = ^length
		}

		n := int(length)
		if n < HeaderSize || len(p.buf)-HeaderSize < n {
			return false
		}

		sub := NewPacketFromBytes(p.buf[len(p.buf)-n:])
		sub.piggyback = true
		p.buf = p.buf[:len(p.buf)-n]
		if p.bodyEnd > len(p.buf) {
			p.bodyEnd = len(p.buf)
		}

		visit(sub)

		if last {
			p.disableFlags(FlagHasPiggybacks)
		}
	}
	return true
}
