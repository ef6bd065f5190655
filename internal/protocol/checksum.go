package protocol

// checksum XOR-folds b as big endian 32-bit words; a trailing partial word is
// zero padded.
func checksum(b []byte) uint32 {
	var sum uint32
	for len(b) >= 4 {
		sum ^= be.Uint32(b)
		b = b[4:]
	}
	if len(b) > 0 {
		var w [4]byte
		copy(w[:], b)
		sum ^= be.Uint32(w[:])
	}
	return sum
}

// AddChecksum appends the checksum of everything written so far. It must be
// the last footer.
func (p *Packet) AddChecksum() bool {
	if p.FreeSpace() < ChecksumSize {
		return false
	}
	p.enableFlags(FlagHasChecksum)
	AddFooter(p, uint32(0))
	p.writeChecksum()
	return true
}

// writeChecksum recomputes the trailing checksum in place.
func (p *Packet) writeChecksum() {
	field := p.buf[len(p.buf)-ChecksumSize:]
	be.PutUint32(field, 0)
	be.PutUint32(field, checksum(p.buf))
}

// ValidateChecksum strips and verifies the trailing checksum. When required
// is set, a packet that does not declare one fails too.
func (p *Packet) ValidateChecksum(required bool) bool {
	if !p.HasFlags(FlagHasChecksum) {
		return !required
	}
	if len(p.buf)-HeaderSize < ChecksumSize {
		return false
	}

	field := p.buf[len(p.buf)-ChecksumSize:]
	stored := be.Uint32(field)
	be.PutUint32(field, 0)
	computed := checksum(p.buf)
	// Restore the field so a failed packet can still be logged as received.
	be.PutUint32(field, stored)
	if stored != computed {
		return false
	}

	var discard uint32
	StripFooter(p, &discard)
	p.disableFlags(FlagHasChecksum)
	return true
}

// UpdateChannelVersion rewrites the channel version footer of a packet that
// is about to be resent on a channel whose version has moved on, then
// refreshes the checksum.
func (p *Packet) UpdateChannelVersion(version uint32, id int32) {
	if p.versionOffset < 0 || p.versionOffset+4 > len(p.buf) {
		return
	}
	be.PutUint32(p.buf[p.versionOffset-4:], uint32(id))
	be.PutUint32(p.buf[p.versionOffset:], version)
	p.channelID, p.channelVersion = id, version

	if p.HasFlags(FlagHasChecksum) {
		p.writeChecksum()
	}
}
