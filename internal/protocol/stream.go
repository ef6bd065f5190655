package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// StreamWriter serializes transplanted state. Writes to a bytes.Buffer never
// fail, so it has no error to check.
type StreamWriter struct {
	buf bytes.Buffer
}

func (w *StreamWriter) WriteUint8(v uint8) { w.buf.WriteByte(v) }

func (w *StreamWriter) WriteUint16(v uint16) {
	var b [2]byte
	be.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *StreamWriter) WriteUint32(v uint32) {
	var b [4]byte
	be.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *StreamWriter) WriteInt32(v int32)   { w.WriteUint32(uint32(v)) }
func (w *StreamWriter) WriteSeq(s SeqNum)    { w.WriteUint32(uint32(s)) }
func (w *StreamWriter) WriteInt64(v int64)   { w.WriteUint32(uint32(v >> 32)); w.WriteUint32(uint32(v)) }
func (w *StreamWriter) WriteBytes(b []byte)  { w.WriteUint16(uint16(len(b))); w.buf.Write(b) }
func (w *StreamWriter) Bytes() []byte        { return w.buf.Bytes() }
func (w *StreamWriter) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// StreamReader is the counterpart of StreamWriter. The first short read
// sticks: later reads return zero values and Err reports it.
type StreamReader struct {
	data []byte
	off  int
	err  error
}

func NewStreamReader(data []byte) *StreamReader { return &StreamReader{data: data} }

func (r *StreamReader) eat(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *StreamReader) ReadUint8() uint8 {
	if b := r.eat(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *StreamReader) ReadUint16() uint16 {
	if b := r.eat(2); b != nil {
		return be.Uint16(b)
	}
	return 0
}

func (r *StreamReader) ReadUint32() uint32 {
	if b := r.eat(4); b != nil {
		return be.Uint32(b)
	}
	return 0
}

func (r *StreamReader) ReadInt32() int32 { return int32(r.ReadUint32()) }
func (r *StreamReader) ReadSeq() SeqNum  { return SeqNum(r.ReadUint32()) }
func (r *StreamReader) ReadBool() bool   { return r.ReadUint8() != 0 }

func (r *StreamReader) ReadInt64() int64 {
	hi := r.ReadUint32()
	lo := r.ReadUint32()
	return int64(hi)<<32 | int64(lo)
}

func (r *StreamReader) ReadBytes() []byte {
	n := int(r.ReadUint16())
	b := r.eat(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Remaining returns the unread byte count.
func (r *StreamReader) Remaining() int { return len(r.data) - r.off }

// Err returns the first read error.
func (r *StreamReader) Err() error { return r.err }

// AddToStream writes p so that CreateFromStream can rebuild it in another
// process.
func (p *Packet) AddToStream(w *StreamWriter) {
	w.WriteBytes(p.buf)
	w.WriteUint16(uint16(p.bodyEnd))
	w.WriteSeq(p.seq)
	w.WriteInt32(p.channelID)
	w.WriteUint32(p.channelVersion)
	w.WriteUint16(uint16(int16(p.versionOffset)))

	if p.HasFlags(FlagIsFragment) {
		w.WriteSeq(p.fragBegin)
		w.WriteSeq(p.fragEnd)
	}
	if p.HasFlags(FlagHasRequests) {
		w.WriteUint16(p.firstRequestOffset)
	}
}

// CreateFromStream reads a packet written by AddToStream.
func CreateFromStream(r *StreamReader) (*Packet, error) {
	data := r.ReadBytes()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if len(data) < HeaderSize || len(data) > MaxPacketSize {
		return nil, fmt.Errorf("%w: streamed packet of %d bytes", ErrCorrupted, len(data))
	}

	p := NewPacketFromBytes(data)
	p.bodyEnd = int(r.ReadUint16())
	p.seq = r.ReadSeq()
	p.channelID = r.ReadInt32()
	p.channelVersion = r.ReadUint32()
	p.versionOffset = int(int16(r.ReadUint16()))

	if p.HasFlags(FlagIsFragment) {
		p.fragBegin = r.ReadSeq()
		p.fragEnd = r.ReadSeq()
	}
	if p.HasFlags(FlagHasRequests) {
		p.firstRequestOffset = r.ReadUint16()
	}

	if err := r.Err(); err != nil {
		return nil, err
	}
	if p.bodyEnd > len(p.buf) || p.versionOffset > len(p.buf) {
		return nil, fmt.Errorf("%w: streamed packet offsets out of range", ErrCorrupted)
	}
	return p, nil
}
