// Package nettracetest builds nettrace streams for tests.
package nettracetest

import (
	"bytes"
	"encoding/binary"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// QPCFrequency is the tick rate of every stream built here: one tick per
// microsecond.
const QPCFrequency = 1_000_000

// SyncTime is the wall-clock anchor of every stream built here.
var SyncTime = time.Date(2024, time.March, 4, 10, 30, 0, 0, time.UTC)

// Def defines one event type in a metadata block.
type Def struct {
	ID       uint32
	Provider string
	EventID  uint32
	Name     string
	Keywords uint64
	Version  uint32
	Level    uint32
}

// Raw is one event in an event block.
type Raw struct {
	MetadataID uint32
	ThreadID   uint64
	Timestamp  int64 // QPC ticks since SyncTime
	Payload    []byte
}

// Builder appends nettrace objects to an in-memory stream.
type Builder struct {
	buf     bytes.Buffer
	version int32
	seq     uint32
}

// New starts a stream for process pid with a version 5 Trace object.
func New(pid int32) *Builder {
	return NewVersion(pid, 5)
}

// NewVersion starts a stream whose Trace object carries version.
func NewVersion(pid int32, version int32) *Builder {
	b := &Builder{version: version}
	b.buf.WriteString("Nettrace")
	b.i32(int32(len("!FastSerialization.1")))
	b.buf.WriteString("!FastSerialization.1")

	b.buf.WriteByte(5)
	b.typeDescriptor("Trace", version)
	st := SyncTime
	for _, v := range []int{st.Year(), int(st.Month()), int(st.Weekday()), st.Day(), st.Hour(), st.Minute(), st.Second(), st.Nanosecond() / int(time.Millisecond)} {
		b.u16(uint16(v))
	}
	b.i64(0)            // sync QPC
	b.i64(QPCFrequency) // QPC frequency
	b.i32(8)            // pointer size
	b.i32(pid)
	b.i32(4)    // processors
	b.i32(1000) // sampling rate
	b.buf.WriteByte(6)
	return b
}

func (b *Builder) typeDescriptor(name string, version int32) {
	b.buf.WriteByte(5)
	b.buf.WriteByte(1)
	b.i32(version)
	b.i32(version)
	b.i32(int32(len(name)))
	b.buf.WriteString(name)
	b.buf.WriteByte(6)
}

func (b *Builder) u16(v uint16) { _ = binary.Write(&b.buf, binary.LittleEndian, v) }
func (b *Builder) i32(v int32)  { _ = binary.Write(&b.buf, binary.LittleEndian, v) }
func (b *Builder) i64(v int64)  { _ = binary.Write(&b.buf, binary.LittleEndian, v) }

// block writes an object holding a size-prefixed, aligned block.
func (b *Builder) block(name string, content []byte) {
	b.buf.WriteByte(5)
	b.typeDescriptor(name, 2)
	b.i32(int32(len(content)))
	for b.buf.Len()%4 != 0 {
		b.buf.WriteByte(0)
	}
	b.buf.Write(content)
	b.buf.WriteByte(6)
}

// blockContent prefixes events with a 20-byte block header.
func blockContent(compressed bool, events []byte) []byte {
	var c bytes.Buffer
	var flags uint16
	if compressed {
		flags = 1
	}
	_ = binary.Write(&c, binary.LittleEndian, uint16(20))
	_ = binary.Write(&c, binary.LittleEndian, flags)
	_ = binary.Write(&c, binary.LittleEndian, int64(0)) // min timestamp
	_ = binary.Write(&c, binary.LittleEndian, int64(0)) // max timestamp
	c.Write(events)
	return c.Bytes()
}

func putVarUint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

// compressedEvents encodes events with full compressed headers. Every
// event carries its metadata id, thread, sequence and length so the only
// delta state exercised is the sequence number and timestamp.
func (b *Builder) compressedEvents(events []Raw) []byte {
	var out bytes.Buffer
	var prevTS int64
	var prevSeq uint32
	for _, ev := range events {
		out.WriteByte(0x01 | 0x02 | 0x04 | 0x80)
		putVarUint(&out, uint64(ev.MetadataID))
		b.seq++
		putVarUint(&out, uint64(b.seq-prevSeq-1))
		prevSeq = b.seq
		putVarUint(&out, ev.ThreadID) // capture thread
		putVarUint(&out, 0)           // processor
		putVarUint(&out, ev.ThreadID)
		putVarUint(&out, uint64(ev.Timestamp-prevTS))
		prevTS = ev.Timestamp
		putVarUint(&out, uint64(len(ev.Payload)))
		out.Write(ev.Payload)
	}
	return out.Bytes()
}

// uncompressedEvents encodes events with fixed V4 headers.
func (b *Builder) uncompressedEvents(events []Raw) []byte {
	var out bytes.Buffer
	for _, ev := range events {
		b.seq++
		var e bytes.Buffer
		le := binary.LittleEndian
		_ = binary.Write(&e, le, ev.MetadataID)
		_ = binary.Write(&e, le, b.seq)
		_ = binary.Write(&e, le, ev.ThreadID)
		_ = binary.Write(&e, le, ev.ThreadID)
		_ = binary.Write(&e, le, uint32(0)) // processor
		_ = binary.Write(&e, le, uint32(0)) // stack id
		_ = binary.Write(&e, le, ev.Timestamp)
		e.Write(make([]byte, 32)) // activity ids
		_ = binary.Write(&e, le, uint32(len(ev.Payload)))
		e.Write(ev.Payload)
		for (e.Len()+4)%4 != 0 {
			e.WriteByte(0)
		}
		_ = binary.Write(&out, le, uint32(e.Len()))
		out.Write(e.Bytes())
	}
	return out.Bytes()
}

func utf16z(s string) []byte {
	enc, _ := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	return append(enc, 0, 0)
}

// MetadataPayload encodes the payload of a metadata event for d.
func MetadataPayload(d Def) []byte {
	var p bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&p, le, d.ID)
	p.Write(utf16z(d.Provider))
	_ = binary.Write(&p, le, d.EventID)
	p.Write(utf16z(d.Name))
	_ = binary.Write(&p, le, d.Keywords)
	_ = binary.Write(&p, le, d.Version)
	_ = binary.Write(&p, le, d.Level)
	_ = binary.Write(&p, le, uint32(0)) // field count
	return p.Bytes()
}

// Metadata appends a compressed metadata block defining defs.
func (b *Builder) Metadata(defs ...Def) *Builder {
	raws := make([]Raw, len(defs))
	for i, d := range defs {
		raws[i] = Raw{Payload: MetadataPayload(d)}
	}
	b.block("MetadataBlock", blockContent(true, b.compressedEvents(raws)))
	return b
}

// Events appends a compressed event block.
func (b *Builder) Events(events ...Raw) *Builder {
	b.block("EventBlock", blockContent(true, b.compressedEvents(events)))
	return b
}

// UncompressedEvents appends an event block with fixed-size headers.
func (b *Builder) UncompressedEvents(events ...Raw) *Builder {
	b.block("EventBlock", blockContent(false, b.uncompressedEvents(events)))
	return b
}

// Stack appends a stack block with opaque content.
func (b *Builder) Stack() *Builder {
	b.block("StackBlock", []byte{1, 0, 0, 0, 0, 0, 0, 0})
	return b
}

// SequencePoint appends a sequence point block with opaque content.
func (b *Builder) SequencePoint() *Builder {
	b.block("SPBlock", make([]byte, 12))
	return b
}

// BlockHeader appends the start of a block object declaring size bytes of
// content, without the content itself.
func (b *Builder) BlockHeader(name string, size int32) *Builder {
	b.buf.WriteByte(5)
	b.typeDescriptor(name, 2)
	b.i32(size)
	return b
}

// Partial returns the stream so far without the end marker.
func (b *Builder) Partial() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// Bytes returns the complete stream including the end marker.
func (b *Builder) Bytes() []byte {
	out := b.Partial()
	return append(out, 1)
}
