package nettrace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Reader decodes a nettrace stream into events. It is not safe for
// concurrent use; the stream has exactly one consumer.
type Reader struct {
	r        *bufio.Reader
	pos      int64
	started  bool
	header   TraceHeader
	metadata map[uint32]*Metadata
	pending  []Event
	next     int
	err      error
}

// NewReader returns a reader for the stream r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:        bufio.NewReaderSize(r, 64*1024),
		metadata: make(map[uint32]*Metadata),
	}
}

// Header returns the trace header. It is zero until the first call to Next
// has read the stream preamble.
func (r *Reader) Header() TraceHeader {
	return r.header
}

// Metadata returns the metadata registered under id, if any.
func (r *Reader) Metadata(id uint32) (*Metadata, bool) {
	m, ok := r.metadata[id]
	return m, ok
}

// Next returns the next event. It blocks until an event is available, and
// returns io.EOF once the stream's end marker has been read. Errors are
// sticky.
func (r *Reader) Next() (Event, error) {
	for r.next >= len(r.pending) {
		if r.err != nil {
			return Event{}, r.err
		}
		r.pending = r.pending[:0]
		r.next = 0
		if err := r.advance(); err != nil {
			r.err = err
		}
	}
	ev := r.pending[r.next]
	r.pending[r.next] = Event{}
	r.next++
	return ev, nil
}

func (r *Reader) advance() error {
	if !r.started {
		if err := r.readPreamble(); err != nil {
			return err
		}
		r.started = true
		return nil
	}
	return r.readObject()
}

func (r *Reader) formatErr(format string, args ...any) error {
	return &FormatError{Offset: r.pos, Msg: fmt.Sprintf(format, args...)}
}

func (r *Reader) readFull(buf []byte) error {
	n, err := io.ReadFull(r.r, buf)
	r.pos += int64(n)
	return err
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.r.ReadByte()
	if err == nil {
		r.pos++
	}
	return b, err
}

func (r *Reader) readInt32() (int32, error) {
	var b [4]byte
	if err := r.readFull(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// unexpectedEOF turns a clean EOF in the middle of the stream into an
// error; only the end marker terminates a stream normally.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (r *Reader) expectTag(want byte) error {
	tag, err := r.readByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	if tag != want {
		return r.formatErr("tag %d, want %d", tag, want)
	}
	return nil
}

func (r *Reader) readPreamble() error {
	var magic [len(Magic)]byte
	if err := r.readFull(magic[:]); err != nil {
		return unexpectedEOF(err)
	}
	if string(magic[:]) != Magic {
		return fmt.Errorf("%w: magic %q", ErrUnsupportedFormat, magic[:])
	}
	n, err := r.readInt32()
	if err != nil {
		return unexpectedEOF(err)
	}
	if int(n) != len(SerializationHeader) {
		return fmt.Errorf("%w: serialization header of %d bytes", ErrUnsupportedFormat, n)
	}
	hdr := make([]byte, n)
	if err := r.readFull(hdr); err != nil {
		return unexpectedEOF(err)
	}
	if string(hdr) != SerializationHeader {
		return fmt.Errorf("%w: serialization header %q", ErrUnsupportedFormat, hdr)
	}

	if err := r.expectTag(tagBeginPrivateObject); err != nil {
		return err
	}
	name, version, minReader, err := r.readTypeDescriptor()
	if err != nil {
		return err
	}
	if name != ObjectTrace {
		return r.formatErr("first object %q, want %q", name, ObjectTrace)
	}
	if version < MinVersion || version > MaxVersion || minReader > MaxVersion {
		return fmt.Errorf("%w: trace version %d (min reader %d)", ErrUnsupportedFormat, version, minReader)
	}
	if err := r.readTrace(version); err != nil {
		return err
	}
	return r.expectTag(tagEndObject)
}

// readTypeDescriptor reads the serialization type that precedes every
// object payload.
func (r *Reader) readTypeDescriptor() (name string, version, minReader int32, err error) {
	if err = r.expectTag(tagBeginPrivateObject); err != nil {
		return
	}
	if err = r.expectTag(tagNullReference); err != nil {
		return
	}
	if version, err = r.readInt32(); err != nil {
		err = unexpectedEOF(err)
		return
	}
	if minReader, err = r.readInt32(); err != nil {
		err = unexpectedEOF(err)
		return
	}
	n, err := r.readInt32()
	if err != nil {
		err = unexpectedEOF(err)
		return
	}
	if n < 0 || n > 256 {
		err = r.formatErr("type name length %d", n)
		return
	}
	raw := make([]byte, n)
	if err = r.readFull(raw); err != nil {
		err = unexpectedEOF(err)
		return
	}
	name = string(raw)
	err = r.expectTag(tagEndObject)
	return
}

func (r *Reader) readTrace(version int32) error {
	var b [traceObjectSize]byte
	if err := r.readFull(b[:]); err != nil {
		return unexpectedEOF(err)
	}
	le := binary.LittleEndian
	st := func(i int) int { return int(le.Uint16(b[i*2:])) }
	// SYSTEMTIME: year, month, day of week, day, hour, minute, second, ms.
	r.header = TraceHeader{
		Version:       version,
		SyncTime:      time.Date(st(0), time.Month(st(1)), st(3), st(4), st(5), st(6), st(7)*int(time.Millisecond), time.UTC),
		SyncTimeQPC:   int64(le.Uint64(b[16:])),
		QPCFrequency:  int64(le.Uint64(b[24:])),
		PointerSize:   int32(le.Uint32(b[32:])),
		ProcessID:     int32(le.Uint32(b[36:])),
		NumProcessors: int32(le.Uint32(b[40:])),
		SamplingRate:  int32(le.Uint32(b[44:])),
	}
	return nil
}

// readObject reads one top-level object. Events land in r.pending.
func (r *Reader) readObject() error {
	tag, err := r.readByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	if tag == tagNullReference {
		return io.EOF
	}
	if tag != tagBeginPrivateObject {
		return r.formatErr("object tag %d", tag)
	}
	name, _, _, err := r.readTypeDescriptor()
	if err != nil {
		return err
	}

	switch name {
	case ObjectEventBlock, ObjectMetadataBlock, ObjectStackBlock, ObjectSPBlock:
	default:
		return r.formatErr("unknown object %q", name)
	}

	offset := r.pos
	content, err := r.readBlock()
	if err != nil {
		return err
	}

	switch name {
	case ObjectEventBlock:
		err = r.handleEventBlock(content)
	case ObjectMetadataBlock:
		err = r.handleMetadataBlock(content)
	}
	if err != nil {
		return &FormatError{Offset: offset, Msg: fmt.Sprintf("%s: %v", name, err)}
	}
	return r.expectTag(tagEndObject)
}

// readBlock reads a size-prefixed block whose content starts 4-byte aligned
// relative to the start of the stream.
func (r *Reader) readBlock() ([]byte, error) {
	size, err := r.readInt32()
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	if size < 0 || size > MaxBlockSize {
		return nil, r.formatErr("block size %d", size)
	}
	for r.pos%4 != 0 {
		if _, err := r.readByte(); err != nil {
			return nil, unexpectedEOF(err)
		}
	}
	content := make([]byte, size)
	if err := r.readFull(content); err != nil {
		return nil, unexpectedEOF(err)
	}
	return content, nil
}

func (r *Reader) handleEventBlock(content []byte) error {
	body, compressed, err := blockBody(content)
	if err != nil {
		return err
	}
	events, err := parseEvents(body, compressed)
	if err != nil {
		return err
	}
	for i := range events {
		ev := &events[i]
		ev.Time = r.header.TimeOf(ev.Timestamp)
		if m, ok := r.metadata[ev.MetadataID]; ok {
			ev.Metadata = m
		}
	}
	r.pending = append(r.pending, events...)
	return nil
}

func (r *Reader) handleMetadataBlock(content []byte) error {
	body, compressed, err := blockBody(content)
	if err != nil {
		return err
	}
	events, err := parseEvents(body, compressed)
	if err != nil {
		return err
	}
	for _, ev := range events {
		m, err := parseMetadata(ev.Payload)
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		r.metadata[m.ID] = m
	}
	return nil
}
