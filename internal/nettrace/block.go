package nettrace

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var errTruncated = errors.New("truncated")

// cursor walks a block's content.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) remaining() int { return len(c.b) - c.off }

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, errTruncated
	}
	out := c.b[c.off : c.off+n]
	c.off += n
	return out, nil
}

func (c *cursor) u8() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) varUint64() (uint64, error) {
	var v uint64
	for shift := uint(0); shift < 64; shift += 7 {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errors.New("varint overflow")
}

func (c *cursor) varUint32() (uint32, error) {
	v, err := c.varUint64()
	if err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, errors.New("varint overflow")
	}
	return uint32(v), nil
}

func (c *cursor) guid() ([16]byte, error) {
	var g [16]byte
	b, err := c.take(16)
	if err != nil {
		return g, err
	}
	copy(g[:], b)
	return g, nil
}

// utf16z reads a null-terminated UTF-16LE string.
func (c *cursor) utf16z() (string, error) {
	start := c.off
	for {
		b, err := c.take(2)
		if err != nil {
			return "", err
		}
		if b[0] == 0 && b[1] == 0 {
			break
		}
	}
	raw := c.b[start : c.off-2]
	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// alignTo advances the cursor to the next multiple of n from the block start.
func (c *cursor) alignTo(n int) {
	if rem := c.off % n; rem != 0 {
		c.off += n - rem
		if c.off > len(c.b) {
			c.off = len(c.b)
		}
	}
}

// blockBody strips the block header and reports whether event headers in
// the block are compressed.
func blockBody(content []byte) ([]byte, bool, error) {
	if len(content) < 4 {
		return nil, false, errTruncated
	}
	headerSize := int(binary.LittleEndian.Uint16(content[0:2]))
	flags := binary.LittleEndian.Uint16(content[2:4])
	if headerSize < 4 || headerSize > len(content) {
		return nil, false, fmt.Errorf("block header size %d", headerSize)
	}
	return content[headerSize:], flags&blockFlagCompressed != 0, nil
}

// parseEvents decodes every event in a block body. Compressed headers are
// deltas against the previous event of the same block, so the running
// state starts from zero for each block.
func parseEvents(body []byte, compressed bool) ([]Event, error) {
	c := &cursor{b: body}
	var prev Event
	var out []Event
	for c.remaining() > 0 {
		var ev Event
		var err error
		if compressed {
			ev, err = readCompressedEvent(c, &prev)
		} else {
			ev, err = readUncompressedEvent(c)
		}
		if err != nil {
			return out, fmt.Errorf("event %d: %w", len(out), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func readCompressedEvent(c *cursor, prev *Event) (Event, error) {
	flags, err := c.u8()
	if err != nil {
		return Event{}, err
	}
	h := *prev
	h.Payload = nil

	if flags&flagMetadataID != 0 {
		if h.MetadataID, err = c.varUint32(); err != nil {
			return Event{}, err
		}
	}
	if flags&flagCaptureThreadAndSequence != 0 {
		delta, err := c.varUint32()
		if err != nil {
			return Event{}, err
		}
		h.Sequence += delta + 1
		if h.CaptureThreadID, err = c.varUint64(); err != nil {
			return Event{}, err
		}
		if h.Processor, err = c.varUint32(); err != nil {
			return Event{}, err
		}
	} else if h.MetadataID != 0 {
		h.Sequence++
	}
	if flags&flagThreadID != 0 {
		if h.ThreadID, err = c.varUint64(); err != nil {
			return Event{}, err
		}
	}
	if flags&flagStackID != 0 {
		if h.StackID, err = c.varUint32(); err != nil {
			return Event{}, err
		}
	}
	tsDelta, err := c.varUint64()
	if err != nil {
		return Event{}, err
	}
	h.Timestamp += int64(tsDelta)
	if flags&flagActivityID != 0 {
		if h.ActivityID, err = c.guid(); err != nil {
			return Event{}, err
		}
	}
	if flags&flagRelatedActivityID != 0 {
		if h.RelatedActivityID, err = c.guid(); err != nil {
			return Event{}, err
		}
	}
	h.Sorted = flags&flagSorted != 0

	size := uint32(len(prev.Payload))
	if flags&flagDataLength != 0 {
		if size, err = c.varUint32(); err != nil {
			return Event{}, err
		}
	}
	if h.Payload, err = c.take(int(size)); err != nil {
		return Event{}, err
	}
	*prev = h
	return h, nil
}

func readUncompressedEvent(c *cursor) (Event, error) {
	start := c.off
	size, err := c.u32()
	if err != nil {
		return Event{}, err
	}
	end := start + 4 + int(size)
	if int(size) < 0 || end > len(c.b) {
		return Event{}, errTruncated
	}

	var ev Event
	metaID, err := c.u32()
	if err != nil {
		return Event{}, err
	}
	ev.MetadataID = metaID &^ (1 << 31)
	ev.Sorted = metaID&(1<<31) != 0
	if ev.Sequence, err = c.u32(); err != nil {
		return Event{}, err
	}
	if ev.ThreadID, err = c.u64(); err != nil {
		return Event{}, err
	}
	if ev.CaptureThreadID, err = c.u64(); err != nil {
		return Event{}, err
	}
	if ev.Processor, err = c.u32(); err != nil {
		return Event{}, err
	}
	if ev.StackID, err = c.u32(); err != nil {
		return Event{}, err
	}
	ts, err := c.u64()
	if err != nil {
		return Event{}, err
	}
	ev.Timestamp = int64(ts)
	if ev.ActivityID, err = c.guid(); err != nil {
		return Event{}, err
	}
	if ev.RelatedActivityID, err = c.guid(); err != nil {
		return Event{}, err
	}
	payloadSize, err := c.u32()
	if err != nil {
		return Event{}, err
	}
	if ev.Payload, err = c.take(int(payloadSize)); err != nil {
		return Event{}, err
	}
	if c.off > end {
		return Event{}, errTruncated
	}
	c.off = end
	c.alignTo(4)
	return ev, nil
}

// parseMetadata decodes the payload of a metadata event.
func parseMetadata(payload []byte) (*Metadata, error) {
	c := &cursor{b: payload}
	var m Metadata
	var err error
	if m.ID, err = c.u32(); err != nil {
		return nil, err
	}
	if m.Provider, err = c.utf16z(); err != nil {
		return nil, err
	}
	if m.EventID, err = c.u32(); err != nil {
		return nil, err
	}
	if m.Name, err = c.utf16z(); err != nil {
		return nil, err
	}
	if m.Keywords, err = c.u64(); err != nil {
		return nil, err
	}
	if m.Version, err = c.u32(); err != nil {
		return nil, err
	}
	if m.Level, err = c.u32(); err != nil {
		return nil, err
	}
	return &m, nil
}
