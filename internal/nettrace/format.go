// Package nettrace reads the nettrace serialization that .NET EventPipe
// sessions stream over the diagnostics connection.
//
// Only the parts needed to dispatch events are decoded: the trace header,
// event metadata and event blocks. Stack and sequence point blocks are
// skipped.
package nettrace

import (
	"errors"
	"fmt"
	"time"
)

// Magic starts every nettrace stream.
const Magic = "Nettrace"

// SerializationHeader follows the magic, length-prefixed.
const SerializationHeader = "!FastSerialization.1"

const (
	tagNullReference      byte = 1
	tagBeginPrivateObject byte = 5
	tagEndObject          byte = 6
)

// Object type names.
const (
	ObjectTrace         = "Trace"
	ObjectEventBlock    = "EventBlock"
	ObjectMetadataBlock = "MetadataBlock"
	ObjectStackBlock    = "StackBlock"
	ObjectSPBlock       = "SPBlock"
)

// Supported versions of the Trace object.
const (
	MinVersion = 4
	MaxVersion = 5
)

// Compressed event header flags.
const (
	flagMetadataID               byte = 1 << 0
	flagCaptureThreadAndSequence byte = 1 << 1
	flagThreadID                 byte = 1 << 2
	flagStackID                  byte = 1 << 3
	flagActivityID               byte = 1 << 4
	flagRelatedActivityID        byte = 1 << 5
	flagSorted                   byte = 1 << 6
	flagDataLength               byte = 1 << 7
)

// blockFlagCompressed marks blocks whose event headers are compressed.
const blockFlagCompressed uint16 = 1

// traceObjectSize is the payload size of the Trace object.
const traceObjectSize = 48

// MaxBlockSize bounds the declared size of a single block. The runtime
// flushes blocks of at most a few hundred kilobytes.
const MaxBlockSize = 64 << 20

// ErrUnsupportedFormat is returned for streams this reader cannot decode,
// such as pre-nettrace or future format versions.
var ErrUnsupportedFormat = errors.New("nettrace: unsupported format")

// FormatError reports malformed data at a stream offset.
type FormatError struct {
	Offset int64
	Msg    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("nettrace: %s at offset %d", e.Msg, e.Offset)
}

// TraceHeader is the Trace object at the start of the stream.
type TraceHeader struct {
	Version       int32
	SyncTime      time.Time
	SyncTimeQPC   int64
	QPCFrequency  int64
	PointerSize   int32
	ProcessID     int32
	NumProcessors int32
	SamplingRate  int32
}

// TimeOf converts a QPC timestamp into wall-clock time.
func (h TraceHeader) TimeOf(qpc int64) time.Time {
	if h.QPCFrequency <= 0 {
		return h.SyncTime
	}
	delta := float64(qpc-h.SyncTimeQPC) * float64(time.Second) / float64(h.QPCFrequency)
	return h.SyncTime.Add(time.Duration(delta))
}

// Metadata describes one event type of one provider.
type Metadata struct {
	ID       uint32
	Provider string
	EventID  uint32
	Name     string
	Keywords uint64
	Version  uint32
	Level    uint32
}

// Event is one decoded event. Payload aliases the block it was read from
// and stays valid until the event is discarded.
type Event struct {
	Metadata          *Metadata // nil when the metadata id was never defined
	MetadataID        uint32
	Sequence          uint32
	ThreadID          uint64
	CaptureThreadID   uint64
	Processor         uint32
	StackID           uint32
	Timestamp         int64
	Time              time.Time
	ActivityID        [16]byte
	RelatedActivityID [16]byte
	Sorted            bool
	Payload           []byte
}
