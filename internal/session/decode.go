package session

import (
	"encoding/binary"

	"github.com/nathan-c/dotnet-gcforce/internal/nettrace"
)

// RuntimeProvider is the CLR's EventPipe provider.
const RuntimeProvider = "Microsoft-Windows-DotNETRuntime"

// Runtime event ids.
const (
	eventIDGCStart    = 1
	eventIDGCEnd      = 2
	eventIDGCBulkNode = 18
)

// Runtime keywords.
const (
	KeywordGC            uint64 = 0x1
	KeywordGCHeapCollect uint64 = 0x800000
)

// LevelVerbose is the EventPipe verbose level.
const LevelVerbose uint32 = 5

// Decode maps a raw nettrace event from process pid onto an Event. Events
// that are not GC lifecycle events, or whose payload is too short for
// their type, come back as EventOther.
func Decode(raw nettrace.Event, pid int) Event {
	ev := Event{Kind: EventOther, PID: pid, Time: raw.Time}
	m := raw.Metadata
	if m == nil || m.Provider != RuntimeProvider {
		return ev
	}
	p := raw.Payload
	le := binary.LittleEndian

	switch m.EventID {
	case eventIDGCStart:
		switch {
		case len(p) >= 16:
			// v1+: Count, Depth, Reason, Type, ClrInstanceID[, ClientSequenceNumber]
			ev.Kind = EventGCStart
			ev.Sequence = le.Uint32(p[0:])
			ev.Depth = le.Uint32(p[4:])
			ev.Reason = le.Uint32(p[8:])
			ev.Type = GCType(le.Uint32(p[12:]))
		case len(p) >= 8:
			// v0: Count, Reason
			ev.Kind = EventGCStart
			ev.Sequence = le.Uint32(p[0:])
			ev.Reason = le.Uint32(p[4:])
		}
	case eventIDGCEnd:
		if len(p) >= 8 {
			ev.Kind = EventGCStop
			ev.Sequence = le.Uint32(p[0:])
			ev.Depth = le.Uint32(p[4:])
		}
	case eventIDGCBulkNode:
		ev.Kind = EventGCHeapProgress
	}
	return ev
}
