package session

import "time"

// EventKind classifies diagnostic events.
type EventKind int

const (
	EventOther          EventKind = iota // anything the correlator does not act on
	EventGCStart                         // a collection began
	EventGCStop                          // a collection ended
	EventGCHeapProgress                  // heap traversal is making progress
)

var eventKindNames = map[EventKind]string{
	EventOther:          "other",
	EventGCStart:        "gc_start",
	EventGCStop:         "gc_stop",
	EventGCHeapProgress: "gc_heap_progress",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// GCType is the kind of a starting collection.
type GCType uint32

const (
	GCNonConcurrent GCType = 0
	GCBackground    GCType = 1
	GCForeground    GCType = 2
)

func (t GCType) String() string {
	switch t {
	case GCNonConcurrent:
		return "non_concurrent"
	case GCBackground:
		return "background"
	case GCForeground:
		return "foreground"
	}
	return "unknown"
}

// Event is one diagnostic event from the target's stream. Which fields are
// meaningful depends on Kind: Sequence and Depth for GCStart and GCStop,
// Type and Reason for GCStart only.
type Event struct {
	Kind     EventKind
	PID      int
	Sequence uint32 // collection count; pairs a start with its stop
	Depth    uint32 // generation collected
	Type     GCType
	Reason   uint32
	Time     time.Time
}
