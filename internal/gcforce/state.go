package gcforce

import (
	"sync/atomic"
	"time"

	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

// FullDepth is the generation of a full, application-visible collection.
const FullDepth = 2

const unsetTarget int64 = -1

// State is the correlation state of one invocation. It is written only by
// the consumer goroutine; every transition is a one-way latch, so readers
// need nothing beyond atomic loads.
type State struct {
	target       atomic.Int64
	anyDataSeen  atomic.Bool
	completed    atomic.Bool
	lastProgress atomic.Int64 // unix nanos
}

// NewState returns a state with no collection latched.
func NewState() *State {
	s := &State{}
	s.target.Store(unsetTarget)
	return s
}

// Target returns the latched collection sequence number.
func (s *State) Target() (uint32, bool) {
	v := s.target.Load()
	if v == unsetTarget {
		return 0, false
	}
	return uint32(v), true
}

// AnyDataSeen reports whether any event from the target was observed.
func (s *State) AnyDataSeen() bool { return s.anyDataSeen.Load() }

// Completed reports whether the latched collection's stop was observed.
func (s *State) Completed() bool { return s.completed.Load() }

// LastProgress returns the time of the last heap progress event.
func (s *State) LastProgress() time.Time {
	n := s.lastProgress.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Correlator applies stream events to a State for one target process.
//
// The qualifying filter binds to the first full, non-background collection
// that starts after attach. A collection of the same depth that the target
// runs on its own in that window is indistinguishable from the requested
// one, and the latch will bind to it.
type Correlator struct {
	PID   int
	State *State

	// Progress receives human-readable milestones. Nil discards them.
	Progress func(msg string)
	// ProgressInterval throttles heap progress lines.
	ProgressInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *Correlator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Correlator) report(msg string) {
	if c.Progress != nil {
		c.Progress(msg)
	}
}

// Apply dispatches one event. It reports whether the event belonged to the
// target process.
func (c *Correlator) Apply(ev session.Event) bool {
	if ev.PID != c.PID {
		return false
	}
	s := c.State
	s.anyDataSeen.Store(true)

	switch ev.Kind {
	case session.EventGCStart:
		if ev.Depth != FullDepth || ev.Type == session.GCBackground {
			break
		}
		if s.target.CompareAndSwap(unsetTarget, int64(ev.Sequence)) {
			c.report(".NET Dump Started...")
		}

	case session.EventGCStop:
		target, ok := s.Target()
		if ok && ev.Sequence == target && !s.completed.Load() {
			s.completed.Store(true)
			c.report(".NET GC Complete.")
		}

	case session.EventGCHeapProgress:
		now := c.now()
		prev := s.LastProgress()
		if prev.IsZero() || now.Sub(prev) > c.ProgressInterval {
			c.report("Making GC Heap Progress...")
		}
		s.lastProgress.Store(now.UnixNano())
	}
	return true
}
