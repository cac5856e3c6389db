// Package mock provides a scripted in-memory session transport. Each
// attached connection replays its script on a wall-clock schedule measured
// from the attach, then blocks like a live stream until stopped or closed.
package mock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nathan-c/dotnet-gcforce/internal/diagipc"
	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

// Step is one scripted stream item, delivered At after attach.
type Step struct {
	At    time.Duration
	Event session.Event
	Err   error // returned by Next instead of Event
	Panic any   // raised by Next instead of returning
}

// Transport is a session.Transport whose connections replay Script.
type Transport struct {
	Script []Step

	// AttachErr fails every Attach.
	AttachErr error
	// StopErr is returned by Conn.Stop.
	StopErr error
	// StopDelay delays Conn.Stop, bounded by its context.
	StopDelay time.Duration
	// IgnoreStop keeps the stream open after Stop; only Close ends it.
	IgnoreStop bool
	// EndAfterScript ends the stream with io.EOF after the last step.
	EndAfterScript bool

	mu    sync.Mutex
	conns []*Conn
}

// Attach implements session.Transport.
func (t *Transport) Attach(ctx context.Context, pid int, providers []diagipc.Provider) (session.Conn, error) {
	if t.AttachErr != nil {
		return nil, t.AttachErr
	}
	c := &Conn{
		pid:        pid,
		providers:  providers,
		start:      time.Now(),
		script:     append([]Step(nil), t.Script...),
		stopErr:    t.StopErr,
		stopDelay:  t.StopDelay,
		ignoreStop: t.IgnoreStop,
		endOnDrain: t.EndAfterScript,
		stopCh:     make(chan struct{}),
		closeCh:    make(chan struct{}),
	}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

// Conns returns every connection attached so far.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Conn is one scripted connection.
type Conn struct {
	pid        int
	providers  []diagipc.Provider
	start      time.Time
	script     []Step
	next       int
	stopErr    error
	stopDelay  time.Duration
	ignoreStop bool
	endOnDrain bool

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeCh   chan struct{}
	closeOnce sync.Once

	stops  atomic.Int32
	closes atomic.Int32
}

// PID returns the process the connection was attached to.
func (c *Conn) PID() int { return c.pid }

// Providers returns the providers requested at attach.
func (c *Conn) Providers() []diagipc.Provider { return c.providers }

// Stops counts calls to Stop.
func (c *Conn) Stops() int { return int(c.stops.Load()) }

// Closes counts calls to Close.
func (c *Conn) Closes() int { return int(c.closes.Load()) }

// stopped is nil when stops are ignored, so selecting on it never fires.
func (c *Conn) stopped() <-chan struct{} {
	if c.ignoreStop {
		return nil
	}
	return c.stopCh
}

// Next implements session.Stream.
func (c *Conn) Next() (session.Event, error) {
	if c.next >= len(c.script) {
		if c.endOnDrain {
			return session.Event{}, io.EOF
		}
		select {
		case <-c.stopped():
			return session.Event{}, io.EOF
		case <-c.closeCh:
			return session.Event{}, session.ErrClosed
		}
	}

	step := c.script[c.next]
	if wait := time.Until(c.start.Add(step.At)); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.stopped():
			return session.Event{}, io.EOF
		case <-c.closeCh:
			return session.Event{}, session.ErrClosed
		}
	}
	c.next++

	if step.Panic != nil {
		panic(step.Panic)
	}
	if step.Err != nil {
		return session.Event{}, step.Err
	}
	ev := step.Event
	if ev.Time.IsZero() {
		ev.Time = c.start.Add(step.At)
	}
	return ev, nil
}

// Stop implements session.Conn.
func (c *Conn) Stop(ctx context.Context) error {
	c.stops.Add(1)
	if c.stopDelay > 0 {
		timer := time.NewTimer(c.stopDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	return c.stopErr
}

// Close implements session.Conn.
func (c *Conn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

// GCStart builds a collection start event.
func GCStart(pid int, seq, depth uint32, typ session.GCType) session.Event {
	return session.Event{Kind: session.EventGCStart, PID: pid, Sequence: seq, Depth: depth, Type: typ}
}

// GCStop builds a collection end event.
func GCStop(pid int, seq, depth uint32) session.Event {
	return session.Event{Kind: session.EventGCStop, PID: pid, Sequence: seq, Depth: depth}
}

// HeapProgress builds a heap traversal progress event.
func HeapProgress(pid int) session.Event {
	return session.Event{Kind: session.EventGCHeapProgress, PID: pid}
}

// Other builds an event the correlator ignores beyond its process id.
func Other(pid int) session.Event {
	return session.Event{Kind: session.EventOther, PID: pid}
}
