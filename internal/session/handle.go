package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nathan-c/dotnet-gcforce/internal/diagipc"
)

var (
	// ErrAttachFailed wraps every failure to establish a session.
	ErrAttachFailed = errors.New("attach failed")
	// ErrStreamTaken is returned when the event stream is requested twice.
	ErrStreamTaken = errors.New("event stream already taken")
	// ErrClosed is returned by streams whose session has been closed.
	ErrClosed = errors.New("session closed")
)

// Stream yields events in emission order. Next blocks until an event is
// available and returns io.EOF when the far end ends the stream. A Stream
// has exactly one consumer and cannot be restarted.
type Stream interface {
	Next() (Event, error)
}

// Conn is one live connection to a process's diagnostic event stream.
type Conn interface {
	Stream

	// Stop asks the far end to end the session. The stream drains and then
	// reports io.EOF. Close may run while Stop is in flight and must not
	// wait for it.
	Stop(ctx context.Context) error

	// Close releases the connection. A blocked Next returns promptly.
	Close() error
}

// Transport attaches to processes. Implementations perform the real
// out-of-process attach; failures are not retried.
type Transport interface {
	Attach(ctx context.Context, pid int, providers []diagipc.Provider) (Conn, error)
}

// Handle owns one session for its whole lifetime. Stop and Close may be
// called any number of times from any goroutine; only the first call of
// each has an effect.
type Handle struct {
	conn  Conn
	pid   int
	taken atomic.Bool

	stopOnce sync.Once
	stopErr  error

	mu     sync.Mutex
	closed bool
}

// Open attaches to pid with the given providers enabled.
func Open(ctx context.Context, t Transport, pid int, providers []diagipc.Provider) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: pid %d: %w", ErrAttachFailed, pid, err)
	}
	conn, err := t.Attach(ctx, pid, providers)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %w", ErrAttachFailed, pid, err)
	}
	return &Handle{conn: conn, pid: pid}, nil
}

// PID returns the process the session is attached to.
func (h *Handle) PID() int { return h.pid }

// Events hands out the event stream. Only the first call succeeds.
func (h *Handle) Events() (Stream, error) {
	if !h.taken.CompareAndSwap(false, true) {
		return nil, ErrStreamTaken
	}
	return h.conn, nil
}

// Stop requests the far end to end the session. It is a no-op once the
// handle is closed. mu is not held across conn.Stop, so a Close arriving
// during a slow stop still unblocks the reader.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return
		}
		h.stopErr = h.conn.Stop(ctx)
	})
	return h.stopErr
}

// Close releases the transport and the event source. Repeat calls return
// nil.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.conn.Close()
}
