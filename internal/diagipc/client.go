package diagipc

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client talks to the diagnostics server of one .NET process.
type Client struct {
	pid  int
	path string
	dial func(ctx context.Context, path string) (net.Conn, error)
}

// NewClient locates the diagnostics socket of pid under dir and returns a
// client for it. The process must be alive.
func NewClient(pid int, dir string) (*Client, error) {
	if err := CheckProcess(pid); err != nil {
		return nil, err
	}
	path, err := FindSocket(dir, pid)
	if err != nil {
		return nil, err
	}
	return NewClientForSocket(pid, path), nil
}

// NewClientForSocket returns a client bound to an explicit socket path.
func NewClientForSocket(pid int, path string) *Client {
	return &Client{pid: pid, path: path, dial: dialSocket}
}

// PID returns the process id the client was created for.
func (c *Client) PID() int { return c.pid }

// SocketPath returns the diagnostics endpoint in use.
func (c *Client) SocketPath() string { return c.path }

// TraceSession is a running EventPipe session. Reading from it yields the
// nettrace stream produced by the target process.
type TraceSession struct {
	ID   uint64
	conn net.Conn
}

func (s *TraceSession) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Close tears down the streaming connection. The runtime ends the session
// when its streaming connection goes away.
func (s *TraceSession) Close() error {
	return s.conn.Close()
}

// StartSession sends CollectTracing2 and returns the session whose
// connection carries the event stream.
func (c *Client) StartSession(ctx context.Context, cfg SessionConfig) (*TraceSession, error) {
	payload, err := EncodeCollectTracing2(cfg)
	if err != nil {
		return nil, err
	}
	req, err := NewMessage(CommandSetEventPipe, CommandCollectTracing2, payload)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, c.path)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.path, err)
	}
	resp, err := roundTrip(ctx, conn, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("starting EventPipe session for pid %d: %w", c.pid, err)
	}
	id, err := DecodeSessionID(resp.Payload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &TraceSession{ID: id, conn: conn}, nil
}

// StopSession asks the runtime to end session id. The runtime flushes and
// then closes the streaming connection of that session.
func (c *Client) StopSession(ctx context.Context, id uint64) error {
	req, err := NewMessage(CommandSetEventPipe, CommandStopTracing, EncodeSessionID(id))
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx, c.path)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.path, err)
	}
	defer conn.Close()

	if _, err := roundTrip(ctx, conn, req); err != nil {
		return fmt.Errorf("stopping EventPipe session %d: %w", id, err)
	}
	return nil
}

// roundTrip writes req and reads one response, honouring ctx for the
// duration of the exchange only.
func roundTrip(ctx context.Context, conn net.Conn, req Message) (Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}()

	raw, err := req.MarshalBinary()
	if err != nil {
		return Message{}, err
	}
	if _, err := conn.Write(raw); err != nil {
		return Message{}, ctxErr(ctx, err)
	}
	resp, err := ReadMessage(conn)
	if err != nil {
		return Message{}, ctxErr(ctx, err)
	}
	if !resp.IsOK() {
		return Message{}, responseError(resp)
	}
	return resp, nil
}

// ctxErr prefers the context error when the deadline was forced by ctx.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
