package session

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nathan-c/dotnet-gcforce/internal/diagipc"
	"github.com/nathan-c/dotnet-gcforce/internal/nettrace"
)

// DefaultProviders enables GC lifecycle events and, through the
// GCHeapCollect keyword, asks the runtime to perform an induced full
// collection.
func DefaultProviders() []diagipc.Provider {
	return []diagipc.Provider{{
		Name:     RuntimeProvider,
		Keywords: KeywordGC | KeywordGCHeapCollect,
		Level:    LevelVerbose,
	}}
}

// DefaultCircularBufferMB is the runtime-side session buffer size.
const DefaultCircularBufferMB = 1024

// EventPipe attaches through the runtime's diagnostics IPC socket and
// reads the nettrace stream of a CollectTracing2 session.
type EventPipe struct {
	SocketDir        string
	CircularBufferMB uint32
	RequestRundown   bool
	Logger           *zap.Logger
}

// Attach implements Transport.
func (e *EventPipe) Attach(ctx context.Context, pid int, providers []diagipc.Provider) (Conn, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := e.SocketDir
	if dir == "" {
		dir = diagipc.SocketDir()
	}
	bufferMB := e.CircularBufferMB
	if bufferMB == 0 {
		bufferMB = DefaultCircularBufferMB
	}

	client, err := diagipc.NewClient(pid, dir)
	if err != nil {
		return nil, err
	}
	logger.Debug("diagnostics socket found", zap.Int("pid", pid), zap.String("socket", client.SocketPath()))

	ts, err := client.StartSession(ctx, diagipc.SessionConfig{
		CircularBufferMB: bufferMB,
		RequestRundown:   e.RequestRundown,
		Providers:        providers,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("EventPipe session started", zap.Int("pid", pid), zap.Uint64("session_id", ts.ID))

	return &eventPipeConn{
		client:  client,
		session: ts,
		reader:  nettrace.NewReader(ts),
		logger:  logger,
	}, nil
}

type eventPipeConn struct {
	client  *diagipc.Client
	session *diagipc.TraceSession
	reader  *nettrace.Reader
	logger  *zap.Logger
	closed  atomic.Bool
}

func (c *eventPipeConn) Next() (Event, error) {
	raw, err := c.reader.Next()
	if err != nil {
		if c.closed.Load() {
			return Event{}, ErrClosed
		}
		return Event{}, err
	}
	return Decode(raw, int(c.reader.Header().ProcessID)), nil
}

func (c *eventPipeConn) Stop(ctx context.Context) error {
	c.logger.Debug("stopping EventPipe session", zap.Uint64("session_id", c.session.ID))
	return c.client.StopSession(ctx, c.session.ID)
}

func (c *eventPipeConn) Close() error {
	c.closed.Store(true)
	return c.session.Close()
}
