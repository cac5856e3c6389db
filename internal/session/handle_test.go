package session_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathan-c/dotnet-gcforce/internal/mock"
	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

func TestOpenAttachFailure(t *testing.T) {
	denied := errors.New("permission denied")
	_, err := session.Open(context.Background(), &mock.Transport{AttachErr: denied}, 99, session.DefaultProviders())

	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrAttachFailed)
	assert.ErrorIs(t, err, denied)
	assert.Contains(t, err.Error(), "pid 99")
}

func TestOpenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &mock.Transport{}
	_, err := session.Open(ctx, tr, 99, nil)

	assert.ErrorIs(t, err, session.ErrAttachFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tr.Conns())
}

func TestHandleEventsSingleConsumer(t *testing.T) {
	h, err := session.Open(context.Background(), &mock.Transport{}, 99, nil)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, 99, h.PID())

	first, err := h.Events()
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = h.Events()
	assert.ErrorIs(t, err, session.ErrStreamTaken)
}

func TestHandleStopIsIdempotent(t *testing.T) {
	tr := &mock.Transport{}
	h, err := session.Open(context.Background(), tr, 99, nil)
	require.NoError(t, err)
	defer h.Close()

	stream, err := h.Events()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Stop(context.Background()))
		}()
	}
	wg.Wait()

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, tr.Conns()[0].Stops())
}

func TestHandleStopErrorIsSticky(t *testing.T) {
	broken := errors.New("broken pipe")
	h, err := session.Open(context.Background(), &mock.Transport{StopErr: broken}, 99, nil)
	require.NoError(t, err)
	defer h.Close()

	assert.ErrorIs(t, h.Stop(context.Background()), broken)
	assert.ErrorIs(t, h.Stop(context.Background()), broken)
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	tr := &mock.Transport{}
	h, err := session.Open(context.Background(), tr, 99, nil)
	require.NoError(t, err)

	stream, err := h.Events()
	require.NoError(t, err)

	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())

	_, err = stream.Next()
	assert.ErrorIs(t, err, session.ErrClosed)

	conn := tr.Conns()[0]
	assert.Equal(t, 1, conn.Closes())

	// Stop after close does not reach the transport.
	assert.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, 0, conn.Stops())
}

func TestHandleCloseDuringSlowStop(t *testing.T) {
	tr := &mock.Transport{StopDelay: time.Hour}
	h, err := session.Open(context.Background(), tr, 1, session.DefaultProviders())
	require.NoError(t, err)
	stream, err := h.Events()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- h.Stop(ctx) }()
	require.Eventually(t, func() bool { return tr.Conns()[0].Stops() == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- h.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close waited for an in-flight Stop")
	}

	_, err = stream.Next()
	assert.ErrorIs(t, err, session.ErrClosed)

	cancel()
	assert.ErrorIs(t, <-stopped, context.Canceled)
	assert.Equal(t, 1, tr.Conns()[0].Closes())
}
