package gcforce

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

// shutdown stops the session and joins the consumer and the stop request.
// The wait is polled in ShutdownPoll slices; once ShutdownTimeout passes the
// handle is closed, which unblocks a consumer stuck in a read. Faults caused
// by the teardown itself are dropped; the first other fault is returned.
func (r *Runner) shutdown(ctx context.Context, h *session.Handle, g *errgroup.Group, plog *progressLog, logger *zap.Logger) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ShutdownTimeout)
	defer cancel()

	g.Go(func() error {
		plog.Printf("Shutting down gcforce EventPipe session")
		if err := h.Stop(stopCtx); err != nil {
			if cancellation(err) {
				logger.Debug("stop abandoned", zap.Error(err))
				return nil
			}
			return fmt.Errorf("stopping session: %w", err)
		}
		plog.Printf("gcforce EventPipe session shut down")
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	poll := time.NewTicker(r.opts.ShutdownPoll)
	defer poll.Stop()
	bound := time.NewTimer(r.opts.ShutdownTimeout)
	defer bound.Stop()

	for {
		select {
		case err := <-done:
			plog.Printf("gcforce EventPipe Session closed")
			return err
		case <-poll.C:
			plog.Printf("still reading...")
		case <-bound.C:
			logger.Warn("session did not drain, closing it", zap.Duration("bound", r.opts.ShutdownTimeout))
			if err := h.Close(); err != nil {
				logger.Debug("closing session", zap.Error(err))
			}
		}
	}
}
