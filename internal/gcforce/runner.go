package gcforce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nathan-c/dotnet-gcforce/internal/diagipc"
	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

// ErrConsumerPanic wraps a panic recovered from the event consumer.
var ErrConsumerPanic = errors.New("event consumer panicked")

// Options holds the timing thresholds of a run.
type Options struct {
	// Timeout is the absolute limit when a Request does not set one.
	Timeout time.Duration
	// NoDataGrace is how long to wait for any sign of the target before
	// assuming it has no managed heap.
	NoDataGrace time.Duration
	// PollInterval is the arbiter quantum.
	PollInterval time.Duration
	// ShutdownPoll is the liveness logging interval while draining.
	ShutdownPoll time.Duration
	// ShutdownTimeout bounds the drain; past it the session is closed.
	ShutdownTimeout time.Duration
	// ProgressInterval throttles heap progress lines.
	ProgressInterval time.Duration
	// Providers enabled on the session. Empty means DefaultProviders.
	Providers []diagipc.Provider
}

// DefaultOptions returns the thresholds used by ForceGC.
func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		NoDataGrace:      5 * time.Second,
		PollInterval:     100 * time.Millisecond,
		ShutdownPoll:     time.Second,
		ShutdownTimeout:  30 * time.Second,
		ProgressInterval: 500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.NoDataGrace <= 0 {
		o.NoDataGrace = d.NoDataGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ShutdownPoll <= 0 {
		o.ShutdownPoll = d.ShutdownPoll
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = d.ShutdownTimeout
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	if len(o.Providers) == 0 {
		o.Providers = session.DefaultProviders()
	}
	return o
}

// Request identifies one invocation.
type Request struct {
	PID int
	// Timeout overrides Options.Timeout when positive.
	Timeout time.Duration
}

// Report is the detailed result of Run.
type Report struct {
	Success bool
	Outcome Outcome
	Elapsed time.Duration
	Err     error
}

// Runner forces and observes collections through a transport.
type Runner struct {
	opts      Options
	transport session.Transport
	logger    *zap.Logger
}

func NewRunner(opts Options, transport session.Transport, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		opts:      opts.withDefaults(),
		transport: transport,
		logger:    logger,
	}
}

// Options returns the effective thresholds.
func (r *Runner) Options() Options { return r.opts }

// Run requests a collection in req.PID and blocks until it completes or
// another terminal condition fires. Progress lines go to sink.
func (r *Runner) Run(ctx context.Context, req Request, sink io.Writer) (report Report) {
	start := time.Now()
	plog := newProgressLog(sink, start)
	logger := r.logger.With(zap.String("run_id", uuid.NewString()), zap.Int("pid", req.PID))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}

	defer func() {
		report.Elapsed = time.Since(start)
		plog.Done(report.Success)
		logger.Info("gc force finished",
			zap.Bool("success", report.Success),
			zap.Stringer("outcome", report.Outcome),
			zap.Duration("elapsed", report.Elapsed),
			zap.Error(report.Err))
	}()
	defer func() {
		if p := recover(); p != nil {
			report = Report{Outcome: OutcomeFault, Err: fmt.Errorf("panic: %v", p)}
			plog.Printf("[Error] Exception during gcforce: %v", report.Err)
			logger.Error("gc force panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	logger.Debug("gc force starting", zap.Duration("timeout", timeout))
	plog.Printf("Requesting a .NET GC")

	h, err := session.Open(ctx, r.transport, req.PID, r.opts.Providers)
	if err != nil {
		report.Err = err
		if ctx.Err() != nil {
			report.Outcome = OutcomeCancelled
			plog.Printf("Cancelling...")
			return report
		}
		report.Outcome = OutcomeAttachFailed
		plog.Printf("[Error] Exception during gcforce: %v", err)
		logger.Error("attach failed", zap.Error(err))
		return report
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Debug("closing session", zap.Error(err))
		}
	}()
	plog.Printf("gcforce EventPipe Session started")

	stream, err := h.Events()
	if err != nil {
		report.Outcome = OutcomeFault
		report.Err = err
		return report
	}

	state := NewState()
	corr := &Correlator{
		PID:              req.PID,
		State:            state,
		Progress:         func(msg string) { plog.Printf("%s", msg) },
		ProgressInterval: r.opts.ProgressInterval,
	}

	var g errgroup.Group
	readerDone := make(chan struct{})
	g.Go(func() error {
		defer close(readerDone)
		return consume(ctx, stream, corr, plog)
	})

	report.Outcome = r.arbitrate(ctx, start, timeout, state, readerDone, plog)
	logger.Debug("terminal condition", zap.Stringer("outcome", report.Outcome))

	fault := r.shutdown(ctx, h, &g, plog, logger)

	if fault != nil {
		report.Err = fault
		plog.Printf("[Error] Exception during gcforce: %v", fault)
		logger.Error("gc force fault", zap.Error(fault), zap.Stringer("outcome", report.Outcome))
	}

	// A fault after the matched stop, such as the target exiting before
	// StopTracing, does not undo the collection.
	switch {
	case ctx.Err() != nil:
		report.Outcome = OutcomeCancelled
	case fault != nil && report.Outcome != OutcomeCompleted:
	default:
		report.Success = state.Completed()
	}
	return report
}

// consume pulls the stream into the correlator until the stream ends.
func consume(ctx context.Context, stream session.Stream, corr *Correlator, plog *progressLog) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrConsumerPanic, p)
		}
	}()

	if ctx.Err() != nil {
		return nil
	}
	plog.Printf("Starting to process events")
	defer plog.Printf("EventPipe Listener dying")

	for {
		ev, err := stream.Next()
		if err != nil {
			if orderlyEnd(err) {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}
		corr.Apply(ev)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// orderlyEnd reports whether err is an expected way for a stream to end.
func orderlyEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, session.ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		cancellation(err)
}

func cancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// arbitrate polls the terminal conditions until one fires. No iteration
// blocks longer than PollInterval.
func (r *Runner) arbitrate(ctx context.Context, start time.Time, timeout time.Duration, state *State, readerDone <-chan struct{}, plog *progressLog) Outcome {
	tick := time.NewTimer(r.opts.PollInterval)
	defer tick.Stop()

	for {
		if ctx.Err() != nil {
			plog.Printf("Cancelling...")
			return OutcomeCancelled
		}

		tick.Reset(r.opts.PollInterval)
		select {
		case <-readerDone:
			if state.Completed() {
				return OutcomeCompleted
			}
			return OutcomeConsumerExited
		case <-ctx.Done():
			continue
		case <-tick.C:
		}

		elapsed := time.Since(start)
		if !state.AnyDataSeen() && elapsed > r.opts.NoDataGrace {
			plog.Printf("Assume no .NET Heap")
			return OutcomeNoData
		}
		if elapsed > timeout {
			plog.Printf("Timed out after %g seconds", timeout.Seconds())
			return OutcomeTimedOut
		}
		if state.Completed() {
			return OutcomeCompleted
		}
	}
}
