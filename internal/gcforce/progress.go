package gcforce

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// progressLog writes elapsed-time stamped lines to a sink. The consumer,
// the stop task and the arbiter all write through it.
type progressLog struct {
	mu    sync.Mutex
	w     io.Writer
	start time.Time
}

func newProgressLog(w io.Writer, start time.Time) *progressLog {
	if w == nil {
		w = io.Discard
	}
	return &progressLog{w: w, start: start}
}

func (p *progressLog) elapsed() time.Duration {
	return time.Since(p.start)
}

// Printf writes one "%5.1fs: msg" line.
func (p *progressLog) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%5.1fs: %s\n", p.elapsed().Seconds(), msg)
}

// Line writes msg as-is, unstamped.
func (p *progressLog) Line(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, msg)
}

func (p *progressLog) Done(success bool) {
	p.Line(fmt.Sprintf("[%5.1fs: Done Forcing .NET GC success=%t]", p.elapsed().Seconds(), success))
}
