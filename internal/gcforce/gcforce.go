// Package gcforce forces a full garbage collection in a running .NET
// process and waits for it to finish.
//
// A session is opened with the runtime's GCHeapCollect keyword, which makes
// the runtime perform an induced collection. A background consumer feeds
// the resulting event stream into a Correlator that latches the first full,
// non-background GCStart and watches for the GCEnd with the same sequence
// number. The caller's goroutine polls the shared State alongside
// cancellation, a no-data grace window and an absolute timeout, and the
// first condition to fire ends the run.
package gcforce

import (
	"context"
	"io"
	"time"

	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

// ForceGC forces a collection in pid over the local diagnostics socket and
// reports whether it was observed to complete within timeoutSeconds.
// Progress lines are written to sink. A non-positive timeout means 30s.
func ForceGC(ctx context.Context, pid int, timeoutSeconds int, sink io.Writer) bool {
	r := NewRunner(DefaultOptions(), &session.EventPipe{RequestRundown: true}, nil)
	report := r.Run(ctx, Request{PID: pid, Timeout: time.Duration(timeoutSeconds) * time.Second}, sink)
	return report.Success
}
