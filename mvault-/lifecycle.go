package mvault

import (
	"context"
	"time"
)

// Shutdown is canceled when a graceful shutdown is initiated. Background jobs
// such as maintenance and spool expiry should abort pending work when it is
// done.
var Shutdown context.Context
var ShutdownCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
}

// Sleep for d, but return as soon as ctx is done.
func Sleep(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}
