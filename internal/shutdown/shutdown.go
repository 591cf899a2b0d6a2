// Package shutdown coordinates graceful process teardown.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout leaves a 5 s buffer before a 30 s supervisor SIGKILL.
const DefaultTimeout = 25 * time.Second

// Coordinator runs cleanup functions sequentially under a hard deadline
// once the run context is cancelled.
type Coordinator struct {
	timeout time.Duration
}

// NewCoordinator creates a Coordinator. timeout <= 0 selects the default.
func NewCoordinator(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{timeout: timeout}
}

// Wait blocks until ctx is cancelled, then runs the cleanup functions in
// order under the deadline. All functions run even if earlier ones fail;
// the first error (or the deadline) is returned.
func (c *Coordinator) Wait(ctx context.Context, cleanups ...func(context.Context) error) error {
	<-ctx.Done()
	slog.Info("[Shutdown] Signal received, starting graceful shutdown", "timeout", c.timeout)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var firstErr error
	for i, cleanup := range cleanups {
		if err := cleanup(cleanupCtx); err != nil {
			slog.Error("[Shutdown] Cleanup failed", "step", i+1, "of", len(cleanups), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("cleanup %d: %w", i+1, err)
			}
		}
	}

	if cleanupCtx.Err() == context.DeadlineExceeded {
		slog.Error("[Shutdown] Deadline exceeded", "timeout", c.timeout)
		if firstErr == nil {
			firstErr = fmt.Errorf("shutdown deadline exceeded after %s", c.timeout)
		}
	}
	if firstErr == nil {
		slog.Info("[Shutdown] Graceful shutdown complete")
	}
	return firstErr
}
