package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout bounds fn with a deadline derived from ctx. A non-positive
// timeout disables the bound. The wrapper distinguishes its own deadline
// from a cancelled parent so callers can tell "the backend was slow" apart
// from "the request went away".
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
	}
}
