package resilience

import (
	"context"
	"time"

	"github.com/famulus-ai/famulus/pkg/errors"
)

// WithTimeout executes fn within d. A zero duration means no limit.
// Returns errors.CodeTimeout when the deadline is exceeded; fn keeps
// running in its goroutine but its result is discarded.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d == 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	case err := <-done:
		return err
	}
}
