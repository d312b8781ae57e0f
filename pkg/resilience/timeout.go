package resilience

import (
	"context"
	"fmt"
	"time"
)

// Timeout runs fn under a deadline d derived from ctx and returns its value.
// fn runs on its own goroutine, so a call that ignores ctx still returns at
// the deadline. A non-positive d calls fn directly.
func Timeout[T any](ctx context.Context, d time.Duration, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(tctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-tctx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s: %w", name, err)
		}
		return zero, fmt.Errorf("%s: %w after %v", name, context.DeadlineExceeded, d)
	}
}

// WithTimeout is Timeout for calls without a result.
func WithTimeout(ctx context.Context, d time.Duration, name string, fn func(ctx context.Context) error) error {
	_, err := Timeout(ctx, d, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
