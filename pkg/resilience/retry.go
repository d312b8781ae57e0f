package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig is an exponential backoff policy. Zero fields take defaults.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.1
	}
	return c
}

// Delay returns the jittered pause after failed attempt n, counting from 1.
// It never exceeds MaxDelay.
func (c RetryConfig) Delay(n int) time.Duration {
	c = c.normalized()
	backoff := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(max(n, 1)-1))
	backoff += backoff * c.JitterFraction * (2*rand.Float64() - 1)
	backoff = math.Min(backoff, float64(c.MaxDelay))
	return time.Duration(math.Max(backoff, 0))
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns it after the
// attempt that produced it. errors.Is and errors.As see through the mark.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry calls fn until it succeeds, fails permanently, ctx ends or the
// attempts run out.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.normalized()
	log := slog.Default().With("component", "retry", "operation", name)
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				log.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if IsPermanent(err) || attempt == cfg.MaxAttempts {
			break
		}
		delay := cfg.Delay(attempt)
		log.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"next_delay", delay,
			"error", err,
		)
		if serr := Sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s: retry aborted after %d attempts: %w", name, attempt, serr)
		}
	}
	if IsPermanent(err) {
		return err
	}
	return fmt.Errorf("%s: all %d attempts failed: %w", name, cfg.MaxAttempts, err)
}

// Sleep pauses for d or until ctx ends, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
