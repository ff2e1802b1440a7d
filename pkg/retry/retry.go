package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds retry configuration
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the upper bound of the random delay added on top of the
	// exponential delay, as a fraction of that delay.
	Jitter float64
}

// DefaultConfig returns the backoff used by the log poller
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     0.5,
	}
}

// Backoff returns the wait before the next attempt after the given number of
// consecutive failures: min(MaxDelay, BaseDelay*2^(failures-1) + jitter), where
// jitter is rnd scaled to [0, Jitter*delay). rnd must be in [0, 1).
func Backoff(failures int, cfg Config, rnd float64) time.Duration {
	if failures < 1 {
		return 0
	}

	maxDelay := float64(cfg.MaxDelay)
	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(failures-1))
	// also catches +Inf for very long failure streaks
	if math.IsNaN(delay) || delay >= maxDelay {
		return cfg.MaxDelay
	}

	delay += delay * cfg.Jitter * rnd
	if delay > maxDelay {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Sleep blocks for d on clk, returning early with ctx.Err() on cancellation.
// The timer is always released.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn with exponential backoff until it succeeds, MaxRetries is
// exhausted, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	clk := clock.New()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Don't wait after the last attempt
		if attempt == cfg.MaxRetries {
			break
		}

		if err := Sleep(ctx, clk, Backoff(attempt+1, cfg, rand.Float64())); err != nil {
			return err
		}
	}

	return lastErr
}
