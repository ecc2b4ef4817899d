// Package retry provides exponential backoff policies and a retry loop for transient failures
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Policy computes the wait before a retry from the 0-based retry index.
type Policy struct {
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay   time.Duration `json:"max_delay"  yaml:"max_delay"`
	// Jitter is the fraction (0..1) of the delay added at random by Backoff.
	// Delay ignores it.
	Jitter float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// DefaultPolicy returns the versioned-update defaults: 300ms growing by 1.5x, capped at 2s, no jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  300 * time.Millisecond,
		Multiplier: 1.5,
		MaxDelay:   2 * time.Second,
	}
}

// Validate reports configuration errors. Delay never fails, even on an invalid policy.
func (p Policy) Validate() error {
	if p.BaseDelay < 0 {
		return errors.New("retry: BaseDelay cannot be negative")
	}
	if p.MaxDelay < 0 {
		return errors.New("retry: MaxDelay cannot be negative")
	}
	if p.Multiplier < 1 && p.Multiplier != 0 {
		return errors.New("retry: Multiplier must be >= 1")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return errors.New("retry: MaxDelay must be >= BaseDelay")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("retry: Jitter must be between 0 and 1")
	}
	return nil
}

// Delay returns min(BaseDelay * Multiplier^attempt, MaxDelay).
// It is pure and total: negative attempts count as 0, a zero MaxDelay means
// uncapped, and overflow saturates at MaxDelay (or the largest Duration).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.BaseDelay
	if base < 0 {
		base = 0
	}
	mult := p.Multiplier
	if mult < 1 || math.IsNaN(mult) {
		mult = 1
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}

	d := float64(base) * math.Pow(mult, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

// Backoff is Delay plus up to Jitter*Delay of random extra wait.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	span := int64(float64(d) * math.Min(p.Jitter, 1))
	if span <= 0 {
		return d
	}
	randMu.Lock()
	extra := time.Duration(randSource.Int63n(span))
	randMu.Unlock()
	if d > time.Duration(math.MaxInt64)-extra {
		return d
	}
	return d + extra
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config provides retry configuration for Do
type Config struct {
	MaxAttempts int // Maximum number of attempts (0 = no retry, just run once)
	Policy      Policy
}

// DefaultConfig returns sensible defaults for infrastructure retries
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Policy: Policy{
			BaseDelay:  100 * time.Millisecond,
			Multiplier: 2.0,
			MaxDelay:   5 * time.Second,
			Jitter:     0.25,
		},
	}
}

// Quick returns a config for fast retries (useful during startup)
func Quick() Config {
	return Config{
		MaxAttempts: 10,
		Policy: Policy{
			BaseDelay:  50 * time.Millisecond,
			Multiplier: 1.5,
			MaxDelay:   time.Second,
			Jitter:     0.25,
		},
	}
}

// Do executes fn with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if err := cfg.Policy.Validate(); err != nil {
		return err
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}

		// Don't sleep after the last attempt
		if attempt == cfg.MaxAttempts {
			break
		}

		if err := Sleep(ctx, cfg.Policy.Backoff(attempt-1)); err != nil {
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, err)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
