package updater

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/concur/conflict"
	"github.com/c360/concur/pkg/retry"
)

// DefaultMaxRetries bounds the refresh-and-retry loop: 4 update calls in total.
const DefaultMaxRetries = 3

// ProgressFunc is told about each retry before its refresh fetch.
type ProgressFunc func(attempt, maxRetries int, message string)

// ObserverFunc receives a copy of the session after every state change.
type ObserverFunc func(Session)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries sets how many refresh-and-retry rounds follow the first
// attempt. Negative values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}

// WithPolicy sets the backoff policy.
func WithPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) {
		o.progress = fn
	}
}

// WithObserver registers a session observer.
func WithObserver(fn ObserverFunc) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithClassifier replaces the default conflict classifier.
func WithClassifier(c *conflict.Classifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports sessions to m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithSleep replaces the backoff wait. Tests use it to avoid real delays.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithName labels logs and metrics, typically with the resource name.
func WithName(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.name = name
		}
	}
}

// WithRateLimiter paces update requests. Every attempt, first or retry,
// waits for a token; a limiter shared by several orchestrators bounds their
// combined write rate. Refresh fetches are not limited.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(o *Orchestrator) {
		o.limiter = l
	}
}
