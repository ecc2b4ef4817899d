package updater

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/concur/conflict"
	"github.com/c360/concur/errors"
	"github.com/c360/concur/pkg/retry"
	"github.com/c360/concur/resource"
)

// Orchestrator applies intents to a VersionedResource, refreshing and retrying
// on version conflicts. It holds no per-session state and is safe for
// concurrent use; each Run owns its own Session.
type Orchestrator struct {
	res        resource.VersionedResource
	classifier *conflict.Classifier
	policy     retry.Policy
	maxRetries int

	progress ProgressFunc
	observer ObserverFunc
	sleep    SleepFunc
	limiter  *rate.Limiter

	logger  *slog.Logger
	metrics *Metrics
	name    string
}

// New creates an Orchestrator for res.
func New(res resource.VersionedResource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		res:        res,
		classifier: conflict.Default(),
		policy:     retry.DefaultPolicy(),
		maxRetries: DefaultMaxRetries,
		sleep:      retry.Sleep,
		logger:     slog.Default(),
		name:       "default",
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "updater", "name", o.name)
	return o
}

// MaxRetries returns the configured retry bound.
func (o *Orchestrator) MaxRetries() int {
	return o.maxRetries
}

// Run applies intent and returns the entity the server accepted. Failures are
// always *UpdateError.
func (o *Orchestrator) Run(ctx context.Context, intent Intent) (resource.Entity, error) {
	entity, _, err := o.RunSession(ctx, intent)
	return entity, err
}

// RunSession is Run that also returns the finished session.
func (o *Orchestrator) RunSession(ctx context.Context, intent Intent) (resource.Entity, Session, error) {
	s := &Session{
		TargetID:   intent.TargetID,
		State:      StateIdle,
		MaxRetries: o.maxRetries,
		Version:    intent.BaseVersion,
		StartedAt:  time.Now(),
	}
	o.notify(s)

	entity, err := o.loop(ctx, s, intent)

	s.EndedAt = time.Now()
	if err != nil {
		s.State = StateFailed
		s.LastError = err
	} else {
		s.State = StateSucceeded
		s.LastOutcome = conflict.Success
		s.LastError = nil
	}
	o.notify(s)
	o.metrics.observeSession(o.name, s, err)

	if err != nil {
		o.logger.Debug("update failed",
			"id", s.TargetID, "updates", s.Updates, "fetches", s.Fetches, "error", err)
	} else {
		o.logger.Debug("update succeeded",
			"id", s.TargetID, "version", entity.Version, "updates", s.Updates, "fetches", s.Fetches)
	}
	return entity, s.snapshot(), err
}

func (o *Orchestrator) loop(ctx context.Context, s *Session, intent Intent) (resource.Entity, error) {
	if intent.TargetID == "" {
		return resource.Entity{}, o.fail(s, KindValidation,
			errors.Invalid("Orchestrator", "Run", "intent has no target id"))
	}

	build := intent.Build
	if build == nil {
		build = Overlay(intent.Fields)
	}
	current := intent.Fields

	for {
		if err := ctx.Err(); err != nil {
			return resource.Entity{}, o.fail(s, KindUnknown, err)
		}

		payload, err := build(current)
		if err != nil {
			return resource.Entity{}, o.fail(s, KindValidation,
				errors.WrapInvalid(err, "Orchestrator", "Run", "build payload"))
		}

		s.State = StateAttempting
		o.notify(s)

		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return resource.Entity{}, o.fail(s, KindUnknown,
					errors.WrapTransient(err, "Orchestrator", "Run", "wait for rate limiter"))
			}
		}

		s.Updates++
		if o.metrics != nil {
			o.metrics.updates.WithLabelValues(o.name).Inc()
		}
		entity, err := o.res.Update(ctx, s.TargetID, s.Version, payload)
		if err == nil {
			return entity, nil
		}

		outcome := o.classify(ctx, err)
		s.LastOutcome = outcome
		s.LastError = err

		switch outcome {
		case conflict.NotFound:
			return resource.Entity{}, o.fail(s, KindNotFound, err)
		case conflict.ValidationError:
			return resource.Entity{}, o.fail(s, KindValidation, err)
		case conflict.VersionConflict:
		default:
			return resource.Entity{}, o.fail(s, KindUnknown, err)
		}

		if o.metrics != nil {
			o.metrics.conflicts.WithLabelValues(o.name).Inc()
		}
		o.logger.Debug("version conflict", "id", s.TargetID, "version", s.Version, "attempt", s.Attempt)

		fresh, err := o.refresh(ctx, s)
		if err != nil {
			return resource.Entity{}, err
		}
		s.Version = fresh.Version
		current = fresh.Fields
	}
}

// refresh consumes one retry: it waits out the backoff, then fetches the
// latest snapshot. The next update always sends the version fetched here.
func (o *Orchestrator) refresh(ctx context.Context, s *Session) (resource.Entity, error) {
	if s.Attempt >= o.maxRetries {
		return resource.Entity{}, o.fail(s, KindMaxRetriesExceeded, s.LastError)
	}

	s.Attempt++
	s.State = StateRefreshing
	o.notify(s)

	wait := o.policy.Backoff(s.Attempt - 1)
	if o.metrics != nil {
		o.metrics.backoff.WithLabelValues(o.name).Observe(wait.Seconds())
	}
	if err := o.sleep(ctx, wait); err != nil {
		return resource.Entity{}, o.fail(s, KindUnknown, err)
	}
	if o.progress != nil {
		o.progress(s.Attempt, o.maxRetries, progressMessage(s.Attempt, o.maxRetries))
	}
	if err := ctx.Err(); err != nil {
		return resource.Entity{}, o.fail(s, KindUnknown, err)
	}

	s.Fetches++
	if o.metrics != nil {
		o.metrics.fetches.WithLabelValues(o.name).Inc()
	}
	fresh, err := o.res.Fetch(ctx, s.TargetID)
	if err != nil {
		s.LastError = err
		switch o.classify(ctx, err) {
		case conflict.NotFound:
			s.LastOutcome = conflict.NotFound
			return resource.Entity{}, o.fail(s, KindNotFound, err)
		case conflict.ValidationError:
			s.LastOutcome = conflict.ValidationError
			return resource.Entity{}, o.fail(s, KindValidation, err)
		default:
			s.LastOutcome = conflict.Unknown
			return resource.Entity{}, o.fail(s, KindUnknown, err)
		}
	}
	s.Refreshed = &fresh

	if fresh.Version <= s.Version {
		// Rejected version reported back unchanged; retried as fetched.
		if o.metrics != nil {
			o.metrics.staleRefreshes.WithLabelValues(o.name).Inc()
		}
		o.logger.Debug("refresh did not advance version",
			"id", s.TargetID, "version", fresh.Version, "rejected", s.Version)
	}
	return fresh, nil
}

// classify treats any failure after ctx ended as Unknown so cancellation is
// never retried.
func (o *Orchestrator) classify(ctx context.Context, err error) conflict.Outcome {
	if ctx.Err() != nil {
		return conflict.Unknown
	}
	return o.classifier.Classify(err)
}

func (o *Orchestrator) fail(s *Session, kind Kind, err error) error {
	return &UpdateError{
		Kind:     kind,
		TargetID: s.TargetID,
		Attempts: s.Updates,
		Version:  s.Version,
		Err:      err,
	}
}

func (o *Orchestrator) notify(s *Session) {
	if o.observer != nil {
		o.observer(s.snapshot())
	}
}

func progressMessage(attempt, maxRetries int) string {
	return fmt.Sprintf("Record changed by someone else, retrying (%d/%d)", attempt, maxRetries)
}
