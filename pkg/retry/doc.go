// Package retry provides exponential backoff policies and a small retry loop.
//
// # Overview
//
// Policy is the pure part: Delay(attempt) returns
// min(BaseDelay * Multiplier^attempt, MaxDelay) for a 0-based attempt and never
// fails, whatever the configuration. Backoff adds optional random jitter on top
// and is the only non-deterministic function here.
//
// Do and DoWithResult run an operation with retries for infrastructure paths
// (NATS connect, bucket creation). Versioned entity updates do not use Do; the
// updater package drives its own loop because it has to classify every failure
// and refresh the entity between attempts.
//
// # Configuration Presets
//
//   - DefaultPolicy(): 300ms, x1.5, capped at 2s, no jitter (entity updates)
//   - DefaultConfig(): 3 attempts, 100ms-5s, 25% jitter (normal operations)
//   - Quick(): 10 attempts, 50ms-1s, 25% jitter (startup)
//
// # Usage Examples
//
//	p := retry.DefaultPolicy()
//	for attempt := 0; ; attempt++ {
//	    if err := op(); err == nil {
//	        break
//	    }
//	    if err := retry.Sleep(ctx, p.Delay(attempt)); err != nil {
//	        return err
//	    }
//	}
//
//	bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
//	    return js.KeyValue(ctx, bucketName)
//	})
//
// # Context Cancellation
//
// Sleep and Do stop immediately when the context is cancelled, either during the
// operation or during the backoff wait.
//
// # Thread Safety
//
// All functions are safe for concurrent use. The jitter source is guarded by a mutex.
package retry
