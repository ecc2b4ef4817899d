// Package worker provides a generic bounded worker pool.
//
// A Pool runs a fixed number of goroutines that take work items of type T from
// a bounded queue. Submit never blocks and fails with ErrQueueFull when the
// queue is at capacity; SubmitWait blocks until there is room or the context
// ends. Stop closes the queue and waits for queued work to drain.
//
// Statistics are always tracked with atomics. Prometheus metrics are
// registered only when WithMetricsRegistry is given:
//
//	pool := worker.NewPool(4, 64, process,
//	    worker.WithMetricsRegistry[job](registry, "batch_update"))
//	_ = pool.Start(ctx)
//	for _, j := range jobs {
//	    _ = pool.SubmitWait(ctx, j)
//	}
//	_ = pool.Stop(time.Minute)
package worker
