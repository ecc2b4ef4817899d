package updater

import (
	"context"
	"sync"
	"time"

	"github.com/c360/concur/metric"
	"github.com/c360/concur/pkg/worker"
	"github.com/c360/concur/resource"
)

// Result is the outcome of one intent in a batch.
type Result struct {
	Intent  Intent
	Entity  resource.Entity
	Session Session
	Err     error
}

type batchJob struct {
	ctx    context.Context
	intent Intent
	out    *Result
	done   *sync.WaitGroup
}

// Batcher runs independent update sessions concurrently on a worker pool.
// Sessions share nothing but the Orchestrator, so intents targeting the same
// id simply race at the server.
type Batcher struct {
	orch *Orchestrator
	pool *worker.Pool[batchJob]
}

// NewBatcher creates a Batcher with the given concurrency. A nil registry
// disables pool metrics.
func NewBatcher(orch *Orchestrator, concurrency int, registry *metric.MetricsRegistry) *Batcher {
	b := &Batcher{orch: orch}
	opts := []worker.Option[batchJob]{worker.WithLogger[batchJob](orch.logger)}
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[batchJob](registry, "updater_"+orch.name))
	}
	b.pool = worker.NewPool(concurrency, concurrency*4, b.process, opts...)
	return b
}

// Start launches the pool workers. ctx must outlive every Run call.
func (b *Batcher) Start(ctx context.Context) error {
	return b.pool.Start(ctx)
}

// Stop waits up to timeout for in-flight sessions.
func (b *Batcher) Stop(timeout time.Duration) error {
	return b.pool.Stop(timeout)
}

// Run applies every intent and returns results in input order. It returns an
// error only when intents could not be queued; per-intent failures are in
// Result.Err.
func (b *Batcher) Run(ctx context.Context, intents []Intent) ([]Result, error) {
	results := make([]Result, len(intents))
	var wg sync.WaitGroup

	for i := range intents {
		results[i].Intent = intents[i]
		wg.Add(1)
		job := batchJob{ctx: ctx, intent: intents[i], out: &results[i], done: &wg}
		if err := b.pool.SubmitWait(ctx, job); err != nil {
			wg.Done()
			wg.Wait()
			return results, err
		}
	}

	wg.Wait()
	return results, nil
}

func (b *Batcher) process(_ context.Context, job batchJob) error {
	defer job.done.Done()
	entity, session, err := b.orch.RunSession(job.ctx, job.intent)
	job.out.Entity = entity
	job.out.Session = session
	job.out.Err = err
	return err
}
