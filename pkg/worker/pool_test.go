package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/concur/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func testProcessor(counter *int64) func(context.Context, testWork) error {
	return func(ctx context.Context, w testWork) error {
		if w.delay > 0 {
			select {
			case <-time.After(w.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		atomic.AddInt64(counter, 1)
		if w.fail {
			return errors.New("work failed")
		}
		return nil
	}
}

func TestNewPool_Defaults(t *testing.T) {
	var n int64
	pool := NewPool(5, 100, testProcessor(&n))
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, 0, testProcessor(&n))
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](5, 100, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	var n int64
	pool := NewPool(2, 10, testProcessor(&n))

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}

	// Stop drains queued work.
	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(5), atomic.LoadInt64(&n))

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitWait(ctx, testWork{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ testWork) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))

	assert.ErrorIs(t, pool.Submit(testWork{id: 3}), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitWait(ctx, testWork{id: 4}), context.DeadlineExceeded)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_SubmitWaitBlocksUntilRoom(t *testing.T) {
	var n int64
	pool := NewPool(1, 1, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.SubmitWait(ctx, testWork{id: i, delay: time.Millisecond}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(20), stats.Submitted)
	assert.Equal(t, int64(20), stats.Processed)
	assert.Zero(t, stats.Dropped)
}

func TestPool_ProcessingErrors(t *testing.T) {
	var n int64
	pool := NewPool(2, 10, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(6), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
}

func TestPool_ContextCancellation(t *testing.T) {
	var n int64
	pool := NewPool(2, 10, testProcessor(&n))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(testWork{delay: time.Hour}))
	require.NoError(t, pool.Submit(testWork{delay: time.Hour}))

	cancel()
	assert.NoError(t, pool.Stop(time.Second))
	assert.Zero(t, atomic.LoadInt64(&n))
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var n int64
	pool := NewPool(4, 500, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, pool.SubmitWait(context.Background(), testWork{id: g*100 + i}))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(200), atomic.LoadInt64(&n))
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	var n int64
	pool := NewPool(1, 10, testProcessor(&n), WithMetricsRegistry[testWork](registry, "test"))
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Submit(testWork{id: 2, fail: true}))
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.items.WithLabelValues("submitted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.items.WithLabelValues("processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.items.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pool.metrics.inFlight))
}
