package monitor

import (
	"context"
	"sync"

	"github.com/mbd888/chainwatch/internal/syncutil"
)

// job is one unit of per-address work. Units with the same key are
// serialized through a sharded mutex so an address's stream is always
// processed in order; units with different keys run concurrently.
type job struct {
	key string
	fn  func(context.Context)
}

// Pool is a bounded worker pool for address-keyed work. Cancellation is
// checked between units, never mid-unit; a worker waiting on a shard
// lock also gives up when the context is cancelled.
type Pool struct {
	workers int
	jobs    chan job
	locks   *syncutil.ContextShardedMutex
	wg      sync.WaitGroup
}

// NewPool creates a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan job, workers*4),
		locks:   syncutil.NewContextShardedMutex(),
	}
}

// Start launches the workers. They exit when ctx is cancelled or the
// pool is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			unlock, err := p.locks.LockContext(ctx, j.key)
			if err != nil {
				return
			}
			j.fn(ctx)
			unlock()
		}
	}
}

// Submit queues a unit of work keyed by address. Blocks when the queue
// is full; returns ctx.Err() if cancelled while waiting.
func (p *Pool) Submit(ctx context.Context, key string, fn func(context.Context)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job{key: key, fn: fn}:
		return nil
	}
}

// Close stops accepting work and waits for queued units to drain.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
