package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xraph/bed"
	"github.com/xraph/bed/handler"
	"github.com/xraph/bed/task"
)

type job struct {
	task    *task.Task
	handler handler.Handler
	cmd     bed.Command
}

// pool is a fixed set of worker goroutines fed from a bounded queue.
// Each resource gets its own pool so a slow resource cannot starve
// another.
type pool struct {
	resource string
	cfg      bed.PoolConfig
	queue    chan job
	run      func(context.Context, job)

	busy   atomic.Int64
	queued atomic.Int64

	// sendMu is held for reading by every submit from its stop check
	// until its job is in the queue. stop takes it for writing after
	// closing stopCh, so no job lands in the queue after the final drain.
	sendMu   sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPool(ctx context.Context, resource string, cfg bed.PoolConfig, run func(context.Context, job)) *pool {
	p := &pool{
		resource: resource,
		cfg:      cfg,
		queue:    make(chan job, cfg.QueueSize),
		run:      run,
		stopCh:   make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go p.worker(ctx)
	}
	return p
}

func (p *pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		// Prefer stopping over picking up more queued work.
		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case <-p.stopCh:
			return
		case j := <-p.queue:
			p.queued.Add(-1)
			p.busy.Add(1)
			p.run(ctx, j)
			p.busy.Add(-1)
		}
	}
}

// submit queues j, honouring the pool's overflow policy.
func (p *pool) submit(ctx context.Context, j job) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return bed.ErrStopped
	default:
	}

	p.queued.Add(1)
	if p.cfg.Overflow == bed.OverflowReject {
		select {
		case p.queue <- j:
			return nil
		default:
			p.queued.Add(-1)
			return fmt.Errorf("%w: resource %q", bed.ErrPoolFull, p.resource)
		}
	}

	select {
	case p.queue <- j:
		return nil
	case <-p.stopCh:
		p.queued.Add(-1)
		return bed.ErrStopped
	case <-ctx.Done():
		p.queued.Add(-1)
		return ctx.Err()
	}
}

func (p *pool) available() int {
	free := p.cfg.Workers + p.cfg.QueueSize - int(p.busy.Load()) - int(p.queued.Load())
	return max(free, 0)
}

func (p *pool) inFlight() int {
	return int(p.busy.Load() + p.queued.Load())
}

func (p *pool) stats() PoolStats {
	return PoolStats{
		Workers:   p.cfg.Workers,
		QueueSize: p.cfg.QueueSize,
		Queued:    int(p.queued.Load()),
		Busy:      int(p.busy.Load()),
	}
}

// stop signals the workers, waits for running jobs and returns the
// queued jobs that never started.
func (p *pool) stop() []job {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.sendMu.Lock()
	p.sendMu.Unlock() //nolint:staticcheck // barrier: waits out submits already past the stop check
	p.wg.Wait()
	var dropped []job
	for {
		select {
		case j := <-p.queue:
			p.queued.Add(-1)
			dropped = append(dropped, j)
		default:
			return dropped
		}
	}
}
