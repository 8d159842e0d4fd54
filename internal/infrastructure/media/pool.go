package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/pkg/retry"
	"voxhub/pkg/utils"

	"go.uber.org/zap"
)

// Pool owns a fixed-size set of media workers and hands them out round-robin.
// A worker that dies is replaced in its slot after a fixed backoff; rooms
// bound to the dead worker are never migrated.
type Pool struct {
	engine  ports.MediaEngine
	backoff time.Duration
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	workers []ports.Worker
	next    int

	onWorkerDied func(domain.WorkerID)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates an empty pool; call Init before use.
func NewPool(engine ports.MediaEngine, restartBackoff time.Duration, logger *zap.SugaredLogger) *Pool {
	return &Pool{
		engine:  engine,
		backoff: restartBackoff,
		logger:  logger,
		closed:  make(chan struct{}),
	}
}

// OnWorkerDied registers a callback invoked with the dead worker's ID before
// the replacement is scheduled. Must be set before Init.
func (p *Pool) OnWorkerDied(fn func(domain.WorkerID)) {
	p.onWorkerDied = fn
}

// Init creates count workers sequentially. Any failure tears down the workers
// created so far and fails the whole initialization.
func (p *Pool) Init(ctx context.Context, count int) error {
	if count <= 0 {
		return fmt.Errorf("worker count must be > 0, got %d", count)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.workers = make([]ports.Worker, 0, count)
	for i := 0; i < count; i++ {
		worker, err := p.engine.NewWorker(ctx, domain.WorkerID(utils.GenerateWorkerID(i)))
		if err != nil {
			for _, w := range p.workers {
				w.Close()
			}
			p.workers = nil
			return fmt.Errorf("failed to start worker %d/%d: %w", i+1, count, err)
		}
		p.workers = append(p.workers, worker)
		p.watch(i, worker)
		p.logger.Infow("media worker started", "worker_id", worker.ID(), "slot", i)
	}

	return nil
}

// Next returns the next worker in round-robin order.
func (p *Pool) Next() (ports.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closed:
		return nil, domain.ErrPoolClosed
	default:
	}

	if len(p.workers) == 0 {
		return nil, domain.ErrNoWorkers
	}

	worker := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return worker, nil
}

// Size returns the number of worker slots.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Close shuts down every worker. Replacement goroutines are stopped first.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()

	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
	return nil
}

// watch supervises one worker slot. Must be called with p.mu held.
func (p *Pool) watch(slot int, worker ports.Worker) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case <-p.closed:
			return
		case <-worker.Died():
		}

		p.logger.Errorw("media worker died", "worker_id", worker.ID(), "slot", slot)
		if p.onWorkerDied != nil {
			p.onWorkerDied(worker.ID())
		}

		select {
		case <-p.closed:
			return
		case <-time.After(p.backoff):
		}

		p.replace(slot)
	}()
}

// replace keeps trying to start a substitute worker for the slot until it
// succeeds or the pool closes. The new worker takes over the slot, so future
// Next calls route to it.
func (p *Pool) replace(slot int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	worker, err := retry.DoWithResult(ctx, retry.Fixed(10, p.backoff), func() (ports.Worker, error) {
		return p.engine.NewWorker(ctx, domain.WorkerID(utils.GenerateWorkerID(slot)))
	})
	if err != nil {
		p.logger.Errorw("giving up on worker replacement", "slot", slot, "error", err)
		return
	}

	p.mu.Lock()
	if slot < len(p.workers) {
		p.workers[slot] = worker
		p.watch(slot, worker)
	}
	p.mu.Unlock()

	p.logger.Infow("media worker replaced", "worker_id", worker.ID(), "slot", slot)
}
