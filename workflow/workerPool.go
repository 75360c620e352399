package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/sirupsen/logrus"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Handle is returned by Submit and resolves when the job has run.
type Handle struct {
	done chan struct{}
	err  error
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	fn     func(ctx context.Context) error
	handle *Handle
}

// WorkerPool runs submitted jobs on a fixed number of goroutines. Each job is
// owned by exactly one worker.
type WorkerPool struct {
	queue   chan job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	logger  *logrus.Logger
	metrics *Metrics
}

func NewWorkerPool(workers, queueSize int, logger *logrus.Logger, metrics *Metrics) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		queue:   make(chan job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		if p.metrics != nil {
			p.metrics.QueueDepth.Dec()
		}
		p.run(j)
	}
}

func (p *WorkerPool) run(j job) {
	defer close(j.handle.done)
	defer func() {
		if r := recover(); r != nil {
			j.handle.err = errors.New("worker panic")
			if p.logger != nil {
				p.logger.WithFields(logrus.Fields{"field": "WorkerPool", "panic": r}).Error("job panicked")
			}
		}
	}()
	j.handle.err = j.fn(p.ctx)
	if j.handle.err != nil && p.logger != nil {
		config.LogError(p.logger, "workflow", "WorkerPool.run", "background job failed", nil, j.handle.err)
	}
}

// Submit queues fn without blocking. It fails with ErrQueueFull when every
// worker is busy and the queue is at capacity.
func (p *WorkerPool) Submit(fn func(ctx context.Context) error) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrPoolStopped
	}
	h := &Handle{done: make(chan struct{})}
	if p.metrics != nil {
		p.metrics.QueueDepth.Inc()
	}
	select {
	case p.queue <- job{fn: fn, handle: h}:
		return h, nil
	default:
		if p.metrics != nil {
			p.metrics.QueueDepth.Dec()
		}
		return nil, ErrQueueFull
	}
}

// Stop refuses new jobs and waits for queued ones to finish. When ctx ends
// first, running jobs are cancelled.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
