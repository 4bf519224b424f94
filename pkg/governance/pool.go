package governance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Pool errors.
var (
	ErrPoolClosed     = errors.New("run pool is closed")
	ErrPoolQueueFull  = errors.New("run queue is full")
	ErrPoolNotStarted = errors.New("run pool not started")
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	// Workers is the number of runs executed concurrently. Default: 4
	Workers int

	// QueueSize is the number of runs waiting for a worker. Default: 64
	QueueSize int
}

// Outcome is the result of a pooled run.
type Outcome struct {
	Result *RunResult
	Err    error
}

type queuedRun struct {
	ctx    context.Context
	req    RunRequest
	result chan Outcome
}

// Pool executes runs on a fixed number of workers. Every run has its own
// kernel; workers share nothing but the Runner.
type Pool struct {
	runner *Runner
	config PoolConfig
	logger *slog.Logger

	mu        sync.RWMutex
	started   bool
	closed    bool
	queue     chan *queuedRun
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a pool around runner. Call Start before Submit.
func NewPool(runner *Runner, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		runner: runner,
		config: cfg,
		logger: logger.With("component", "governance.pool"),
		queue:  make(chan *queuedRun, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx stops the pool as Close does,
// without waiting.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	go func() {
		select {
		case <-ctx.Done():
			p.shutdown()
		case <-p.done:
		}
	}()
	p.logger.Info("run pool started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)
}

// Submit queues a run without blocking. The returned channel receives
// exactly one Outcome. ctx is the context the run executes under.
func (p *Pool) Submit(ctx context.Context, req RunRequest) (<-chan Outcome, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.closed:
		return nil, ErrPoolClosed
	case !p.started:
		return nil, ErrPoolNotStarted
	}

	qr := &queuedRun{ctx: ctx, req: req, result: make(chan Outcome, 1)}
	select {
	case p.queue <- qr:
		return qr.result, nil
	default:
		return nil, ErrPoolQueueFull
	}
}

// Run submits a run and waits for its outcome.
func (p *Pool) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ch, err := p.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-ch:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting runs, waits for queued runs to finish and for the
// workers to exit. It is safe to call more than once.
func (p *Pool) Close() {
	p.shutdown()
	p.wg.Wait()
}

func (p *Pool) shutdown() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		p.mu.Unlock()
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case qr := <-p.queue:
			p.execute(qr)
		case <-p.done:
			// Queued runs are still answered; their own contexts decide
			// whether they proceed.
			p.drain()
			p.logger.Debug("worker stopped", "worker", id)
			return
		}
	}
}

// drain executes runs queued before Close.
func (p *Pool) drain() {
	for {
		select {
		case qr := <-p.queue:
			p.execute(qr)
		default:
			return
		}
	}
}

func (p *Pool) execute(qr *queuedRun) {
	if err := qr.ctx.Err(); err != nil {
		qr.result <- Outcome{Err: err}
		return
	}
	res, err := p.runner.Run(qr.ctx, qr.req)
	qr.result <- Outcome{Result: res, Err: err}
}
