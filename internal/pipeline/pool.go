package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/observability"
)

const (
	workerBackoffBase = 100 * time.Millisecond
	workerBackoffCap  = 3 * time.Second
	workerMaxRestarts = 10
)

// Task is one unit of stage work. Callback runs exactly once, with the
// Execute error or the panic converted to one.
type Task struct {
	ID       string
	Execute  func(ctx context.Context) error
	Callback func(id string, err error)
}

// Pool is a resizable worker pool for one pipeline stage. Workers that
// panic are restarted with exponential backoff; a worker that exhausts its
// restart budget is quarantined and not replaced.
type Pool struct {
	stage   string
	min     int
	max     int
	tasks   chan Task
	bus     *observability.Bus
	metrics *observability.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	workers     int
	running     bool
	shrink      chan struct{}
	quarantined int

	busy      atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool sizes the stage between min and max workers; Start launches min.
func NewPool(stage string, min, max, queueSize int, bus *observability.Bus, metrics *observability.Metrics, logger *zap.Logger) *Pool {
	if min <= 0 {
		min = 1
	}
	if max < min {
		max = min
	}
	if queueSize <= 0 {
		queueSize = max * 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		stage:   stage,
		min:     min,
		max:     max,
		tasks:   make(chan Task, queueSize),
		bus:     bus,
		metrics: metrics,
		logger:  logger.With(zap.String("stage", stage)),
		ctx:     ctx,
		cancel:  cancel,
		shrink:  make(chan struct{}, max),
	}
}

// Start launches the minimum worker count. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	for i := 0; i < p.min; i++ {
		p.spawnLocked()
	}
}

// Stop drains nothing: queued tasks that have not started are dropped once
// the context is cancelled. Wait for in-flight work with Wait.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Submit queues a task for the stage. It fails fast when the pool is
// stopped or the stage queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return errors.Unavailable(errors.CodePipelineStopped, "stage pool is not running").
			WithComponent("pipeline").WithResource(p.stage).Build()
	}

	select {
	case <-p.ctx.Done():
		return errors.Unavailable(errors.CodePipelineStopped, "stage pool is shutting down").
			WithComponent("pipeline").WithResource(p.stage).Build()
	case p.tasks <- task:
		return nil
	default:
		return errors.Overflow(errors.CodeQueueOverflow, "stage queue is full").
			WithComponent("pipeline").WithResource(p.stage).
			WithDetails("capacity=%d", cap(p.tasks)).Build()
	}
}

// Grow adds one worker, bounded by max.
func (p *Pool) Grow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.workers >= p.max {
		return false
	}
	p.spawnLocked()
	return true
}

// Shrink retires one worker, bounded by min.
func (p *Pool) Shrink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.workers <= p.min {
		return false
	}
	select {
	case p.shrink <- struct{}{}:
		p.workers--
		p.gaugeLocked()
		return true
	default:
		return false
	}
}

func (p *Pool) spawnLocked() {
	p.workers++
	p.gaugeLocked()
	p.wg.Add(1)
	go p.workerLoop()
}

// workerLoop owns one worker slot. A panicking task crashes the worker;
// the slot restarts with exponential backoff until the restart budget is
// spent, at which point the slot is quarantined.
func (p *Pool) workerLoop() {
	defer p.wg.Done()

	restarts := 0
	for {
		crashed := p.runWorker()
		if !crashed {
			return
		}

		restarts++
		if restarts > workerMaxRestarts {
			p.mu.Lock()
			p.workers--
			p.quarantined++
			p.gaugeLocked()
			p.mu.Unlock()
			p.logger.Error("worker quarantined after repeated crashes",
				zap.Int("restarts", restarts-1))
			if p.bus != nil {
				p.bus.Emit("pipeline", "error", observability.EventWorkerError, map[string]any{
					"stage":       p.stage,
					"quarantined": true,
					"restarts":    restarts - 1,
				})
			}
			return
		}

		backoff := workerBackoffBase << (restarts - 1)
		if backoff > workerBackoffCap {
			backoff = workerBackoffCap
		}
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// runWorker processes tasks until shutdown or a panic. Returns true when
// the worker crashed and should be restarted.
func (p *Pool) runWorker() (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			p.failed.Add(1)
			p.logger.Error("worker panic", zap.Any("panic", r))
			if p.bus != nil {
				p.bus.Emit("pipeline", "error", observability.EventWorkerError, map[string]any{
					"stage": p.stage,
					"panic": r,
				})
			}
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return false
		case <-p.shrink:
			return false
		case task, ok := <-p.tasks:
			if !ok {
				return false
			}
			p.runTask(task)
		}
	}
}

func (p *Pool) runTask(task Task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Internal(errors.CodeWorkerPanic, "task panicked").
					WithComponent("pipeline").WithResource(p.stage).
					WithDetails("task=%s panic=%v", task.ID, r).Build()
				// Re-panic after the callback so the worker slot restarts
				// through the backoff path.
				if task.Callback != nil {
					task.Callback(task.ID, err)
					task.Callback = nil
				}
				p.processed.Add(1)
				panic(r)
			}
		}()
		err = task.Execute(p.ctx)
	}()

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}
	if task.Callback != nil {
		task.Callback(task.ID, err)
	}
}

// Utilization reports the fraction of workers currently busy.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	if workers == 0 {
		return 0
	}
	return float64(p.busy.Load()) / float64(workers)
}

// QueueDepth reports tasks waiting for a worker.
func (p *Pool) QueueDepth() int { return len(p.tasks) }

// Workers reports the live worker count.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Stats is a point-in-time snapshot of the stage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	workers := p.workers
	quarantined := p.quarantined
	p.mu.Unlock()
	return PoolStats{
		Stage:       p.stage,
		Workers:     workers,
		Quarantined: quarantined,
		QueueDepth:  len(p.tasks),
		Busy:        int(p.busy.Load()),
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
	}
}

// PoolStats summarizes one stage pool.
type PoolStats struct {
	Stage       string `json:"stage"`
	Workers     int    `json:"workers"`
	Quarantined int    `json:"quarantined"`
	QueueDepth  int    `json:"queueDepth"`
	Busy        int    `json:"busy"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
}

func (p *Pool) gaugeLocked() {
	if p.metrics != nil {
		p.metrics.WorkerPoolSize.WithLabelValues(p.stage).Set(float64(p.workers))
	}
}
