package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/corral/pkg/worker"
	"github.com/rzbill/corral/pkg/worker/metrics"
	"github.com/rzbill/corral/pkg/worker/queue"
)

// WorkerPoolConfig holds the configuration for a worker pool
type WorkerPoolConfig struct {
	// Number of workers in the pool
	NumWorkers int

	// Queue configuration
	QueueCapacity int

	// Dead letter queue configuration
	DeadLetterQueueCapacity int

	// PollInterval bounds how long an idle worker sleeps before
	// re-checking the queue for delayed tasks.
	PollInterval time.Duration

	// Error handler for task execution errors
	ErrorHandler func(error)

	// Metrics sink; a fresh instance is used when nil
	Metrics *metrics.Metrics
}

// WorkerPool manages a pool of workers that process tasks
type WorkerPool struct {
	config          WorkerPoolConfig
	queue           *queue.DelayedPriorityQueue
	deadLetterQueue *queue.DeadLetterQueue
	wg              sync.WaitGroup
	ctx             context.Context
	cancel          context.CancelFunc
	metrics         *metrics.Metrics

	// Track task submission times for latency calculation
	taskTimes sync.Map
}

// NewWorkerPool creates a new worker pool with the given configuration
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if config.NumWorkers <= 0 {
		return nil, fmt.Errorf("number of workers must be greater than 0")
	}
	if config.QueueCapacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be greater than 0")
	}

	// Set default dead letter queue capacity if not specified
	if config.DeadLetterQueueCapacity <= 0 {
		config.DeadLetterQueueCapacity = config.QueueCapacity / 10
		if config.DeadLetterQueueCapacity < 10 {
			config.DeadLetterQueueCapacity = 10
		}
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	m := config.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		config:          config,
		queue:           queue.NewDelayedPriorityQueue(config.QueueCapacity),
		deadLetterQueue: queue.NewDeadLetterQueue(config.DeadLetterQueueCapacity),
		ctx:             ctx,
		cancel:          cancel,
		metrics:         m,
	}, nil
}

// Start starts the worker pool
func (p *WorkerPool) Start() {
	p.metrics.UpdateWorkerMetrics(0, int64(p.config.NumWorkers))
	p.wg.Add(p.config.NumWorkers)
	for i := 0; i < p.config.NumWorkers; i++ {
		go p.runWorker(i)
	}
}

// Stop stops the worker pool and waits for in-flight tasks to return.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Submit submits a task to the worker pool
func (p *WorkerPool) Submit(ctx context.Context, task worker.Task) error {
	return p.SubmitAfter(ctx, task, 0)
}

// SubmitAfter submits a task to be executed after a delay
func (p *WorkerPool) SubmitAfter(ctx context.Context, task worker.Task, delay time.Duration) error {
	if task == nil || task.GetID() == "" {
		return fmt.Errorf("invalid task: id is required")
	}

	p.taskTimes.Store(task.GetID(), time.Now().Add(delay))
	if err := p.queue.PushAfter(ctx, task, delay); err != nil {
		p.taskTimes.Delete(task.GetID())
		return fmt.Errorf("failed to submit task: %w", err)
	}
	p.metrics.RecordTaskSubmission()
	return nil
}

// runWorker runs a worker that processes tasks from the queue
func (p *WorkerPool) runWorker(id int) {
	defer p.wg.Done()

	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		task, err := p.queue.Get(p.ctx)
		if err != nil {
			if err != queue.ErrQueueEmpty && err != queue.ErrTaskNotReady && p.config.ErrorHandler != nil {
				p.config.ErrorHandler(err)
			}
			p.wait(timer)
			continue
		}

		p.execute(task)
	}
}

// wait blocks until a task is added, the poll interval passes or the pool
// stops.
func (p *WorkerPool) wait(timer *time.Timer) {
	interval := p.config.PollInterval
	if next, ok := p.queue.NextReady(); ok {
		if d := time.Until(next); d < interval {
			interval = d
		}
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(interval)

	select {
	case <-p.ctx.Done():
	case <-p.queue.Notify():
	case <-timer.C:
	}
}

func (p *WorkerPool) execute(task worker.Task) {
	var latency time.Duration
	if readyAt, ok := p.taskTimes.LoadAndDelete(task.GetID()); ok {
		latency = time.Since(readyAt.(time.Time))
		if latency < 0 {
			latency = 0
		}
	}
	p.metrics.RecordTaskStart(latency)
	active := p.metrics.ActiveWorkers.Add(1)
	p.metrics.UpdateWorkerMetrics(active, int64(p.config.NumWorkers)-active)

	start := time.Now()
	err := p.run(task)
	duration := time.Since(start)

	active = p.metrics.ActiveWorkers.Add(-1)
	p.metrics.UpdateWorkerMetrics(active, int64(p.config.NumWorkers)-active)

	if err == nil {
		p.metrics.RecordTaskCompletion(duration)
		return
	}

	p.metrics.RecordTaskFailure(duration)
	if p.config.ErrorHandler != nil {
		p.config.ErrorHandler(fmt.Errorf("task %s failed: %w", task.GetID(), err))
	}
	// Move permanently failed task to dead letter queue
	if dlqErr := p.deadLetterQueue.Add(p.ctx, task); dlqErr != nil && p.config.ErrorHandler != nil {
		p.config.ErrorHandler(fmt.Errorf("failed to add task %s to dead letter queue: %w", task.GetID(), dlqErr))
	}
}

// run executes the task, converting a panic into an error so one bad task
// cannot take a worker down.
func (p *WorkerPool) run(task worker.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Execute(p.ctx)
}

// Size returns the number of tasks in the queue
func (p *WorkerPool) Size(ctx context.Context) (int, error) {
	return p.queue.Size(ctx)
}

// Remove drops a queued task.
func (p *WorkerPool) Remove(ctx context.Context, taskID string) error {
	if err := p.queue.Remove(ctx, taskID); err != nil {
		return err
	}
	p.taskTimes.Delete(taskID)
	p.metrics.TasksQueued.Add(-1)
	return nil
}

// GetMetrics returns the current metrics
func (p *WorkerPool) GetMetrics() *metrics.Metrics {
	return p.metrics
}

// ListDeadLetterTasks returns all tasks in the dead letter queue
func (p *WorkerPool) ListDeadLetterTasks(ctx context.Context) ([]worker.Task, error) {
	return p.deadLetterQueue.List(ctx)
}

// RetryDeadLetterTask moves a task from dead letter queue back to main queue for retry
func (p *WorkerPool) RetryDeadLetterTask(ctx context.Context, taskID string) error {
	tasks, err := p.deadLetterQueue.List(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.GetID() != taskID {
			continue
		}
		if err := p.deadLetterQueue.Remove(ctx, taskID); err != nil {
			return err
		}
		return p.Submit(ctx, task)
	}
	return fmt.Errorf("task %s not found in dead letter queue", taskID)
}
