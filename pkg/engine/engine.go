// Package engine executes actions: it claims them, serializes them through
// cluster and node locks, runs the bound policies' hooks around the core
// operation and reclaims work left behind by dead workers.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/corral/pkg/driver"
	"github.com/rzbill/corral/pkg/lock"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/store/repos"
	"github.com/rzbill/corral/pkg/types"
	"github.com/rzbill/corral/pkg/version"
	"github.com/rzbill/corral/pkg/worker"
	"github.com/rzbill/corral/pkg/worker/metrics"
	"github.com/rzbill/corral/pkg/worker/pool"
	"github.com/rzbill/corral/pkg/worker/scheduler"
)

// Config holds engine settings.
type Config struct {
	// Workers is the number of actions run concurrently.
	Workers       int
	QueueCapacity int

	// RequeueDelay is how long an action waits after a lock denial.
	RequeueDelay time.Duration

	// ActionTimeout bounds the core operation of actions without their own
	// timeout.
	ActionTimeout time.Duration

	LockStaleAfter  time.Duration
	WorkerHeartbeat time.Duration
	WorkerDeadAfter time.Duration

	// ReclaimSchedule is a cron expression for the reclamation sweep.
	ReclaimSchedule string

	// MaxAttempts bounds how often a reclaimed action is retried.
	MaxAttempts int

	// Retry governs transient driver errors.
	Retry worker.RetryPolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueCapacity:   1000,
		RequeueDelay:    2 * time.Second,
		ActionTimeout:   10 * time.Minute,
		LockStaleAfter:  lock.DefaultStaleAfter,
		WorkerHeartbeat: 10 * time.Second,
		WorkerDeadAfter: 30 * time.Second,
		ReclaimSchedule: "@every 30s",
		MaxAttempts:     3,
		Retry:           worker.DefaultRetryPolicy(),
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = def.RequeueDelay
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = def.ActionTimeout
	}
	if c.LockStaleAfter <= 0 {
		c.LockStaleAfter = def.LockStaleAfter
	}
	if c.WorkerHeartbeat <= 0 {
		c.WorkerHeartbeat = def.WorkerHeartbeat
	}
	if c.WorkerDeadAfter <= 0 {
		c.WorkerDeadAfter = def.WorkerDeadAfter
	}
	if c.ReclaimSchedule == "" {
		c.ReclaimSchedule = def.ReclaimSchedule
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = def.Retry
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics sets the metrics sink shared with the worker pool.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithWorkerID fixes the id this engine registers as.
func WithWorkerID(id string) Option {
	return func(e *Engine) { e.workerID = id }
}

// withSleep overrides how grace periods are waited out.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// Engine runs actions.
type Engine struct {
	config   Config
	store    store.Store
	repos    *repos.Repos
	locks    *lock.Manager
	registry *policy.Registry
	provider driver.Provider
	logger   log.Logger
	metrics  *metrics.Metrics

	pool      *pool.WorkerPool
	scheduler *scheduler.Scheduler

	workerID string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// locked, when set, runs once an action holds its locks and before
	// the targets are reloaded.
	locked func(ctx context.Context, actionID string)

	mu      sync.Mutex
	started bool
}

// New creates an engine over st. Driver calls go through a retrying
// decorator built from config.Retry.
func New(config Config, st store.Store, provider driver.Provider, registry *policy.Registry, logger log.Logger, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if provider == nil {
		return nil, fmt.Errorf("engine requires a driver provider")
	}
	if registry == nil {
		registry = policy.NewRegistry()
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	config.setDefaults()

	e := &Engine{
		config:   config,
		store:    st,
		repos:    repos.New(st),
		registry: registry,
		logger:   logger.WithComponent("engine"),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workerID == "" {
		e.workerID = uuid.New().String()
	}
	if e.metrics == nil {
		e.metrics = metrics.NewMetrics()
	}

	e.provider = driver.WithRetry(provider, driver.NewRetrier(config.Retry, e.logger))
	e.locks = lock.NewManager(st, lock.Config{StaleAfter: config.LockStaleAfter}, logger, lock.WithClock(e.now))

	wp, err := pool.NewWorkerPool(pool.WorkerPoolConfig{
		NumWorkers:    config.Workers,
		QueueCapacity: config.QueueCapacity,
		Metrics:       e.metrics,
		ErrorHandler: func(err error) {
			e.logger.Debug("Worker pool reported an error", log.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	e.pool = wp
	e.scheduler = scheduler.NewScheduler(logger)
	return e, nil
}

// WorkerID returns the id this engine heartbeats as.
func (e *Engine) WorkerID() string { return e.workerID }

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Repos returns the typed repositories the engine works on.
func (e *Engine) Repos() *repos.Repos { return e.repos }

// Locks returns the lock manager.
func (e *Engine) Locks() *lock.Manager { return e.locks }

// Scheduler returns the periodic job scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

func (e *Engine) policyEnv() policy.Env {
	return policy.Env{Repos: e.repos, Provider: e.provider, Logger: e.logger, Now: e.now}
}

// Start registers the worker, starts the pool and periodic jobs and
// re-enqueues every action that was pending when the service last stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	e.logger.Info("Starting engine service",
		append(version.Fields(), log.Worker(e.workerID), log.Int("workers", e.config.Workers))...)

	if err := e.heartbeat(ctx); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	e.pool.Start()

	if err := e.scheduler.ScheduleInterval("worker-heartbeat", e.config.WorkerHeartbeat, e.heartbeat); err != nil {
		return err
	}
	if err := e.scheduler.ScheduleCron("reclaim", e.config.ReclaimSchedule, e.Reclaim); err != nil {
		return err
	}
	e.scheduler.Start()

	if err := e.recoverPending(ctx); err != nil {
		return fmt.Errorf("failed to recover pending actions: %w", err)
	}
	e.started = true
	return nil
}

// Stop stops periodic jobs and waits for in-flight actions to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}

	e.logger.Info("Stopping engine service", append(version.Fields(), log.Worker(e.workerID))...)
	e.scheduler.Stop()
	e.pool.Stop()

	if err := e.repos.Workers.Delete(context.Background(), e.workerID); err != nil && !store.IsNotFoundError(err) {
		e.logger.Warn("Failed to deregister worker", log.Err(err))
	}
	e.started = false
}

func (e *Engine) heartbeat(ctx context.Context) error {
	host, _ := os.Hostname()
	w := &types.WorkerRecord{
		ID:        e.workerID,
		Host:      host,
		Version:   version.Version,
		StartedAt: e.now(),
	}
	return e.repos.Workers.Heartbeat(ctx, w, e.now())
}

func (e *Engine) isLive(ctx context.Context, workerID string) (bool, error) {
	if workerID == e.workerID {
		return true, nil
	}
	return e.repos.Workers.IsLive(ctx, workerID, e.now(), e.config.WorkerDeadAfter)
}

// enqueue hands the action to the worker pool.
func (e *Engine) enqueue(ctx context.Context, a *types.Action, delay time.Duration) error {
	return e.pool.SubmitAfter(ctx, &actionTask{engine: e, id: a.ID, priority: a.Priority}, delay)
}

// GetStatus returns the current record of an action.
func (e *Engine) GetStatus(ctx context.Context, id string) (*types.Action, error) {
	a, err := e.repos.Actions.Get(ctx, id)
	if store.IsNotFoundError(err) {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return a, err
}

// FailedActions returns the actions that ended FAILED in this process and
// are parked in the pool's dead-letter queue.
func (e *Engine) FailedActions(ctx context.Context) ([]*types.Action, error) {
	tasks, err := e.pool.ListDeadLetterTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Action, 0, len(tasks))
	for _, t := range tasks {
		a, err := e.repos.Actions.Get(ctx, t.GetID())
		if store.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Status != types.ActionStatusFailed {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
