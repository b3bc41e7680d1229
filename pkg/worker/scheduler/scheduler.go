package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rzbill/corral/pkg/log"
)

// JobFunc is a periodic job.
type JobFunc func(ctx context.Context) error

// ScheduledJob describes a registered job
type ScheduledJob struct {
	Name     string
	Schedule string
	EntryID  cron.EntryID
	LastRun  time.Time
	LastErr  error
	Runs     int
}

// Scheduler runs named periodic jobs on a cron. A job that is still running
// when its next tick arrives is skipped rather than stacked.
type Scheduler struct {
	cron   *cron.Cron
	logger log.Logger
	jobs   map[string]*ScheduledJob
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Expressions take an optional leading
// seconds field and the usual descriptors such as "@every 30s".
func NewScheduler(logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	logger = logger.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	adapter := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)

	return &Scheduler{
		cron:   c,
		logger: logger,
		jobs:   make(map[string]*ScheduledJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the cron loop
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// ScheduleCron registers fn under name with a cron expression
func (s *Scheduler) ScheduleCron(name, expr string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}

	job := &ScheduledJob{Name: name, Schedule: expr}
	id, err := s.cron.AddFunc(expr, func() { s.runJob(job, fn) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	job.EntryID = id
	s.jobs[name] = job
	return nil
}

// ScheduleInterval registers fn to run every interval
func (s *Scheduler) ScheduleInterval(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("interval for job %s must be positive", name)
	}
	return s.ScheduleCron(name, "@every "+interval.String(), fn)
}

// Unschedule removes a job
func (s *Scheduler) Unschedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(job.EntryID)
	delete(s.jobs, name)
	return nil
}

// List returns a snapshot of registered jobs, sorted by name
func (s *Scheduler) List() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) runJob(job *ScheduledJob, fn JobFunc) {
	if s.ctx.Err() != nil {
		return
	}
	err := fn(s.ctx)

	s.mu.Lock()
	job.LastRun = time.Now()
	job.LastErr = err
	job.Runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Scheduled job failed", log.Str("job", job.Name), log.Err(err))
	}
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(kvFields(keysAndValues), log.Err(err))...)
}

func kvFields(kv []interface{}) []log.Field {
	fields := make([]log.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, log.Any(key, kv[i+1]))
	}
	return fields
}
