// Package worker holds the task abstraction shared by the queue, pool and
// scheduler packages.
package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work run by the pool.
type Task interface {
	GetID() string

	// GetPriority orders the queue: higher runs first.
	GetPriority() int

	Execute(ctx context.Context) error
}

// RetryPolicy defines how a failed operation is retried
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the delay before the given retry (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Attempts returns MaxAttempts, never less than one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// FuncTask adapts a function to the Task interface.
type FuncTask struct {
	ID       string
	Priority int
	Fn       func(ctx context.Context) error
}

// NewTask creates a FuncTask with a generated id.
func NewTask(priority int, fn func(ctx context.Context) error) *FuncTask {
	return &FuncTask{
		ID:       uuid.New().String(),
		Priority: priority,
		Fn:       fn,
	}
}

func (t *FuncTask) GetID() string    { return t.ID }
func (t *FuncTask) GetPriority() int { return t.Priority }

// Execute runs the wrapped function.
func (t *FuncTask) Execute(ctx context.Context) error {
	if t.Fn == nil {
		return fmt.Errorf("task %s has no function", t.ID)
	}
	return t.Fn(ctx)
}
