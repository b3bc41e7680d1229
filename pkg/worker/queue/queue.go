package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/corral/pkg/worker"
)

// Error definitions
var (
	ErrQueueEmpty   = errors.New("queue is empty")
	ErrQueueFull    = errors.New("queue is full")
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskNotReady = errors.New("task not ready")
)

// Queue defines the interface for task queues
type Queue interface {
	// Add adds a task to the queue
	Add(ctx context.Context, task worker.Task) error

	// Get retrieves the next task from the queue
	Get(ctx context.Context) (worker.Task, error)

	// Remove removes a task from the queue
	Remove(ctx context.Context, taskID string) error

	// Size returns the number of tasks in the queue
	Size(ctx context.Context) (int, error)

	// Clear removes all tasks from the queue
	Clear(ctx context.Context) error
}

// priorityHeap orders tasks by descending priority, then by insertion.
type priorityHeap struct {
	items []queued
	seq   uint64
}

type queued struct {
	task    worker.Task
	readyAt time.Time
	seq     uint64
}

func (h *priorityHeap) Len() int { return len(h.items) }

func (h *priorityHeap) Less(i, j int) bool {
	pi, pj := h.items[i].task.GetPriority(), h.items[j].task.GetPriority()
	if pi != pj {
		return pi > pj
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *priorityHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *priorityHeap) Push(x interface{}) { h.items = append(h.items, x.(queued)) }

func (h *priorityHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// delayHeap orders tasks by the time they become ready.
type delayHeap struct {
	items []queued
}

func (h *delayHeap) Len() int { return len(h.items) }

func (h *delayHeap) Less(i, j int) bool {
	if h.items[i].readyAt.Equal(h.items[j].readyAt) {
		return h.items[i].seq < h.items[j].seq
	}
	return h.items[i].readyAt.Before(h.items[j].readyAt)
}

func (h *delayHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *delayHeap) Push(x interface{}) { h.items = append(h.items, x.(queued)) }

func (h *delayHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// DelayedPriorityQueue holds ready tasks in priority order and delayed tasks
// until their time comes. Delayed tasks join the ready set on Get.
type DelayedPriorityQueue struct {
	mu       sync.Mutex
	ready    *priorityHeap
	delayed  *delayHeap
	capacity int
	now      func() time.Time
	notify   chan struct{}
}

// NewDelayedPriorityQueue creates a queue bounded by capacity (0 = unbounded).
func NewDelayedPriorityQueue(capacity int) *DelayedPriorityQueue {
	return &DelayedPriorityQueue{
		ready:    &priorityHeap{},
		delayed:  &delayHeap{},
		capacity: capacity,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
	}
}

// Add queues a task to run as soon as a worker is free.
func (q *DelayedPriorityQueue) Add(ctx context.Context, task worker.Task) error {
	return q.PushAfter(ctx, task, 0)
}

// PushAfter queues a task that becomes ready after delay.
func (q *DelayedPriorityQueue) PushAfter(ctx context.Context, task worker.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && q.ready.Len()+q.delayed.Len() >= q.capacity {
		return ErrQueueFull
	}

	q.ready.seq++
	item := queued{task: task, readyAt: q.now().Add(delay), seq: q.ready.seq}
	if delay <= 0 {
		heap.Push(q.ready, item)
	} else {
		heap.Push(q.delayed, item)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Get pops the highest-priority ready task. It returns ErrTaskNotReady when
// only delayed tasks remain and ErrQueueEmpty when nothing is queued.
func (q *DelayedPriorityQueue) Get(ctx context.Context) (worker.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed.items[0].readyAt.After(now) {
		heap.Push(q.ready, heap.Pop(q.delayed))
	}

	if q.ready.Len() > 0 {
		return heap.Pop(q.ready).(queued).task, nil
	}
	if q.delayed.Len() > 0 {
		return nil, ErrTaskNotReady
	}
	return nil, ErrQueueEmpty
}

// NextReady returns when the earliest delayed task becomes ready.
func (q *DelayedPriorityQueue) NextReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() > 0 {
		return q.now(), true
	}
	if q.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return q.delayed.items[0].readyAt, true
}

// Notify is signalled whenever a task is added.
func (q *DelayedPriorityQueue) Notify() <-chan struct{} {
	return q.notify
}

// Remove drops a queued task by id.
func (q *DelayedPriorityQueue) Remove(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.ready.items {
		if item.task.GetID() == taskID {
			heap.Remove(q.ready, i)
			return nil
		}
	}
	for i, item := range q.delayed.items {
		if item.task.GetID() == taskID {
			heap.Remove(q.delayed, i)
			return nil
		}
	}
	return ErrTaskNotFound
}

// Size returns ready plus delayed tasks.
func (q *DelayedPriorityQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len(), nil
}

// Clear drops every queued task.
func (q *DelayedPriorityQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready.items = nil
	q.delayed.items = nil
	return nil
}

// DeadLetterQueue implements a queue for permanently failed tasks
type DeadLetterQueue struct {
	tasks    []worker.Task
	mu       sync.RWMutex
	capacity int
}

// NewDeadLetterQueue creates a new dead letter queue
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	return &DeadLetterQueue{
		tasks:    make([]worker.Task, 0),
		capacity: capacity,
	}
}

// Add records a failed task. When full, the oldest entry is evicted.
func (q *DeadLetterQueue) Add(ctx context.Context, task worker.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity <= 0 {
		return ErrQueueFull
	}
	if len(q.tasks) >= q.capacity {
		q.tasks = q.tasks[1:]
	}
	q.tasks = append(q.tasks, task)
	return nil
}

// Get pops the oldest failed task.
func (q *DeadLetterQueue) Get(ctx context.Context) (worker.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, ErrQueueEmpty
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, nil
}

func (q *DeadLetterQueue) Remove(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, task := range q.tasks {
		if task.GetID() == taskID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return nil
		}
	}
	return ErrTaskNotFound
}

func (q *DeadLetterQueue) Size(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks), nil
}

func (q *DeadLetterQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = q.tasks[:0]
	return nil
}

// List returns a copy of the failed tasks, oldest first.
func (q *DeadLetterQueue) List(ctx context.Context) ([]worker.Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]worker.Task, len(q.tasks))
	copy(out, q.tasks)
	return out, nil
}
