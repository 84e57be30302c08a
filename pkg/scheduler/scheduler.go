/*
Package scheduler runs memory additions in the background. A submitted add
becomes a Task that moves from pending to running to exactly one terminal
state, and whose status only its owner can read.
*/
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/metrics"
	"github.com/theapemachine/memcube/pkg/orchestrator"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type Task struct {
	ID          string     `json:"task_id"`
	UserID      string     `json:"user_id"`
	CubeID      string     `json:"mem_cube_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	MemoryID    string     `json:"memory_id,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Adder is the part of the orchestrator the scheduler drives.
type Adder interface {
	PrepareAdd(req orchestrator.AddRequest) (memory.Node, error)
	Add(ctx context.Context, req orchestrator.AddRequest) (orchestrator.AddResult, error)
}

type Options struct {
	Workers         int
	QueueSize       int
	Retention       time.Duration
	CleanupInterval time.Duration
	Metrics         *metrics.OperationMetrics
}

const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 256
	DefaultRetention       = 24 * time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

func (options Options) withDefaults() Options {
	if options.Workers <= 0 {
		options.Workers = DefaultWorkers
	}

	if options.QueueSize <= 0 {
		options.QueueSize = DefaultQueueSize
	}

	if options.Retention <= 0 {
		options.Retention = DefaultRetention
	}

	if options.CleanupInterval <= 0 {
		options.CleanupInterval = DefaultCleanupInterval
	}

	return options
}

type job struct {
	taskID string
	req    orchestrator.AddRequest
}

/*
Scheduler owns a FIFO queue drained by a fixed pool of workers. Task state
lives in memory only and is lost on restart.
*/
type Scheduler struct {
	adder   Adder
	options Options

	mu      sync.RWMutex
	tasks   map[string]*Task
	queue   chan job
	closed  bool
	started bool
	stop    chan struct{}
	workers sync.WaitGroup
	now     func() time.Time
}

func New(adder Adder, options Options) *Scheduler {
	options = options.withDefaults()

	return &Scheduler{
		adder:   adder,
		options: options,
		tasks:   make(map[string]*Task),
		queue:   make(chan job, options.QueueSize),
		stop:    make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

/*
Start launches the workers and the retention loop. Work already accepted is
finished even after ctx is cancelled; use Close to drain and stop.
*/
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}

	s.started = true
	base := context.WithoutCancel(ctx)

	for range s.options.Workers {
		s.workers.Add(1)
		go s.work(base)
	}

	go s.cleanupLoop(ctx)

	log.Info("scheduler started", "workers", s.options.Workers, "queue_size", s.options.QueueSize)
}

/*
Submit validates the request and queues it. An invalid request creates no
task. A full or closed queue is reported as unavailable.
*/
func (s *Scheduler) Submit(ctx context.Context, req orchestrator.AddRequest) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, memerr.ErrUnavailable.WithMessagef("submit cancelled").Wrap(err)
	}

	node, err := s.adder.PrepareAdd(req)
	if err != nil {
		return Task{}, err
	}

	task := &Task{
		ID:        uuid.NewString(),
		UserID:    node.UserID,
		CubeID:    node.CubeID,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Task{}, memerr.ErrUnavailable.WithMessagef("scheduler is shut down")
	}

	select {
	case s.queue <- job{taskID: task.ID, req: req}:
	default:
		return Task{}, memerr.ErrUnavailable.WithMessagef("task queue is full")
	}

	s.tasks[task.ID] = task
	s.options.Metrics.RecordQueueDepth(len(s.queue))

	return *task, nil
}

/*
Status returns a task of userID. A task owned by someone else is reported
exactly like a missing one.
*/
func (s *Scheduler) Status(_ context.Context, taskID, userID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok || task.UserID != strings.TrimSpace(userID) {
		return Task{}, memerr.ErrNotFound.WithMessagef("task %s not found", taskID)
	}

	return *task, nil
}

/*
Close stops accepting work, lets the workers drain the queue and waits for
them until ctx expires.
*/
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	close(s.queue)
	close(s.stop)

	if !s.started {
		s.started = true
		s.workers.Add(1)
		go s.work(context.WithoutCancel(ctx))
	}

	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("scheduler drained")
		return nil
	case <-ctx.Done():
		return memerr.ErrUnavailable.WithMessagef("scheduler did not drain in time").Wrap(ctx.Err())
	}
}

/*
Prune drops terminal tasks that completed longer ago than the retention
window and returns how many were removed.
*/
func (s *Scheduler) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.options.Retention)
	removed := 0

	for id, task := range s.tasks {
		if task.Status.Terminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}

	return removed
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.options.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if removed := s.Prune(); removed > 0 {
				log.Debug("pruned finished tasks", "count", removed)
			}
		}
	}
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.workers.Done()

	for next := range s.queue {
		s.run(ctx, next)
	}
}

func (s *Scheduler) run(ctx context.Context, next job) {
	s.transition(next.taskID, func(task *Task) {
		started := s.now()
		task.Status = StatusRunning
		task.StartedAt = &started
	})

	s.options.Metrics.RecordQueueDepth(len(s.queue))

	result, err := s.execute(ctx, next.req)

	s.transition(next.taskID, func(task *Task) {
		completed := s.now()
		task.CompletedAt = &completed

		if err != nil {
			task.Status = StatusFailed
			task.Error = err.Error()
			return
		}

		task.Status = StatusSucceeded
		task.MemoryID = result.ID
	})

	if err != nil {
		log.Warn("async add failed", "task_id", next.taskID, "error", err)
	}
}

// execute runs one add and turns a panic into a task failure.
func (s *Scheduler) execute(ctx context.Context, req orchestrator.AddRequest) (result orchestrator.AddResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("async add panicked", "panic", r, "stack", string(debug.Stack()))
			err = memerr.ErrInternal.WithMessagef("task panicked: %v", r)
		}
	}()

	return s.adder.Add(ctx, req)
}

// transition applies fn to a non-terminal task and records its new status.
func (s *Scheduler) transition(taskID string, fn func(*Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status.Terminal() {
		log.Error("invalid task transition", "task_id", taskID, "error", fmt.Sprintf("task missing or finished: %t", ok))
		return
	}

	fn(task)

	if task.Status.Terminal() {
		s.options.Metrics.RecordTask(string(task.Status))
	}
}
