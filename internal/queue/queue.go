// Package queue implements the per-session FIFO command queue that
// gives every session-scoped CDP operation a strict execution order
// despite arbitrary caller concurrency (spec.md §4.3).
package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shaun0927/browserparallel/internal/coreerr"
	"github.com/shaun0927/browserparallel/internal/corelog"
)

// Task is a unit of work submitted to a session's queue. It receives
// the context the queue was drained under and returns its own error,
// which Submit propagates back to the caller.
type Task func(ctx context.Context) error

type job struct {
	task Task
	done chan error
}

// Queue serializes Tasks for a single session onto one consumer
// goroutine, so two concurrent callers touching the same tab never
// race on the underlying CDP sub-session.
type Queue struct {
	sessionID string
	log       *logrus.Entry

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	pending    int
	processing bool
}

// New starts a queue's consumer goroutine bound to parent's lifetime.
func New(parent context.Context, sessionID string) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		sessionID: sessionID,
		log:       corelog.For("queue").WithField("session_id", sessionID),
		jobs:      make(chan job, 256),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			q.drain(coreerr.ErrQueueCleared)
			return
		case j := <-q.jobs:
			q.mu.Lock()
			q.processing = true
			q.mu.Unlock()

			err := j.task(q.ctx)

			q.mu.Lock()
			q.processing = false
			q.pending--
			q.mu.Unlock()

			j.done <- err
		}
	}
}

// drain fails every job still queued with err, preserving FIFO order
// of failure notification.
func (q *Queue) drain(err error) {
	for {
		select {
		case j := <-q.jobs:
			q.mu.Lock()
			q.pending--
			q.mu.Unlock()
			j.done <- err
		default:
			return
		}
	}
}

// Submit enqueues task and blocks until it has run (or the queue is
// cleared/closed), returning its result.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	j := job{task: task, done: make(chan error, 1)}

	q.mu.Lock()
	q.pending++
	q.mu.Unlock()

	select {
	case q.jobs <- j:
	case <-q.ctx.Done():
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		return coreerr.ErrQueueCleared
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return coreerr.ErrQueueCleared
	}
}

// Pending reports how many tasks are queued or running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// IsProcessing reports whether the consumer is mid-task.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Clear stops the queue and fails every outstanding and future Submit
// with coreerr.ErrQueueCleared (spec.md §4.3 "clear").
func (q *Queue) Clear() {
	q.cancel()
	<-q.done
}

// Manager owns one Queue per session, created lazily on first use.
type Manager struct {
	parent context.Context

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager builds a queue manager whose queues are children of
// parent's lifetime.
func NewManager(parent context.Context) *Manager {
	return &Manager{parent: parent, queues: make(map[string]*Queue)}
}

// For returns the queue for sessionID, creating it on first access.
func (m *Manager) For(sessionID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sessionID]; ok {
		return q
	}
	q := New(m.parent, sessionID)
	m.queues[sessionID] = q
	return q
}

// Remove clears and discards the queue for sessionID, if any.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	delete(m.queues, sessionID)
	m.mu.Unlock()
	if ok {
		q.Clear()
	}
}
