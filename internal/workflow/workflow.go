// Package workflow implements the bounded multi-worker fan-out engine
// (spec.md §4.7): per-worker absolute deadlines, a stale-progress
// watchdog, and partial collection of in-flight results.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shaun0927/browserparallel/internal/coreerr"
	"github.com/shaun0927/browserparallel/internal/corelog"
)

// Status is a worker's position in the state machine spec.md §3
// defines: PENDING -> RUNNING -> {COMPLETED, ERROR, TIMEOUT, STALE}.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
	StatusTimeout   Status = "TIMEOUT"
	StatusStale     Status = "STALE"
)

func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusTimeout, StatusStale:
		return true
	default:
		return false
	}
}

// Task is the caller-supplied unit of work bound to one worker's tab.
// It should call Engine.OnWorkerUpdate as it makes progress, and
// return the final extracted data (or an error).
type Task func(ctx context.Context, w *Worker) (any, error)

// Worker is a workflow-scoped element binding one tab to one task
// (spec.md §3 "Worker").
type Worker struct {
	ID     string
	TabID  target.ID
	URL    string

	mu               sync.Mutex
	status           Status
	startedAt        time.Time
	lastUpdatedAt    time.Time
	lastFingerprint  string
	staleCount       int
	completionReason string
	data             any
	err              error
	deadline         time.Time
	cancel           context.CancelFunc
}

func (w *Worker) snapshot() WorkerResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerResult{
		WorkerID:         w.ID,
		Status:           w.status,
		Data:             w.data,
		Err:              w.err,
		CompletionReason: w.completionReason,
		PartialComplete:  w.status == StatusTimeout || w.status == StatusStale,
	}
}

// WorkerResult is the externally visible outcome of one worker.
type WorkerResult struct {
	WorkerID         string
	Status           Status
	Data             any
	Err              error
	CompletionReason string
	// PartialComplete is true for every TIMEOUT or STALE worker; Data
	// then holds the last data it reported through OnWorkerUpdate
	// before being cut off, or nil if it never reported any
	// (spec.md §4.7 "partial results ... must still be surfaced").
	PartialComplete bool
}

// Options configures Init.
type Options struct {
	GlobalTimeout      time.Duration // 0 uses 5 minutes
	WorkerTimeout      time.Duration // 0 uses 60 seconds
	MaxStaleIterations int           // 0 uses 5
}

// Pool narrows the page-pool surface the engine depends on.
type Pool interface {
	AcquireBatch(ctx context.Context, n int) ([]target.ID, error)
	Release(id target.ID)
}

// Engine runs a single workflow: a fixed set of workers, each bound to
// its own tab, executing concurrently with independent deadlines.
type Engine struct {
	id   string
	pool Pool
	log  *logrus.Entry

	workerTimeout      time.Duration
	maxStaleIterations int

	mu      sync.Mutex
	workers []*Worker
	index   map[string]*Worker

	globalCancel context.CancelFunc
	allDone      chan struct{}
}

// ID returns the workflow's id (generated by New when the caller
// passed an empty id).
func (e *Engine) ID() string { return e.id }

// New constructs a workflow engine id; call Init to start it.
func New(id string, pool Pool) *Engine {
	if id == "" {
		id = uuid.NewString()
	}
	return &Engine{
		id:    id,
		pool:  pool,
		log:   corelog.For("workflow").WithField("workflow_id", id),
		index: make(map[string]*Worker),
	}
}

// Init batch-acquires one tab per task, registers every worker PENDING
// in worker-id order, then starts them RUNNING with independent
// absolute deadlines. It does not pre-warm the pool first: AcquireBatch
// takes what the pool has available and creates the rest. It returns
// once every worker has been launched, not once they finish — use
// Collect/CollectPartial for that.
func (e *Engine) Init(parent context.Context, tasks map[string]Task, urls map[string]string, opts Options) error {
	workerTimeout := opts.WorkerTimeout
	if workerTimeout <= 0 {
		workerTimeout = 60 * time.Second
	}
	globalTimeout := opts.GlobalTimeout
	if globalTimeout <= 0 {
		globalTimeout = 5 * time.Minute
	}
	maxStale := opts.MaxStaleIterations
	if maxStale <= 0 {
		maxStale = 5
	}
	e.workerTimeout = workerTimeout
	e.maxStaleIterations = maxStale

	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tabs, err := e.pool.AcquireBatch(parent, len(ids))
	if err != nil {
		return fmt.Errorf("workflow: acquire batch: %w", err)
	}

	globalCtx, cancel := context.WithTimeout(parent, globalTimeout)
	e.globalCancel = cancel
	e.allDone = make(chan struct{})

	e.mu.Lock()
	for i, workerID := range ids {
		w := &Worker{
			ID:        workerID,
			TabID:     tabs[i],
			URL:       urls[workerID],
			status:    StatusPending,
			startedAt: time.Now(),
		}
		e.workers = append(e.workers, w)
		e.index[workerID] = w
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, workerID := range ids {
		w := e.index[workerID]
		task := tasks[workerID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runWorker(globalCtx, w, task)
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		close(e.allDone)
	}()

	return nil
}

func (e *Engine) runWorker(globalCtx context.Context, w *Worker, task Task) {
	deadline := time.Now().Add(e.workerTimeout)
	workerCtx, cancel := context.WithDeadline(globalCtx, deadline)
	w.mu.Lock()
	w.status = StatusRunning
	w.deadline = deadline
	w.cancel = cancel
	w.mu.Unlock()

	resultCh := make(chan struct {
		data any
		err  error
	}, 1)

	go func() {
		data, err := task(workerCtx, w)
		resultCh <- struct {
			data any
			err  error
		}{data, err}
	}()

	select {
	case r := <-resultCh:
		cancel()
		if r.err != nil {
			e.forceComplete(w, StatusError, "task returned an error", r.data, r.err)
			return
		}
		e.forceComplete(w, StatusCompleted, "completed", r.data, nil)
	case <-workerCtx.Done():
		cancel()
		reason := "worker deadline exceeded"
		if globalCtx.Err() != nil {
			reason = "workflow deadline exceeded"
		}
		e.forceComplete(w, StatusTimeout, reason, nil, coreerr.ErrWorkerTimeout)
	}

	e.pool.Release(w.TabID)
}

// OnWorkerUpdate records progress for workerID and applies the stale
// watchdog: if extractedData fingerprints the same as last time,
// bumps the stale counter and force-completes as STALE once it
// reaches maxStaleIterations; otherwise resets the counter.
func (e *Engine) OnWorkerUpdate(workerID string, extractedData any) {
	e.mu.Lock()
	w, ok := e.index[workerID]
	e.mu.Unlock()
	if !ok {
		return
	}

	fp := fingerprint(extractedData)

	w.mu.Lock()
	if w.status.terminal() {
		w.mu.Unlock()
		return
	}
	w.data = extractedData
	w.lastUpdatedAt = time.Now()
	if fp == w.lastFingerprint {
		w.staleCount++
	} else {
		w.staleCount = 0
		w.lastFingerprint = fp
	}
	stale := w.staleCount >= e.maxStaleIterations
	cancel := w.cancel
	w.mu.Unlock()

	if stale {
		e.forceComplete(w, StatusStale, "no progress observed across max stale iterations", extractedData, coreerr.ErrWorkerStale)
		if cancel != nil {
			cancel()
		}
	}
}

// ForceComplete marks workerID terminal with reason, if it is not
// already terminal (spec.md §4.7 invariant: no transition out of a
// terminal state).
func (e *Engine) ForceComplete(workerID string, status Status, reason string) {
	e.mu.Lock()
	w, ok := e.index[workerID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.forceComplete(w, status, reason, nil, nil)
}

func (e *Engine) forceComplete(w *Worker, status Status, reason string, data any, err error) {
	w.mu.Lock()
	if w.status.terminal() {
		w.mu.Unlock()
		return
	}
	w.status = status
	w.completionReason = reason
	if data != nil {
		w.data = data
	}
	if err != nil {
		w.err = err
	}
	w.mu.Unlock()
}

// Collect blocks until every worker is terminal, then returns the
// results ordered by worker id.
func (e *Engine) Collect(ctx context.Context) ([]WorkerResult, error) {
	select {
	case <-e.allDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	results := make([]WorkerResult, len(e.workers))
	for i, w := range e.workers {
		results[i] = w.snapshot()
	}
	return results, nil
}

// PartialSnapshot is returned by CollectPartial.
type PartialSnapshot struct {
	Completed       []WorkerResult
	Running         []WorkerResult
	Failed          []WorkerResult
	IsFullyComplete bool
}

// CollectPartial returns a snapshot of worker states without
// requiring full completion, optionally polling up to waitMs for more
// workers to finish first.
func (e *Engine) CollectPartial(ctx context.Context, wait time.Duration) PartialSnapshot {
	deadline := time.Now().Add(wait)
	for {
		snap := e.snapshotAll()
		if snap.IsFullyComplete || wait <= 0 || time.Now().After(deadline) {
			return snap
		}
		select {
		case <-ctx.Done():
			return snap
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (e *Engine) snapshotAll() PartialSnapshot {
	e.mu.Lock()
	workers := append([]*Worker(nil), e.workers...)
	e.mu.Unlock()

	var snap PartialSnapshot
	snap.IsFullyComplete = true
	for _, w := range workers {
		r := w.snapshot()
		switch r.Status {
		case StatusCompleted:
			snap.Completed = append(snap.Completed, r)
		case StatusError, StatusTimeout, StatusStale:
			snap.Failed = append(snap.Failed, r)
		default:
			snap.Running = append(snap.Running, r)
			snap.IsFullyComplete = false
		}
	}
	return snap
}

// fingerprint computes a stable, cheap summary of extracted data for
// the stale-progress watchdog: a length-prefixed hash, since extracted
// data (usually page text) can be large and is compared every update.
func fingerprint(data any) string {
	s := fmt.Sprintf("%v", data)
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%d:%s", len(s), hex.EncodeToString(sum[:8]))
}
