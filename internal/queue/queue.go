// Package queue is the outreach queue: an in-memory buffer between contact
// discovery and the contact ledger. It orders tasks by priority, retries the
// hand-off with linear backoff up to MaxAttempts, drops tasks that went
// stale before they ran, and keeps permanently failed tasks for Retention
// so operators can inspect them.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/node"
	"github.com/snehjoshi/leadflow/internal/scheduler"
	"github.com/snehjoshi/leadflow/internal/types"
)

var (
	// ErrInvalidTask is returned by Enqueue for a task without a contact key.
	ErrInvalidTask = errors.New("queue: invalid task")
	// ErrFull is returned by Enqueue when MaxTasks live tasks are queued.
	ErrFull = errors.New("queue: at capacity")
)

// Handler performs the hand-off for one task. Returning an error wrapped
// with Permanent fails the task without retry.
type Handler func(ctx context.Context, t Task) error

// Config holds queue thresholds.
type Config struct {
	// MaxAttempts is the total number of handler calls per task.
	MaxAttempts int
	// Backoff is the linear retry step: attempt n waits n*Backoff.
	Backoff time.Duration
	// MaxAge drops pending tasks older than this when they reach the front.
	// 0 disables.
	MaxAge time.Duration
	// Retention is how long failed tasks are kept before GC purges them.
	Retention time.Duration
	// MaxTasks caps live (pending+processing) tasks. 0 is unlimited.
	MaxTasks int
	// GCInterval is how often the worker runs GC.
	GCInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     5 * time.Second,
		MaxAge:      24 * time.Hour,
		Retention:   time.Hour,
		MaxTasks:    10_000,
		GCInterval:  time.Minute,
	}
}

// Stats is a queue snapshot.
type Stats struct {
	Pending    int   `json:"pending"`
	Scheduled  int   `json:"scheduled"`
	Processing int   `json:"processing"`
	Failed     int   `json:"failed"`
	Enqueued   int64 `json:"enqueued"`
	Completed  int64 `json:"completed"`
	Retried    int64 `json:"retried"`
	Dropped    int64 `json:"dropped"`
	Purged     int64 `json:"purged"`
}

// Queue is the outreach queue. All methods are safe for concurrent use; a
// single worker goroutine runs the handler.
type Queue struct {
	handler Handler
	cfg     Config
	clk     clock.Clock
	log     zerolog.Logger
	sched   *scheduler.Scheduler

	mu    sync.Mutex
	tasks map[string]*Task  // every known task by id
	byKey map[string]string // contact key -> id, live tasks only
	ready readyHeap
	seq   uint64
	stats Stats

	wake    chan struct{}
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Queue. Call Start to run the worker.
func New(handler Handler, cfg Config, clk clock.Clock, log zerolog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		handler: handler,
		cfg:     cfg,
		clk:     clk,
		log:     log.With().Str("component", "queue").Logger(),
		sched:   scheduler.New(clk),
		tasks:   make(map[string]*Task),
		byKey:   make(map[string]string),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds t as a pending task and returns its id. A contact that
// already has a live task is not queued twice; the existing id is returned.
func (q *Queue) Enqueue(t Task) (string, error) {
	t.ContactKey = types.NormalizeKey(t.ContactKey)
	if t.ContactKey == "" {
		return "", fmt.Errorf("%w: empty contact key", ErrInvalidTask)
	}
	if t.ContactType == "" {
		t.ContactType = types.ContactUsername
	}
	now := q.clk.Now().UTC()

	q.mu.Lock()
	if id, ok := q.byKey[t.ContactKey]; ok {
		q.mu.Unlock()
		return id, nil
	}
	if q.cfg.MaxTasks > 0 && len(q.byKey) >= q.cfg.MaxTasks {
		q.mu.Unlock()
		return "", fmt.Errorf("%w (%d tasks)", ErrFull, q.cfg.MaxTasks)
	}
	q.seq++
	t.ID = node.NewID()
	t.Status = StatusPending
	t.Attempts = 0
	t.LastError = ""
	t.CreatedAt = now
	t.UpdatedAt = now
	t.seq = q.seq
	task := t
	q.tasks[task.ID] = &task
	q.byKey[task.ContactKey] = task.ID
	heap.Push(&q.ready, &task)
	q.stats.Enqueued++
	q.mu.Unlock()

	q.signal()
	return t.ID, nil
}

// Get returns a copy of the task with id.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Start launches the worker and the retry scheduler. Stop or cancelling ctx
// ends them.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.sched.Start(ctx, q.makeReady)
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop halts the worker after its current task and waits for it.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.sched.Stop()
}

// ProcessNext runs the handler for the highest-priority ready task. It
// returns false when nothing was ready.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	t, ok := q.next()
	if !ok {
		return false
	}
	err := q.handler(ctx, t)
	q.finish(t.ID, err)
	return true
}

// Flush runs the handler for every ready task until none is left and
// returns how many ran. Tasks waiting for a scheduled retry are not ready
// and stay queued. Call it after Stop to hand off what the worker left.
func (q *Queue) Flush(ctx context.Context) int {
	n := 0
	for q.ProcessNext(ctx) {
		n++
	}
	return n
}

// GC purges failed tasks older than Retention and returns how many went.
func (q *Queue) GC() int {
	cutoff := q.clk.Now().Add(-q.cfg.Retention)
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, t := range q.tasks {
		if t.Status == StatusFailed && !t.FailedAt.After(cutoff) {
			delete(q.tasks, id)
			n++
		}
	}
	q.stats.Purged += int64(n)
	return n
}

// Failed returns up to limit failed tasks, oldest failure first. A
// non-positive limit returns all of them.
func (q *Queue) Failed(limit int) []Task {
	q.mu.Lock()
	out := make([]Task, 0)
	for _, t := range q.tasks {
		if t.Status == StatusFailed {
			out = append(out, *t)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].seq < out[j].seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Discard removes the failed task id. It reports false when id is unknown
// or not failed.
func (q *Queue) Discard(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusFailed {
		return false
	}
	delete(q.tasks, id)
	return true
}

// Stats returns a snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			if t.NextAttemptAt.IsZero() {
				s.Pending++
			} else {
				s.Scheduled++
			}
		case StatusProcessing:
			s.Processing++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Len returns the number of live (pending or processing) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}

// ─── worker ───────────────────────────────────────────────────────────────────

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	gc := time.NewTicker(q.cfg.GCInterval)
	defer gc.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if q.ProcessNext(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-gc.C:
			if n := q.GC(); n > 0 {
				q.log.Debug().Int("purged", n).Msg("purged failed tasks")
			}
		}
	}
}

// next pops the front ready task and marks it processing, dropping stale
// tasks on the way.
func (q *Queue) next() (Task, bool) {
	now := q.clk.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.ready.Len() > 0 {
		t := heap.Pop(&q.ready).(*Task)
		if t.Status != StatusPending {
			continue
		}
		if q.cfg.MaxAge > 0 && now.Sub(t.CreatedAt) > q.cfg.MaxAge {
			delete(q.tasks, t.ID)
			delete(q.byKey, t.ContactKey)
			q.stats.Dropped++
			q.log.Info().Str("task", t.ID).Str("contact", t.ContactKey).Msg("dropped stale task")
			continue
		}
		if !q.transitionLocked(t, StatusProcessing) {
			continue
		}
		t.Attempts++
		t.NextAttemptAt = time.Time{}
		t.UpdatedAt = now
		return *t, true
	}
	return Task{}, false
}

// finish applies the handler outcome to task id.
func (q *Queue) finish(id string, err error) {
	now := q.clk.Now().UTC()
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusProcessing {
		q.mu.Unlock()
		q.log.Error().Str("task", id).Msg("finish on a task that is not processing")
		return
	}
	t.UpdatedAt = now

	if err == nil {
		q.transitionLocked(t, StatusCompleted)
		delete(q.tasks, id)
		delete(q.byKey, t.ContactKey)
		q.stats.Completed++
		q.mu.Unlock()
		return
	}

	t.LastError = err.Error()
	if IsPermanent(err) || t.Attempts >= q.cfg.MaxAttempts {
		q.transitionLocked(t, StatusFailed)
		t.FailedAt = now
		delete(q.byKey, t.ContactKey)
		attempts := t.Attempts
		q.mu.Unlock()
		q.log.Warn().Err(err).Str("task", id).Int("attempts", attempts).Msg("task failed")
		return
	}

	q.transitionLocked(t, StatusPending)
	t.NextAttemptAt = now.Add(time.Duration(t.Attempts) * q.cfg.Backoff)
	due := t.NextAttemptAt
	q.stats.Retried++
	q.mu.Unlock()

	q.log.Debug().Err(err).Str("task", id).Time("retry_at", due).Msg("task retry scheduled")
	q.sched.Schedule(id, due)
}

// transitionLocked moves t to status when ValidTransition allows it and
// logs the refusal otherwise. MUST be called with q.mu held.
func (q *Queue) transitionLocked(t *Task, to Status) bool {
	if !ValidTransition(t.Status, to) {
		q.log.Error().Str("task", t.ID).Str("from", string(t.Status)).Str("to", string(to)).Msg("illegal task transition")
		return false
	}
	t.Status = to
	return true
}

// makeReady is the scheduler callback for a due retry.
func (q *Queue) makeReady(id string) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if ok && t.Status == StatusPending {
		t.NextAttemptAt = time.Time{}
		heap.Push(&q.ready, t)
	}
	q.mu.Unlock()
	if ok {
		q.signal()
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
