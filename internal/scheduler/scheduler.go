package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/snehjoshi/leadflow/internal/clock"
)

// Scheduler calls readyFn(taskID) once each scheduled task is due.
//
//	s := scheduler.New(clk)
//	s.Start(ctx, func(taskID string) { q.makeReady(taskID) })
//	defer s.Stop()
//	s.Schedule(id, clk.Now().Add(backoff))
//
// All methods are safe for concurrent use.
type Scheduler struct {
	clk clock.Clock

	mu   sync.Mutex
	h    minHeap
	byID map[string]*item
	seq  uint64

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler that reads due times against clk. Waiting uses
// real timers, so with a fake clock only past-due tasks fire promptly.
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		clk:    clk,
		h:      h,
		byID:   make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule adds taskID, replacing any earlier entry for the same id.
func (s *Scheduler) Schedule(taskID string, due time.Time) {
	s.mu.Lock()
	if prev, ok := s.byID[taskID]; ok {
		prev.cancelled = true
		s.h.remove(prev.heapIdx)
		delete(s.byID, taskID)
	}
	s.seq++
	it := &item{taskID: taskID, due: due, seq: s.seq}
	heap.Push(&s.h, it)
	s.byID[taskID] = it
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel drops taskID if it is scheduled.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[taskID]
	if !ok {
		return
	}
	it.cancelled = true
	s.h.remove(it.heapIdx)
	delete(s.byID, taskID)
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Start launches the firing goroutine. readyFn runs on that goroutine and
// must not block for long. Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context, readyFn func(taskID string)) {
	s.wg.Add(1)
	go s.run(ctx, readyFn)
}

// Stop shuts the goroutine down and waits for it. Scheduled tasks are
// abandoned.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, readyFn func(taskID string)) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		next := s.peekLocked()
		var due time.Time
		if next != nil {
			due = next.due
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := due.Sub(s.clk.Now())
		if delay <= 0 {
			s.fire(readyFn)
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			s.fire(readyFn)
		}
	}
}

func (s *Scheduler) fire(readyFn func(taskID string)) {
	s.mu.Lock()
	it := s.popLocked()
	s.mu.Unlock()
	if it != nil {
		readyFn(it.taskID)
	}
}

// peekLocked returns the root, discarding cancelled items.
// MUST be called with s.mu held.
func (s *Scheduler) peekLocked() *item {
	for s.h.Len() > 0 {
		root := s.h[0]
		if !root.cancelled {
			return root
		}
		heap.Pop(&s.h)
	}
	return nil
}

// popLocked removes and returns the root, or nil if empty.
// MUST be called with s.mu held.
func (s *Scheduler) popLocked() *item {
	for s.h.Len() > 0 {
		it := heap.Pop(&s.h).(*item)
		if it.cancelled {
			continue
		}
		delete(s.byID, it.taskID)
		return it
	}
	return nil
}
