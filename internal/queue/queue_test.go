package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/queue"
)

// recorder is a Handler that records calls and fails on demand.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int // contact key -> remaining failures
	perm  map[string]bool
}

func (r *recorder) handle(_ context.Context, t queue.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, t.ContactKey)
	if r.perm[t.ContactKey] {
		return queue.Permanent(errors.New("invalid contact"))
	}
	if r.fail[t.ContactKey] > 0 {
		r.fail[t.ContactKey]--
		return errors.New("store busy")
	}
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	r := &recorder{}
	q := queue.New(r.handle, queue.Config{}, clock.New(), zerolog.Nop())

	for _, tc := range []struct {
		key string
		pri int
	}{{"low1", 0}, {"high", 10}, {"low2", 0}, {"mid", 5}} {
		if _, err := q.Enqueue(queue.Task{ContactKey: tc.key, Priority: tc.pri}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for q.ProcessNext(context.Background()) {
	}
	want := []string{"high", "mid", "low1", "low2"}
	got := r.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if s := q.Stats(); s.Completed != 4 || q.Len() != 0 {
		t.Fatalf("stats = %+v, len %d", s, q.Len())
	}
}

func TestQueue_EnqueueDedupAndValidation(t *testing.T) {
	q := queue.New((&recorder{}).handle, queue.Config{MaxTasks: 2}, clock.New(), zerolog.Nop())

	id1, err := q.Enqueue(queue.Task{ContactKey: "@Ivan"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, _ := q.Enqueue(queue.Task{ContactKey: "ivan"})
	if id1 != id2 {
		t.Fatal("same contact must map to the live task")
	}
	if _, err := q.Enqueue(queue.Task{ContactKey: " @ "}); !errors.Is(err, queue.ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}
	if _, err := q.Enqueue(queue.Task{ContactKey: "petr"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(queue.Task{ContactKey: "anna"}); !errors.Is(err, queue.ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}
	task, ok := q.Get(id1)
	if !ok || task.Status != queue.StatusPending || task.ContactKey != "ivan" {
		t.Fatalf("Get = %+v, %v", task, ok)
	}
}

func TestQueue_RetryWithLinearBackoff(t *testing.T) {
	r := &recorder{fail: map[string]int{"ivan": 2}}
	q := queue.New(r.handle, queue.Config{MaxAttempts: 3, Backoff: 20 * time.Millisecond}, clock.New(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	start := time.Now()
	if _, err := q.Enqueue(queue.Task{ContactKey: "ivan"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !waitFor(t, func() bool { return q.Stats().Completed == 1 }, 2*time.Second) {
		t.Fatalf("task not completed, stats %+v", q.Stats())
	}
	// Backoffs are 1*20ms then 2*20ms.
	if el := time.Since(start); el < 60*time.Millisecond {
		t.Fatalf("completed after %v, backoff not applied", el)
	}
	if n := len(r.snapshot()); n != 3 {
		t.Fatalf("handler calls = %d, want 3", n)
	}
	if s := q.Stats(); s.Retried != 2 {
		t.Fatalf("Retried = %d", s.Retried)
	}
}

func TestQueue_ExhaustedAndPermanentFailures(t *testing.T) {
	r := &recorder{fail: map[string]int{"flaky": 10}, perm: map[string]bool{"bad": true}}
	q := queue.New(r.handle, queue.Config{MaxAttempts: 2, Backoff: 5 * time.Millisecond}, clock.New(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	badID, _ := q.Enqueue(queue.Task{ContactKey: "bad"})
	flakyID, _ := q.Enqueue(queue.Task{ContactKey: "flaky"})

	if !waitFor(t, func() bool { return q.Stats().Failed == 2 }, 2*time.Second) {
		t.Fatalf("tasks did not fail, stats %+v", q.Stats())
	}
	bad, _ := q.Get(badID)
	if bad.Attempts != 1 || bad.LastError != "invalid contact" {
		t.Fatalf("permanent task = %+v", bad)
	}
	flaky, _ := q.Get(flakyID)
	if flaky.Attempts != 2 || flaky.Status != queue.StatusFailed {
		t.Fatalf("exhausted task = %+v", flaky)
	}
	// A failed contact is no longer live and may be queued again.
	if id, err := q.Enqueue(queue.Task{ContactKey: "bad"}); err != nil || id == badID {
		t.Fatalf("re-enqueue after failure = %s, %v", id, err)
	}
}

func TestQueue_GCPurgesAfterRetention(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	r := &recorder{perm: map[string]bool{"bad": true}}
	q := queue.New(r.handle, queue.Config{Retention: time.Hour}, clk, zerolog.Nop())

	id, _ := q.Enqueue(queue.Task{ContactKey: "bad"})
	q.ProcessNext(context.Background())

	clk.Advance(30 * time.Minute)
	if n := q.GC(); n != 0 {
		t.Fatalf("GC purged %d before retention", n)
	}
	clk.Advance(31 * time.Minute)
	if n := q.GC(); n != 1 {
		t.Fatalf("GC purged %d, want 1", n)
	}
	if _, ok := q.Get(id); ok {
		t.Fatal("purged task still visible")
	}
}

func TestQueue_DropsStaleTasks(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	r := &recorder{}
	q := queue.New(r.handle, queue.Config{MaxAge: time.Hour}, clk, zerolog.Nop())

	_, _ = q.Enqueue(queue.Task{ContactKey: "old"})
	clk.Advance(2 * time.Hour)
	_, _ = q.Enqueue(queue.Task{ContactKey: "new"})

	for q.ProcessNext(context.Background()) {
	}
	if got := r.snapshot(); len(got) != 1 || got[0] != "new" {
		t.Fatalf("handled %v, want only the fresh task", got)
	}
	if s := q.Stats(); s.Dropped != 1 {
		t.Fatalf("Dropped = %d", s.Dropped)
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to queue.Status
		want     bool
	}{
		{queue.StatusPending, queue.StatusProcessing, true},
		{queue.StatusProcessing, queue.StatusCompleted, true},
		{queue.StatusProcessing, queue.StatusPending, true},
		{queue.StatusProcessing, queue.StatusFailed, true},
		{queue.StatusPending, queue.StatusCompleted, false},
		{queue.StatusCompleted, queue.StatusPending, false},
		{queue.StatusFailed, queue.StatusPending, false},
	}
	for _, c := range cases {
		if got := queue.ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestQueue_FlushRunsReadyTasks(t *testing.T) {
	r := &recorder{fail: map[string]int{"busy": 5}}
	q := queue.New(r.handle, queue.Config{MaxAttempts: 3, Backoff: time.Hour}, clock.New(), zerolog.Nop())
	for _, k := range []string{"a", "b", "busy"} {
		if _, err := q.Enqueue(queue.Task{ContactKey: k}); err != nil {
			t.Fatalf("Enqueue(%s): %v", k, err)
		}
	}

	if n := q.Flush(context.Background()); n != 3 {
		t.Fatalf("Flush ran %d tasks, want 3", n)
	}
	// busy failed once and waits for its retry; it is not ready.
	if s := q.Stats(); s.Completed != 2 || s.Scheduled != 1 {
		t.Fatalf("stats = %+v, want 2 completed and 1 scheduled", s)
	}
	if n := q.Flush(context.Background()); n != 0 {
		t.Fatalf("second Flush ran %d tasks, want 0", n)
	}
}
