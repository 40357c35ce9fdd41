// Package dlq inspects and replays outreach queue tasks that failed for
// good: the hand-off returned a permanent error or ran out of attempts.
//
// Failed tasks stay inside the queue until its retention GC purges them.
// This package wraps the queue to provide dead-letter helpers:
//
//   - Peek:   read (but don't remove) the oldest N failed tasks.
//   - Drain:  remove and return the oldest N failed tasks.
//   - Replay: put failed tasks back on the queue for a fresh set of attempts.
package dlq

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/queue"
)

// Manager provides dead-letter operations on top of a queue.Queue.
type Manager struct {
	q   *queue.Queue
	log zerolog.Logger
}

// NewManager wraps the given queue.
func NewManager(q *queue.Queue, log zerolog.Logger) *Manager {
	return &Manager{q: q, log: log.With().Str("component", "dlq").Logger()}
}

// Peek returns up to limit failed tasks, oldest failure first.
func (m *Manager) Peek(limit int) []queue.Task {
	return m.q.Failed(limit)
}

// Drain removes up to limit failed tasks and returns them.
func (m *Manager) Drain(limit int) []queue.Task {
	failed := m.q.Failed(limit)
	out := failed[:0]
	for _, t := range failed {
		if m.q.Discard(t.ID) {
			out = append(out, t)
		}
	}
	return out
}

// Replay re-enqueues up to limit failed tasks and returns how many went
// back. A task is discarded from the dead letters only after its
// replacement is queued, so a full queue leaves it in place.
func (m *Manager) Replay(limit int) (int, error) {
	replayed := 0
	for _, t := range m.q.Failed(limit) {
		fresh := queue.Task{
			ContactKey:      t.ContactKey,
			ContactType:     t.ContactType,
			SourcePeerID:    t.SourcePeerID,
			SourcePeerName:  t.SourcePeerName,
			SourceMessageID: t.SourceMessageID,
			LeadText:        t.LeadText,
			Category:        t.Category,
			Priority:        t.Priority,
			// Attempts and LastError are reset for a clean retry.
		}
		id, err := m.q.Enqueue(fresh)
		if err != nil {
			return replayed, fmt.Errorf("dlq: replay %s: %w", t.ID, err)
		}
		m.q.Discard(t.ID)
		replayed++
		m.log.Info().Str("task", t.ID).Str("replacement", id).Str("contact", t.ContactKey).
			Str("last_error", t.LastError).Msg("replayed failed task")
	}
	return replayed, nil
}

// Len returns the number of failed tasks currently held.
func (m *Manager) Len() int {
	return m.q.Stats().Failed
}
