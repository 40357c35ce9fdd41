package queue

import (
	"container/heap"
	"errors"
	"time"

	"github.com/snehjoshi/leadflow/internal/types"
)

// Status is the lifecycle state of a Task.
//
//	PENDING ──► PROCESSING ──► COMPLETED (destroyed)
//	   ▲             │
//	   └─ retry ─────┤
//	                 ▼
//	              FAILED (kept for Retention, then purged)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ValidTransition reports whether from -> to is a legal task transition.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusPending || to == StatusFailed
	}
	return false
}

// Task is one discovered contact waiting to be handed to the ledger.
type Task struct {
	ID              string            `json:"id"`
	ContactKey      string            `json:"contact_key"`
	ContactType     types.ContactType `json:"contact_type"`
	SourcePeerID    int64             `json:"source_peer_id"`
	SourcePeerName  string            `json:"source_peer_name,omitempty"`
	SourceMessageID int64             `json:"source_message_id"`
	LeadText        string            `json:"lead_text,omitempty"`
	Category        string            `json:"category,omitempty"`
	// Priority orders ready tasks; higher runs first.
	Priority int `json:"priority"`

	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// NextAttemptAt is set while a retry is scheduled.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	FailedAt      time.Time `json:"failed_at,omitempty"`

	seq uint64
}

// permanentError marks a handler error that must not be retried.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// readyHeap orders pending tasks by priority (desc) then arrival.
type readyHeap []*Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*readyHeap)(nil)
