// Package scheduler fires task ids at or after a due time. The outreach queue
// uses it for linear-backoff retries.
//
// The soonest-due task sits at the root of a min-heap: peek is O(1) and
// insert/remove are O(log N). One goroutine sleeps until the root is due,
// pops it and calls readyFn. Schedule wakes the goroutine early through a
// buffered notify channel when a sooner task arrives.
package scheduler

import (
	"container/heap"
	"time"
)

type item struct {
	taskID string
	due    time.Time
	seq    uint64 // FIFO among equal due times

	heapIdx int
	// cancelled items are skipped lazily when they reach the root.
	cancelled bool
}

type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
