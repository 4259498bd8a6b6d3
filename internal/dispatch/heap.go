package dispatch

import (
	"container/heap"
	"time"

	"dispatchd/internal/registry"
)

// fireEntry is one scheduled occurrence waiting in the timing heap.
type fireEntry struct {
	fireAt time.Time // UTC
	job    registry.Job
}

// fireHeap is a min-heap ordered by fire instant; the timing loop only ever
// needs the nearest one.
type fireHeap []fireEntry

func (h fireHeap) Len() int            { return len(h) }
func (h fireHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h fireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x any)         { *h = append(*h, x.(fireEntry)) }
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h *fireHeap) push(e fireEntry) { heap.Push(h, e) }

func (h *fireHeap) pop() fireEntry { return heap.Pop(h).(fireEntry) }

func (h fireHeap) peek() (fireEntry, bool) {
	if len(h) == 0 {
		return fireEntry{}, false
	}
	return h[0], true
}
