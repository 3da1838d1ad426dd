package contest

import (
	"container/heap"
	"time"
)

// deadlineEntry is one pending per-(participant, questionIndex) expiry.
// Cancelled entries stay in the heap and are skipped lazily on pop.
type deadlineEntry struct {
	at        time.Time
	userID    string
	qIndex    int
	cancelled bool
	index     int
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x interface{}) { e := x.(*deadlineEntry); e.index = len(*h); *h = append(*h, e) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// deadlineQueue is owned by a single contest loop; no locking needed.
type deadlineQueue struct {
	heap    deadlineHeap
	pending map[string]*deadlineEntry // key userID
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{pending: make(map[string]*deadlineEntry)}
}

// schedule replaces any pending deadline for the user. A participant has at
// most one live question, so one pending entry per user suffices.
func (q *deadlineQueue) schedule(userID string, qIndex int, at time.Time) {
	q.cancel(userID)
	e := &deadlineEntry{at: at, userID: userID, qIndex: qIndex}
	heap.Push(&q.heap, e)
	q.pending[userID] = e
}

func (q *deadlineQueue) cancel(userID string) {
	if e, ok := q.pending[userID]; ok {
		e.cancelled = true
		delete(q.pending, userID)
	}
}

// next returns the earliest live deadline, or zero time if none.
func (q *deadlineQueue) next() (time.Time, bool) {
	q.compactHead()
	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].at, true
}

// popDue removes and returns every live entry with at <= now, in order.
func (q *deadlineQueue) popDue(now time.Time) []*deadlineEntry {
	var due []*deadlineEntry
	for {
		q.compactHead()
		if q.heap.Len() == 0 || q.heap[0].at.After(now) {
			return due
		}
		e := heap.Pop(&q.heap).(*deadlineEntry)
		delete(q.pending, e.userID)
		due = append(due, e)
	}
}

// compactHead discards cancelled entries sitting at the heap root.
func (q *deadlineQueue) compactHead() {
	for q.heap.Len() > 0 && q.heap[0].cancelled {
		heap.Pop(&q.heap)
	}
}

func (q *deadlineQueue) len() int { return len(q.pending) }
