package messenger

import (
	"container/heap"
	"sync"
	"time"
)

type pendingRetry struct {
	msg Message
	due time.Time
	seq uint64
}

type retryHeap []pendingRetry

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)   { *h = append(*h, x.(pendingRetry)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = pendingRetry{}
	*h = old[:n-1]
	return it
}

// delayQueue holds messages waiting for their punish delay to elapse.
//
// insert may be called from any goroutine; popDue is meant for the single
// sweeper goroutine but is safe under concurrent inserts. Entries are removed
// one at a time so an entry inserted mid-sweep is either visited once or left
// for the next cycle, never skipped or visited twice.
type delayQueue struct {
	mu  sync.Mutex
	h   retryHeap
	seq uint64
}

func (q *delayQueue) insert(msg Message, due time.Time) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, pendingRetry{msg: msg, due: due, seq: q.seq})
	q.mu.Unlock()
}

func (q *delayQueue) isEmpty() bool { return q.Len() == 0 }

func (q *delayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// popDue removes and returns the earliest entry if it is due at now.
// Entries not yet due are left untouched.
func (q *delayQueue) popDue(now time.Time) (pendingRetry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 || q.h[0].due.After(now) {
		return pendingRetry{}, false
	}
	return heap.Pop(&q.h).(pendingRetry), true
}

// nextDue reports the earliest due time, if any.
func (q *delayQueue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].due, true
}

// reset drops every pending entry and returns how many were discarded.
func (q *delayQueue) reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.h)
	q.h = nil
	return n
}
