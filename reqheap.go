package httpclient

import (
	"container/heap"
	"time"
)

// requestHeap orders a Queue's requests by a deadline read from each
// request: the overall-deadline index keys on timeoutAt, the
// delayed-release list on releaseTime. A zero deadline sorts last, so
// the head is always the next timer to arm, and requests with no
// deadline never mask one that has.
type requestHeap struct {
	key  func(*Request) time.Time
	reqs []*Request
}

func newRequestHeap(key func(*Request) time.Time) *requestHeap {
	return &requestHeap{key: key}
}

func (h *requestHeap) add(r *Request) { heap.Push(h, r) }

// nextDeadline returns the earliest real deadline held, or ok=false if
// the heap is empty or holds only deadline-less requests.
func (h *requestHeap) nextDeadline() (time.Time, bool) {
	if len(h.reqs) == 0 {
		return time.Time{}, false
	}
	d := h.key(h.reqs[0])
	if d.IsZero() {
		return time.Time{}, false
	}
	return d, true
}

// popDue removes and returns every request whose deadline is at or
// before now.
func (h *requestHeap) popDue(now time.Time) []*Request {
	var due []*Request
	for len(h.reqs) > 0 {
		d := h.key(h.reqs[0])
		if d.IsZero() || d.After(now) {
			break
		}
		due = append(due, heap.Pop(h).(*Request))
	}
	return due
}

// remove drops r if present, reporting whether it was held.
func (h *requestHeap) remove(r *Request) bool {
	for i, cur := range h.reqs {
		if cur == r {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}

// container/heap plumbing.

func (h *requestHeap) Len() int { return len(h.reqs) }

func (h *requestHeap) Less(i, j int) bool {
	a, b := h.key(h.reqs[i]), h.key(h.reqs[j])
	if a.IsZero() {
		return false
	}
	if b.IsZero() {
		return true
	}
	return a.Before(b)
}

func (h *requestHeap) Swap(i, j int) { h.reqs[i], h.reqs[j] = h.reqs[j], h.reqs[i] }

func (h *requestHeap) Push(x any) { h.reqs = append(h.reqs, x.(*Request)) }

func (h *requestHeap) Pop() any {
	n := len(h.reqs)
	r := h.reqs[n-1]
	h.reqs[n-1] = nil
	h.reqs = h.reqs[:n-1]
	return r
}
