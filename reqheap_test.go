package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func heapRequest(t *testing.T, c *Client, deadline time.Time) *Request {
	t.Helper()
	r, err := c.NewRequest(http.MethodGet, "http://192.0.2.1/", nil)
	if err != nil {
		t.Fatal(err)
	}
	r.timeoutAt = deadline
	return r
}

func TestRequestHeapOrdersByDeadline(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	base := time.Now()
	h := newRequestHeap(func(r *Request) time.Time { return r.timeoutAt })

	late := heapRequest(t, c, base.Add(3*time.Second))
	early := heapRequest(t, c, base.Add(time.Second))
	mid := heapRequest(t, c, base.Add(2*time.Second))
	for _, r := range []*Request{late, early, mid} {
		h.add(r)
	}

	d, ok := h.nextDeadline()
	if !ok || !d.Equal(early.timeoutAt) {
		t.Fatalf("nextDeadline() = %v, %v; want %v", d, ok, early.timeoutAt)
	}

	due := h.popDue(base.Add(2500 * time.Millisecond))
	if len(due) != 2 || due[0] != early || due[1] != mid {
		t.Fatalf("popDue returned %d requests in wrong order", len(due))
	}
	if h.Len() != 1 {
		t.Fatalf("Len() = %d after popDue, want 1", h.Len())
	}
}

func TestRequestHeapZeroDeadlineSortsLast(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	h := newRequestHeap(func(r *Request) time.Time { return r.timeoutAt })

	undeadlined := heapRequest(t, c, time.Time{})
	h.add(undeadlined)

	if _, ok := h.nextDeadline(); ok {
		t.Fatal("nextDeadline() reported a deadline for a deadline-less request")
	}
	if due := h.popDue(time.Now().Add(time.Hour)); len(due) != 0 {
		t.Fatal("popDue expired a deadline-less request")
	}

	deadlined := heapRequest(t, c, time.Now().Add(time.Minute))
	h.add(deadlined)

	d, ok := h.nextDeadline()
	if !ok || !d.Equal(deadlined.timeoutAt) {
		t.Fatalf("deadline-less request masked the real deadline: %v, %v", d, ok)
	}
}

func TestRequestHeapRemove(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	h := newRequestHeap(func(r *Request) time.Time { return r.timeoutAt })
	a := heapRequest(t, c, time.Now().Add(time.Second))
	b := heapRequest(t, c, time.Now().Add(2*time.Second))
	h.add(a)
	h.add(b)

	if !h.remove(a) {
		t.Fatal("remove(a) = false for a held request")
	}
	if h.remove(a) {
		t.Fatal("remove(a) = true for an already-removed request")
	}
	d, ok := h.nextDeadline()
	if !ok || !d.Equal(b.timeoutAt) {
		t.Fatalf("heap corrupted after remove: %v, %v", d, ok)
	}
}
