package spider

import "testing"

func drain(q *requestQueue) []pageRequest {
	var out []pageRequest
	for {
		r, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func TestRequestQueue_Precedence(t *testing.T) {
	q := newRequestQueue()
	q.setTotal(10)
	q.startCursor()

	q.push(7, priorityPreload)
	q.push(3, priorityRequest)
	q.push(8, priorityPreload)
	q.push(5, priorityForce)
	q.push(4, priorityRequest)

	got := drain(q)
	want := []pageRequest{
		{index: 5, force: true},
		{index: 3},
		{index: 4},
		{index: 7},
		{index: 8},
	}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("position %d: expected %+v, got %+v", i, w, got[i])
		}
	}
	// The cursor follows the queued requests and covers every page.
	rest := got[len(want):]
	if len(rest) != 10 {
		t.Fatalf("expected 10 cursor pages, got %d", len(rest))
	}
	for i, r := range rest {
		if r.index != i || r.force {
			t.Errorf("cursor position %d: got %+v", i, r)
		}
	}
	if q.pending() {
		t.Error("queue should be empty")
	}
}

func TestRequestQueue_Dedup(t *testing.T) {
	q := newRequestQueue()

	tests := []struct {
		index    int
		priority int
		want     bool
	}{
		{1, priorityRequest, true},
		{1, priorityRequest, false},
		{1, priorityPreload, false},
		{1, priorityForce, true},
		{2, priorityPreload, true},
		{2, priorityRequest, true},
	}
	for _, tt := range tests {
		if got := q.push(tt.index, tt.priority); got != tt.want {
			t.Errorf("push(%d, %d): expected %v, got %v", tt.index, tt.priority, tt.want, got)
		}
	}
	if s := q.stats(); s.Total != 4 || s.Force != 1 || s.Request != 2 || s.Preload != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRequestQueue_RemoveKeepsForced(t *testing.T) {
	q := newRequestQueue()
	q.push(1, priorityRequest)
	q.push(1, priorityForce)
	q.push(2, priorityPreload)

	if !q.remove(1) {
		t.Fatal("expected removal")
	}
	if n := q.clearPriority(priorityPreload); n != 1 {
		t.Errorf("expected one preload cleared, got %d", n)
	}
	got := drain(q)
	if len(got) != 1 || got[0] != (pageRequest{index: 1, force: true}) {
		t.Errorf("expected only the forced request, got %+v", got)
	}
}

func TestRequestQueue_Cursor(t *testing.T) {
	q := newRequestQueue()
	if !q.startCursor() {
		t.Fatal("first start should activate the cursor")
	}
	if q.startCursor() {
		t.Error("second start should report an active cursor")
	}
	if q.pending() {
		t.Error("cursor must wait for the page count")
	}
	q.setTotal(2)
	if r, ok := q.pop(); !ok || r.index != 0 {
		t.Fatalf("expected page 0, got %+v %v", r, ok)
	}
	q.stopCursor()
	if _, ok := q.pop(); ok {
		t.Error("stopped cursor should not yield pages")
	}
	if s := q.stats(); s.Cursor != -1 {
		t.Errorf("expected cursor -1, got %d", s.Cursor)
	}
}
