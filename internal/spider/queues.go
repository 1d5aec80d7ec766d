package spider

import (
	"container/heap"
	"sync"
)

// Request priorities. Higher values are dequeued first.
const (
	priorityPreload = 10 // Read-ahead after an on-demand request
	priorityRequest = 20 // On-demand requests
	priorityForce   = 30 // Forced re-downloads
)

// pageRequest is one dequeued page index.
type pageRequest struct {
	index int
	force bool
}

// requestQueue holds requested page indices ordered by priority, FIFO within
// a priority, and the sequential download cursor which is consulted only
// when the heap is empty.
type requestQueue struct {
	mu     sync.Mutex
	items  requestHeap
	seq    uint64 // Sequence number for FIFO ordering within same priority
	cursor int    // Next page of the download sweep; -1 when not downloading
	total  int    // Page count bounding the cursor; -1 until known
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{
		items:  make(requestHeap, 0),
		cursor: -1,
		total:  -1,
	}
	heap.Init(&q.items)
	return q
}

// push adds index at priority. An index already queued at the same or a
// higher priority is not added again.
func (q *requestQueue) push(index, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.index == index && it.priority >= priority {
			return false
		}
	}

	q.seq++
	heap.Push(&q.items, &requestItem{index: index, priority: priority, seq: q.seq})
	return true
}

// pop removes the next request. The heap wins over the download cursor.
func (q *requestQueue) pop() (pageRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() > 0 {
		it := heap.Pop(&q.items).(*requestItem)
		return pageRequest{index: it.index, force: it.priority == priorityForce}, true
	}
	if q.cursor >= 0 && q.total >= 0 && q.cursor < q.total {
		idx := q.cursor
		q.cursor++
		return pageRequest{index: idx}, true
	}
	return pageRequest{}, false
}

// pending reports whether pop would return a request.
func (q *requestQueue) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() > 0 || (q.cursor >= 0 && q.total >= 0 && q.cursor < q.total)
}

// remove drops every non-forced queued entry for index.
func (q *requestQueue) remove(index int) bool {
	return q.removeWhere(func(it *requestItem) bool {
		return it.index == index && it.priority != priorityForce
	}) > 0
}

// clearPriority drops every entry queued at priority.
func (q *requestQueue) clearPriority(priority int) int {
	return q.removeWhere(func(it *requestItem) bool { return it.priority == priority })
}

func (q *requestQueue) removeWhere(match func(*requestItem) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if match(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	heap.Init(&q.items)
	return removed
}

// setTotal bounds the download cursor.
func (q *requestQueue) setTotal(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.total = n
}

// startCursor activates the download sweep from page 0. It reports whether
// the sweep was inactive.
func (q *requestQueue) startCursor() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor >= 0 {
		return false
	}
	q.cursor = 0
	return true
}

// stopCursor deactivates the download sweep.
func (q *requestQueue) stopCursor() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cursor = -1
}

// QueueStats reports queue depth by priority level and the download cursor.
type QueueStats struct {
	Total   int `json:"total"`
	Force   int `json:"force"`
	Request int `json:"request"`
	Preload int `json:"preload"`
	Cursor  int `json:"cursor"`
}

func (q *requestQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{Total: q.items.Len(), Cursor: q.cursor}
	for _, it := range q.items {
		switch it.priority {
		case priorityForce:
			stats.Force++
		case priorityRequest:
			stats.Request++
		default:
			stats.Preload++
		}
	}
	return stats
}

// requestItem is a queued index with its heap ordering keys.
type requestItem struct {
	index    int
	priority int
	seq      uint64 // For FIFO ordering within same priority
}

// requestHeap implements heap.Interface.
// Higher priority items come first. Equal priorities use FIFO (lower seq first).
type requestHeap []*requestItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*requestItem))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	*h = old[0 : n-1]
	return item
}
