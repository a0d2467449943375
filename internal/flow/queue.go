package flow

import (
	"container/heap"
	"slices"
	"time"
)

type entry struct {
	id      string
	score   float64
	created time.Time
	index   int
}

// before orders entries by WSJF descending, then earliest creation, then id.
func before(a, b *entry) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return a.id < b.id
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return before(h[i], h[j]) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// queue holds admitted, not yet dequeued items. wip counts queued items plus
// dequeued items that have not reached DONE or FAILED.
type queue struct {
	id       string
	wipLimit int
	wip      int
	entries  entryHeap
	byID     map[string]*entry
}

func newQueue(id string, wipLimit int) *queue {
	return &queue{id: id, wipLimit: wipLimit, byID: make(map[string]*entry)}
}

func (q *queue) full() bool { return q.wip >= q.wipLimit }

func (q *queue) push(e *entry) {
	heap.Push(&q.entries, e)
	q.byID[e.id] = e
}

func (q *queue) pop() *entry {
	if len(q.entries) == 0 {
		return nil
	}
	e := heap.Pop(&q.entries).(*entry)
	delete(q.byID, e.id)
	return e
}

func (q *queue) remove(id string) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.entries, e.index)
	delete(q.byID, id)
	return true
}

func (q *queue) top() *entry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// lowest returns the entry that would be dequeued last.
func (q *queue) lowest() *entry {
	var low *entry
	for _, e := range q.entries {
		if low == nil || before(low, e) {
			low = e
		}
	}
	return low
}

func (q *queue) ordered() []*entry {
	out := slices.Clone([]*entry(q.entries))
	slices.SortFunc(out, func(a, b *entry) int {
		if before(a, b) {
			return -1
		}
		if before(b, a) {
			return 1
		}
		return 0
	})
	return out
}
