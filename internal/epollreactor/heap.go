package epollreactor

import "time"

// timedEntry is one fd's pending deadline, grounded on xtaci/gaio's
// timedHeap (a container/heap min-heap ordered by deadline, indexed so
// heap.Fix/heap.Remove can operate in O(log n) when a registration is torn
// down before its deadline elapses).
type timedEntry struct {
	deadline time.Time
	fd       int
	idx      int
}

type timedHeap []*timedEntry

func (h timedHeap) Len() int            { return len(h) }
func (h timedHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timedHeap) Push(x interface{}) {
	e := x.(*timedEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *timedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}
