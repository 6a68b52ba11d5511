package sequencing

type entry[T any] struct {
	seq   uint64
	value T
	skip  bool // consumed upstream; advances the gate without delivery
}

// minHeap orders entries by arrival sequence. It implements heap.Interface.
type minHeap[T any] []entry[T]

func (h minHeap[T]) Len() int           { return len(h) }
func (h minHeap[T]) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h minHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap[T]) Push(x any) { *h = append(*h, x.(entry[T])) }

func (h *minHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	var zero entry[T]
	old[n-1] = zero
	*h = old[:n-1]
	return e
}

func (h minHeap[T]) peek() (entry[T], bool) {
	if len(h) == 0 {
		var zero entry[T]
		return zero, false
	}
	return h[0], true
}
