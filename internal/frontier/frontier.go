// Package frontier provides the bounded best-first candidate structures
// used by graph traversal. All containers are value-based and reusable;
// TopK.Sorted returns a newly allocated slice.
package frontier

// Candidate is one frontier entry. Dist is the approximate (PQ) distance
// the candidate was admitted with; the pool never rescores it.
type Candidate struct {
	ID       uint32
	Dist     float32
	Expanded bool
}

// less orders candidates by distance, ties broken by smaller id.
func less(a, b Candidate) bool {
	if a.Dist != b.Dist {
		return a.Dist < b.Dist
	}
	return a.ID < b.ID
}

// Pool is a bounded candidate list kept sorted by (distance, id). Insert
// keeps the best `capacity` candidates; worse ones fall off the end.
// Duplicate suppression is the caller's job (the visited set).
type Pool struct {
	cands    []Candidate
	capacity int
}

// NewPool creates a pool that retains the best capacity candidates.
func NewPool(capacity int) *Pool {
	return &Pool{
		cands:    make([]Candidate, 0, capacity+1),
		capacity: capacity,
	}
}

// Reset clears the pool and sets a new capacity, reusing memory.
func (p *Pool) Reset(capacity int) {
	if cap(p.cands) < capacity+1 {
		p.cands = make([]Candidate, 0, capacity+1)
	}
	p.cands = p.cands[:0]
	p.capacity = capacity
}

// Insert adds a candidate, keeping the pool sorted and bounded.
// Returns the insertion index, or -1 if the candidate was not admitted.
func (p *Pool) Insert(id uint32, dist float32) int {
	c := Candidate{ID: id, Dist: dist}
	n := len(p.cands)
	if n == p.capacity && !less(c, p.cands[n-1]) {
		return -1
	}

	// binary search for the insertion point
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if less(p.cands[mid], c) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	p.cands = append(p.cands, Candidate{})
	copy(p.cands[lo+1:], p.cands[lo:])
	p.cands[lo] = c
	if len(p.cands) > p.capacity {
		p.cands = p.cands[:p.capacity]
		if lo >= p.capacity {
			return -1
		}
	}
	return lo
}

// Len returns the number of candidates in the pool.
func (p *Pool) Len() int { return len(p.cands) }

// At returns the i-th best candidate.
func (p *Pool) At(i int) Candidate { return p.cands[i] }

// MarkExpanded flags the i-th candidate as expanded.
func (p *Pool) MarkExpanded(i int) { p.cands[i].Expanded = true }

// FirstUnexpanded returns the index of the best unexpanded candidate at
// or after from, or -1 if every candidate is expanded.
func (p *Pool) FirstUnexpanded(from int) int {
	for i := from; i < len(p.cands); i++ {
		if !p.cands[i].Expanded {
			return i
		}
	}
	return -1
}

// Item is a scored vertex used by the heap containers.
type Item struct {
	ID   uint32
	Dist float32
}

func itemLess(a, b Item) bool {
	if a.Dist != b.Dist {
		return a.Dist < b.Dist
	}
	return a.ID < b.ID
}

// Less reports whether a orders before b: by distance, ties by id.
func Less(a, b Item) bool { return itemLess(a, b) }

// MinHeap is a binary min-heap of Items ordered by (distance, id).
// It does not implement container/heap to avoid interface overhead.
type MinHeap struct {
	items []Item
}

// Push inserts an item.
func (h *MinHeap) Push(it Item) {
	h.items = append(h.items, it)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !itemLess(h.items[i], h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

// Pop removes and returns the smallest item.
func (h *MinHeap) Pop() (Item, bool) {
	n := len(h.items)
	if n == 0 {
		return Item{}, false
	}
	top := h.items[0]
	h.items[0] = h.items[n-1]
	h.items = h.items[:n-1]
	h.siftDown(0)
	return top, true
}

// Top returns the smallest item without removing it.
func (h *MinHeap) Top() (Item, bool) {
	if len(h.items) == 0 {
		return Item{}, false
	}
	return h.items[0], true
}

// Len returns the number of items in the heap.
func (h *MinHeap) Len() int { return len(h.items) }

// Reset clears the heap, keeping capacity.
func (h *MinHeap) Reset() { h.items = h.items[:0] }

func (h *MinHeap) siftDown(i int) {
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		child := left
		if right := left + 1; right < n && itemLess(h.items[right], h.items[left]) {
			child = right
		}
		if !itemLess(h.items[child], h.items[i]) {
			return
		}
		h.items[i], h.items[child] = h.items[child], h.items[i]
		i = child
	}
}

// TopK keeps the k smallest items seen so far, worst at the root.
type TopK struct {
	k     int
	items []Item
}

// NewTopK creates a bounded collector for the k best items.
func NewTopK(k int) *TopK {
	return &TopK{k: k, items: make([]Item, 0, k)}
}

// Push offers an item; it is kept only if it beats the current worst.
func (t *TopK) Push(it Item) {
	if len(t.items) < t.k {
		t.items = append(t.items, it)
		i := len(t.items) - 1
		for i > 0 {
			parent := (i - 1) / 2
			if !itemLess(t.items[parent], t.items[i]) {
				break
			}
			t.items[i], t.items[parent] = t.items[parent], t.items[i]
			i = parent
		}
		return
	}
	if t.k == 0 || !itemLess(it, t.items[0]) {
		return
	}
	t.items[0] = it
	// sift the new root down
	i := 0
	n := len(t.items)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		child := left
		if right := left + 1; right < n && itemLess(t.items[left], t.items[right]) {
			child = right
		}
		if !itemLess(t.items[i], t.items[child]) {
			return
		}
		t.items[i], t.items[child] = t.items[child], t.items[i]
		i = child
	}
}

// Worst returns the current worst retained item.
func (t *TopK) Worst() (Item, bool) {
	if len(t.items) == 0 {
		return Item{}, false
	}
	return t.items[0], true
}

// Full reports whether k items are retained.
func (t *TopK) Full() bool { return len(t.items) >= t.k }

// Sorted extracts the retained items ordered best-first. The collector is
// drained afterwards.
func (t *TopK) Sorted() []Item {
	out := make([]Item, len(t.items))
	for i := len(t.items) - 1; i >= 0; i-- {
		n := len(t.items)
		out[i] = t.items[0]
		t.items[0] = t.items[n-1]
		t.items = t.items[:n-1]
		// restore max-heap order
		j := 0
		for {
			left := 2*j + 1
			if left >= len(t.items) {
				break
			}
			child := left
			if right := left + 1; right < len(t.items) && itemLess(t.items[left], t.items[right]) {
				child = right
			}
			if !itemLess(t.items[j], t.items[child]) {
				break
			}
			t.items[j], t.items[child] = t.items[child], t.items[j]
			j = child
		}
	}
	return out
}
