package crawler

// DefaultMaxDepth bounds how far below a root the traversal descends.
const DefaultMaxDepth = 10

// Frontier is the breadth-first queue for one root. The visited set is
// shared with every other frontier of the same run.
type Frontier struct {
	visited  VisitTracker
	maxDepth int
	items    []Item
	head     int
}

// NewFrontier returns an empty frontier. A non-positive maxDepth selects
// DefaultMaxDepth.
func NewFrontier(visited VisitTracker, maxDepth int) *Frontier {
	if visited == nil {
		visited = NewVisitTracker()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Frontier{visited: visited, maxDepth: maxDepth}
}

// EnqueueIfNew queues url unless it was already visited in this run or lies
// deeper than the configured maximum. The URL is marked visited immediately
// so no other worker picks it up while the fetch is in flight.
func (f *Frontier) EnqueueIfNew(url string, parentID, predecessor *string, depth int) bool {
	if depth > f.maxDepth {
		return false
	}
	if !f.visited.MarkIfNew(url) {
		return false
	}
	f.items = append(f.items, Item{
		URL:         url,
		ParentID:    parentID,
		Predecessor: predecessor,
		Depth:       depth,
	})
	return true
}

// Next pops the oldest queued item.
func (f *Frontier) Next() (Item, bool) {
	if f.head >= len(f.items) {
		return Item{}, false
	}
	item := f.items[f.head]
	f.items[f.head] = Item{}
	f.head++
	if f.head == len(f.items) {
		f.items = f.items[:0]
		f.head = 0
	}
	return item, true
}

// Len returns the number of queued items.
func (f *Frontier) Len() int {
	return len(f.items) - f.head
}
