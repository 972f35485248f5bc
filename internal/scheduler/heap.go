package scheduler

import "time"

// edgeKey identifies one window edge: the ordering window of an opening has
// an independent open and close edge.
type edgeKey struct {
	eventID int64
	edge    EdgeKind
}

type edgeItem struct {
	key edgeKey
	due time.Time
}

// edgeQueue is a min-heap of window edges ordered by due instant, with
// removal and update by key. Ties fire open edges before close edges. The
// queue is owned by the scheduler loop and is not safe for concurrent use.
type edgeQueue struct {
	items    []edgeItem
	position map[edgeKey]int
}

func newEdgeQueue() *edgeQueue {
	return &edgeQueue{position: make(map[edgeKey]int)}
}

func (q *edgeQueue) len() int {
	return len(q.items)
}

func (q *edgeQueue) peek() (edgeItem, bool) {
	if len(q.items) == 0 {
		return edgeItem{}, false
	}
	return q.items[0], true
}

// upsert inserts the edge or moves it to a new due instant.
func (q *edgeQueue) upsert(key edgeKey, due time.Time) {
	if index, ok := q.position[key]; ok {
		q.items[index].due = due
		q.fix(index)
		return
	}
	q.items = append(q.items, edgeItem{key: key, due: due})
	index := len(q.items) - 1
	q.position[key] = index
	q.up(index)
}

// remove drops the edge if present.
func (q *edgeQueue) remove(key edgeKey) {
	index, ok := q.position[key]
	if !ok {
		return
	}
	last := len(q.items) - 1
	q.swap(index, last)
	q.items = q.items[:last]
	delete(q.position, key)
	if index < last {
		q.fix(index)
	}
}

func (q *edgeQueue) pop() (edgeItem, bool) {
	item, ok := q.peek()
	if !ok {
		return edgeItem{}, false
	}
	q.remove(item.key)
	return item, true
}

func (q *edgeQueue) less(a, b int) bool {
	if !q.items[a].due.Equal(q.items[b].due) {
		return q.items[a].due.Before(q.items[b].due)
	}
	return q.items[a].key.edge == EdgeOpen && q.items[b].key.edge == EdgeClose
}

func (q *edgeQueue) swap(a, b int) {
	q.items[a], q.items[b] = q.items[b], q.items[a]
	q.position[q.items[a].key] = a
	q.position[q.items[b].key] = b
}

func (q *edgeQueue) fix(index int) {
	q.down(index)
	q.up(index)
}

func (q *edgeQueue) up(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if !q.less(index, parent) {
			return
		}
		q.swap(index, parent)
		index = parent
	}
}

func (q *edgeQueue) down(index int) {
	for {
		left := 2*index + 1
		if left >= len(q.items) {
			return
		}
		smallest := left
		if right := left + 1; right < len(q.items) && q.less(right, left) {
			smallest = right
		}
		if !q.less(smallest, index) {
			return
		}
		q.swap(index, smallest)
		index = smallest
	}
}
