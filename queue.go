package kurir

// PriorityQueue is an ordered waiting list. Entries drain in descending
// priority; equal priorities keep arrival order. It is not safe for
// concurrent use; the Scheduler guards it with its own lock.
type PriorityQueue[T any] struct {
	entries []queueEntry[T]
}

type queueEntry[T any] struct {
	id       string
	priority int
	value    T
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

// Enqueue inserts id before the first entry with a lower priority, or
// appends it.
func (q *PriorityQueue[T]) Enqueue(id string, priority int, value T) {
	entry := queueEntry[T]{id: id, priority: priority, value: value}
	for i, e := range q.entries {
		if e.priority < priority {
			q.entries = append(q.entries, queueEntry[T]{})
			copy(q.entries[i+1:], q.entries[i:])
			q.entries[i] = entry
			return
		}
	}
	q.entries = append(q.entries, entry)
}

// Dequeue removes and returns the front entry; ok is false when empty.
func (q *PriorityQueue[T]) Dequeue() (id string, value T, ok bool) {
	if len(q.entries) == 0 {
		return "", value, false
	}
	front := q.entries[0]
	q.entries[0] = queueEntry[T]{}
	q.entries = q.entries[1:]
	return front.id, front.value, true
}

// Peek returns the front entry without removing it.
func (q *PriorityQueue[T]) Peek() (id string, priority int, ok bool) {
	if len(q.entries) == 0 {
		return "", 0, false
	}
	return q.entries[0].id, q.entries[0].priority, true
}

// Remove deletes the entry with the given id.
func (q *PriorityQueue[T]) Remove(id string) (value T, ok bool) {
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e.value, true
		}
	}
	return value, false
}

// Get returns the value stored for id.
func (q *PriorityQueue[T]) Get(id string) (value T, ok bool) {
	for _, e := range q.entries {
		if e.id == id {
			return e.value, true
		}
	}
	return value, false
}

// Contains reports whether id is waiting.
func (q *PriorityQueue[T]) Contains(id string) bool {
	_, ok := q.Get(id)
	return ok
}

// Len returns the number of waiting entries.
func (q *PriorityQueue[T]) Len() int {
	return len(q.entries)
}

// IDs returns waiting ids in drain order.
func (q *PriorityQueue[T]) IDs() []string {
	ids := make([]string, len(q.entries))
	for i, e := range q.entries {
		ids[i] = e.id
	}
	return ids
}

// Clear removes every entry and returns their values in drain order.
func (q *PriorityQueue[T]) Clear() []T {
	values := make([]T, len(q.entries))
	for i, e := range q.entries {
		values[i] = e.value
	}
	q.entries = nil
	return values
}
