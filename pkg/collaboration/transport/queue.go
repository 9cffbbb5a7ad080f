package transport

import "sync"

// Queue is a bounded FIFO of outgoing messages. When full, the oldest
// message is evicted to make room.
type Queue struct {
	mu      sync.Mutex
	items   [][]byte
	limit   int
	dropped uint64
}

// NewQueue creates a queue holding at most limit messages.
func NewQueue(limit int) *Queue {
	if limit < 1 {
		limit = 1
	}
	return &Queue{limit: limit}
}

// Push appends data, reporting whether an older message was evicted.
func (q *Queue) Push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.limit {
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, data)
	return evicted
}

// PushFront returns a message to the head of the queue after a failed
// write. If the queue filled up in the meantime, the message is dropped.
func (q *Queue) PushFront(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.limit {
		q.dropped++
		return false
	}
	q.items = append([][]byte{data}, q.items...)
	return true
}

// Pop removes the oldest message.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	data := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return data, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages were evicted or discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
