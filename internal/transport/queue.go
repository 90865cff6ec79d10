package transport

// DefaultUnreliableQueue bounds pending unreliable datagrams per peer.
const DefaultUnreliableQueue = 64

// DropQueue is the bounded outbound queue of the unreliable channel. When full,
// the oldest datagram is dropped; nothing is ever retransmitted.
type DropQueue struct {
	max     int
	items   [][]byte
	dropped uint64
}

// NewDropQueue sizes the queue; non-positive sizes select DefaultUnreliableQueue.
func NewDropQueue(max int) *DropQueue {
	if max <= 0 {
		max = DefaultUnreliableQueue
	}
	return &DropQueue{max: max}
}

// Push enqueues data and reports whether an older datagram was dropped.
func (q *DropQueue) Push(data []byte) bool {
	dropped := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, data)
	return dropped
}

// Peek returns the head without removing it.
func (q *DropQueue) Peek() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Pop removes the head.
func (q *DropQueue) Pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head, true
}

// Len returns queued datagrams.
func (q *DropQueue) Len() int { return len(q.items) }

// Bytes returns queued payload bytes.
func (q *DropQueue) Bytes() int {
	total := 0
	for _, it := range q.items {
		total += len(it)
	}
	return total
}

// Dropped returns the number of datagrams discarded for overflow.
func (q *DropQueue) Dropped() uint64 { return q.dropped }
