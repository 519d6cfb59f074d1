package gateway

import (
	"container/list"
	"sync"
)

type outboundItem struct {
	id   uint64
	data []byte
}

// OutboundQueue buffers encoded reply frames until the session is Ready.
// When full, the oldest frame is dropped to make room.
type OutboundQueue struct {
	mu      sync.Mutex
	items   *list.List
	limit   int
	nextID  uint64
	dropped uint64
}

func NewOutboundQueue(limit int) *OutboundQueue {
	if limit <= 0 {
		limit = 1
	}
	return &OutboundQueue{items: list.New(), limit: limit}
}

// Push appends data and reports whether an older frame was dropped.
func (q *OutboundQueue) Push(data []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.limit {
		q.items.Remove(q.items.Front())
		q.dropped++
		dropped = true
	}
	q.nextID++
	q.items.PushBack(outboundItem{id: q.nextID, data: data})
	return dropped
}

// Front returns the oldest frame without removing it.
func (q *OutboundQueue) Front() (id uint64, data []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.items.Front()
	if e == nil {
		return 0, nil, false
	}
	item := e.Value.(outboundItem)
	return item.id, item.data, true
}

// Ack removes the frame with the given id if it is still at the front.
// A frame dropped while it was being written is not removed twice.
func (q *OutboundQueue) Ack(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e := q.items.Front(); e != nil && e.Value.(outboundItem).id == id {
		q.items.Remove(e)
	}
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Dropped returns how many frames have been discarded since creation.
func (q *OutboundQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
