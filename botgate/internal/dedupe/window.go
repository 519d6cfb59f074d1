// Package dedupe keeps a bounded window of recently seen event ids.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Window records event ids. An id present in the window is reported as a
// duplicate; once capacity is exceeded the oldest id is evicted and may be
// seen again.
type Window interface {
	// Seen inserts id and reports whether it was already present.
	Seen(ctx context.Context, id string, at time.Time) (bool, error)
	Close() error
}

type entry struct {
	id string
	at time.Time
}

// MemoryWindow is an in-process Window ordered by insertion.
type MemoryWindow struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func NewMemoryWindow(capacity int) *MemoryWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryWindow{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (w *MemoryWindow) Seen(_ context.Context, id string, at time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.index[id]; ok {
		return true, nil
	}

	w.index[id] = w.order.PushBack(entry{id: id, at: at})
	for w.order.Len() > w.capacity {
		oldest := w.order.Front()
		w.order.Remove(oldest)
		delete(w.index, oldest.Value.(entry).id)
	}
	return false, nil
}

// ArrivedAt returns when id entered the window.
func (w *MemoryWindow) ArrivedAt(id string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.index[id]
	if !ok {
		return time.Time{}, false
	}
	return e.Value.(entry).at, true
}

func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *MemoryWindow) Close() error {
	return nil
}
