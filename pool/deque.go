package pool

import (
	"container/list"
	"sync"
)

// deque is a mutex-protected double-ended queue. Each store in the pool is
// independently thread-safe; the pool's RWMutex only orders operations that
// must see both stores consistently.
type deque[T comparable] struct {
	mu    sync.Mutex
	items *list.List
}

func newDeque[T comparable]() *deque[T] {
	return &deque[T]{items: list.New()}
}

func (d *deque[T]) pushFront(v T) {
	d.mu.Lock()
	d.items.PushFront(v)
	d.mu.Unlock()
}

func (d *deque[T]) pushBack(v T) {
	d.mu.Lock()
	d.items.PushBack(v)
	d.mu.Unlock()
}

func (d *deque[T]) popFront() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	e := d.items.Front()
	if e == nil {
		return zero, false
	}
	return d.items.Remove(e).(T), true
}

// remove deletes the first element equal to v and reports whether it was found.
func (d *deque[T]) remove(v T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for e := d.items.Front(); e != nil; e = e.Next() {
		if e.Value.(T) == v {
			d.items.Remove(e)
			return true
		}
	}
	return false
}

// drain removes and returns every element, front to back.
func (d *deque[T]) drain() []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]T, 0, d.items.Len())
	for e := d.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(T))
	}
	d.items.Init()
	return out
}

func (d *deque[T]) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items.Len()
}
