package tasks

import (
	"container/heap"
	"context"
	"sync"
)

// buffer is the waiting room of a queue. pop blocks until an item is
// available or ctx is done.
type buffer[T any] interface {
	push(v T)
	tryPop() (T, bool)
	pop(ctx context.Context) (T, bool)
	len() int
}

// signal is a one-slot wake-up channel shared by both buffer kinds.
type signal chan struct{}

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}

type fifo[T any] struct {
	mu    sync.Mutex
	items []T
	wake  signal
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{wake: make(signal, 1)}
}

func (f *fifo[T]) push(v T) {
	f.mu.Lock()
	f.items = append(f.items, v)
	f.mu.Unlock()
	f.wake.notify()
}

func (f *fifo[T]) tryPop() (T, bool) {
	var zero T

	f.mu.Lock()
	if len(f.items) == 0 {
		f.mu.Unlock()
		return zero, false
	}
	v := f.items[0]
	f.items[0] = zero
	f.items = f.items[1:]
	rest := len(f.items)
	f.mu.Unlock()

	if rest > 0 {
		f.wake.notify()
	}
	return v, true
}

func (f *fifo[T]) pop(ctx context.Context) (T, bool) {
	return blockingPop[T](ctx, f.tryPop, f.wake)
}

func (f *fifo[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type heapEntry[T any] struct {
	v   T
	seq uint64
}

// entries orders by less, then by insertion so equal priorities stay FIFO.
type entries[T any] struct {
	items []heapEntry[T]
	less  func(a, b T) bool
}

func (h *entries[T]) Len() int { return len(h.items) }

func (h *entries[T]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.v, b.v) {
		return true
	}
	if h.less(b.v, a.v) {
		return false
	}
	return a.seq < b.seq
}

func (h *entries[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *entries[T]) Push(x any) { h.items = append(h.items, x.(heapEntry[T])) }

func (h *entries[T]) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items[n-1] = heapEntry[T]{}
	h.items = h.items[:n-1]
	return x
}

type ordered[T any] struct {
	mu   sync.Mutex
	h    *entries[T]
	seq  uint64
	wake signal
}

func newOrdered[T any](less func(a, b T) bool) *ordered[T] {
	return &ordered[T]{h: &entries[T]{less: less}, wake: make(signal, 1)}
}

func (o *ordered[T]) push(v T) {
	o.mu.Lock()
	o.seq++
	heap.Push(o.h, heapEntry[T]{v: v, seq: o.seq})
	o.mu.Unlock()
	o.wake.notify()
}

func (o *ordered[T]) tryPop() (T, bool) {
	o.mu.Lock()
	if o.h.Len() == 0 {
		o.mu.Unlock()
		var zero T
		return zero, false
	}
	e := heap.Pop(o.h).(heapEntry[T])
	rest := o.h.Len()
	o.mu.Unlock()

	if rest > 0 {
		o.wake.notify()
	}
	return e.v, true
}

func (o *ordered[T]) pop(ctx context.Context) (T, bool) {
	return blockingPop[T](ctx, o.tryPop, o.wake)
}

func (o *ordered[T]) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.h.Len()
}

func blockingPop[T any](ctx context.Context, try func() (T, bool), wake signal) (T, bool) {
	for {
		if v, ok := try(); ok {
			return v, true
		}
		select {
		case <-wake:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}
