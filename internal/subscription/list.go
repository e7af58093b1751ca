package subscription

import (
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	cb     func(T)
	active atomic.Bool
}

// list is an ordered set of callbacks. Removal is synchronous: a removed
// callback is never invoked afterwards, even by a delivery already in flight.
type list[T any] struct {
	mu   sync.Mutex
	subs []*subscriber[T]
}

func (l *list[T]) add(cb func(T)) *subscriber[T] {
	s := &subscriber[T]{cb: cb}
	s.active.Store(true)
	l.mu.Lock()
	l.subs = append(l.subs, s)
	l.mu.Unlock()
	return s
}

// remove reports whether s was still subscribed.
func (l *list[T]) remove(s *subscriber[T]) bool {
	if !s.active.CompareAndSwap(true, false) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, other := range l.subs {
		if other == s {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			break
		}
	}
	return true
}

func (l *list[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *list[T]) snapshot() []*subscriber[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*subscriber[T](nil), l.subs...)
}

// each invokes every active callback in subscription order.
func (l *list[T]) each(v T, invoke func(func(T), T)) {
	for _, s := range l.snapshot() {
		if s.active.Load() {
			invoke(s.cb, v)
		}
	}
}

func call[T any](cb func(T), v T) { cb(v) }
