// Package notify is a small observer list. Handlers run synchronously in
// registration order on the notifying goroutine.
package notify

import "sync"

type Set[T any] struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]func(T)
	order    []uint64
}

// Add registers fn and returns the function that removes it. Calling the
// remover more than once is harmless.
func (s *Set[T]) Add(fn func(T)) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[uint64]func(T))
	}
	id := s.next
	s.next++
	s.handlers[id] = fn
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Notify calls every handler with v. Handlers may add or remove entries.
func (s *Set[T]) Notify(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.handlers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Set[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.handlers)
	s.order = nil
}
