package local

import (
	"sync"

	"github.com/DoyleJ11/buzzer/internal/notify"
)

// Storage is a process-wide key/value area with change notification per key.
// Every write bumps a revision; watchers are told a key changed and read the
// latest value themselves.
type Storage struct {
	mu       sync.Mutex
	items    map[string][]byte
	rev      uint64
	watchers map[string]*notify.Set[string]
}

func NewStorage() *Storage {
	return &Storage{
		items:    make(map[string][]byte),
		watchers: make(map[string]*notify.Set[string]),
	}
}

// Get returns the value, the storage revision it was read at, and whether
// the key exists.
func (s *Storage) Get(key string) ([]byte, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, s.rev, ok
}

// Update applies fn atomically. fn returns keep=false to delete the key.
// Watchers are notified after the lock is released.
func (s *Storage) Update(key string, fn func(old []byte, ok bool) (next []byte, keep bool, err error)) error {
	s.mu.Lock()
	old, ok := s.items[key]
	next, keep, err := fn(old, ok)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if keep {
		s.items[key] = next
	} else {
		delete(s.items, key)
	}
	s.rev++
	w := s.watchers[key]
	s.mu.Unlock()

	if w != nil {
		w.Notify(key)
	}
	return nil
}

func (s *Storage) Set(key string, value []byte) {
	_ = s.Update(key, func([]byte, bool) ([]byte, bool, error) { return value, true, nil })
}

func (s *Storage) Delete(key string) {
	_ = s.Update(key, func([]byte, bool) ([]byte, bool, error) { return nil, false, nil })
}

func (s *Storage) Watch(key string, fn func(key string)) func() {
	s.mu.Lock()
	w := s.watchers[key]
	if w == nil {
		w = &notify.Set[string]{}
		s.watchers[key] = w
	}
	s.mu.Unlock()
	return w.Add(fn)
}

func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
