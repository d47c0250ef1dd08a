package router

import "sync"

// serial runs posted work one item at a time in post order. The goroutine
// that finds the executor idle drains it; posts made while draining,
// including posts from inside a running item, are appended and run after the
// current item returns. Handlers may therefore call back into their producer
// without deadlocking.
type serial struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (s *serial) post(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
}

func (s *serial) run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		next()

		s.mu.Lock()
	}

	s.running = false
	s.pending = nil
	s.mu.Unlock()
}
