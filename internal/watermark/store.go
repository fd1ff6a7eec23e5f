package watermark

import (
	"sync"
	"time"
)

// Store holds the last seen update instant per line. Only the poller
// writes it, but the mutex keeps an overlapping slow tick safe.
type Store struct {
	mu   sync.Mutex
	last map[int]time.Time
}

func NewStore() *Store {
	return &Store{last: make(map[int]time.Time)}
}

func (s *Store) Get(line int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.last[line]
	return ts, ok
}

// Advance records ts for line when it is strictly newer than the stored
// watermark and reports whether it advanced. An equal timestamp is "no
// change".
func (s *Store) Advance(line int, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.last[line]; ok && !ts.After(prev) {
		return false
	}
	s.last[line] = ts
	return true
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = make(map[int]time.Time)
}
