package store

import "sync"

type section struct {
	mu   sync.Mutex
	refs int
}

// Sections hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits on them.
type Sections struct {
	mu   sync.Mutex
	keys map[string]*section
}

func NewSections() *Sections {
	return &Sections{keys: make(map[string]*section)}
}

// Lock blocks until the caller holds key's section and returns the
// function that releases it.
func (s *Sections) Lock(key string) (unlock func()) {
	s.mu.Lock()
	sec, ok := s.keys[key]
	if !ok {
		sec = &section{}
		s.keys[key] = sec
	}
	sec.refs++
	s.mu.Unlock()

	sec.mu.Lock()
	return func() {
		sec.mu.Unlock()
		s.mu.Lock()
		sec.refs--
		if sec.refs == 0 {
			delete(s.keys, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (s *Sections) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
