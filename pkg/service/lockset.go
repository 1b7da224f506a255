package service

import (
	"slices"
	"sync"
)

// lockset hands out one mutex per budget id. Entries are dropped once no
// goroutine holds or waits on them.
type lockset struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockset() *lockset {
	return &lockset{locks: make(map[string]*lockEntry)}
}

// lock acquires the locks for ids in lexical order and returns the release
// function. Duplicate and empty ids are ignored.
func (s *lockset) lock(ids ...string) func() {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, id)
		}
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	entries := make([]*lockEntry, len(keys))
	s.mu.Lock()
	for i, k := range keys {
		e, ok := s.locks[k]
		if !ok {
			e = &lockEntry{}
			s.locks[k] = e
		}
		e.refs++
		entries[i] = e
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		s.mu.Lock()
		for i, k := range keys {
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(s.locks, k)
			}
		}
		s.mu.Unlock()
	}
}

func (s *lockset) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
