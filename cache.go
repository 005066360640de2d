package turnflow

import "sync"

// ResultStore is the run-scoped tool result cache keyed by canonical cache key.
// It is passed into each step explicitly and never shared between runs.
type ResultStore interface {
	Get(key string) (string, bool)
	Put(key, content string)
	Len() int
	Reset()
}

// MemoryStore is the default ResultStore: a mutex-guarded map.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *MemoryStore) Put(key, content string) {
	s.mu.Lock()
	s.m[key] = content
	s.mu.Unlock()
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *MemoryStore) Reset() {
	s.mu.Lock()
	clear(s.m)
	s.mu.Unlock()
}

var _ ResultStore = (*MemoryStore)(nil)
