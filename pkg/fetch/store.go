package fetch

import (
	"context"
	"sync"
)

// Store persists responses by fingerprint. Entries never expire and the
// first write for a fingerprint wins.
// Get reports ok == false on a miss; an error is a storage failure, not a miss.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Response, bool, error)
	Set(ctx context.Context, fingerprint string, resp *Response) error
}

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Response
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Response)}
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint string) (*Response, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	// return copy to avoid race on mutation outside lock
	return &Response{Status: r.Status, Body: append([]byte(nil), r.Body...)}, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, fingerprint string, resp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[fingerprint]; ok {
		return nil
	}
	s.entries[fingerprint] = Response{Status: resp.Status, Body: append([]byte(nil), resp.Body...)}
	return nil
}

// Len returns the number of cached responses.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
