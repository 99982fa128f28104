package quota

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	limits map[string]Limits
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{limits: make(map[string]Limits)}
}

func (s *MemoryStorage) Limits(ctx context.Context, callerID string) (Limits, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[callerID]
	return l, ok, nil
}

func (s *MemoryStorage) SetLimits(ctx context.Context, callerID string, limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[callerID] = limits
	return nil
}
