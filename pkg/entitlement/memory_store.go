package entitlement

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store and TrialLedger. Records are cloned on
// the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	record      *Entitlement
	trialUsedAt time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(_ context.Context) (*Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, e *Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = e.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	return nil
}

func (s *MemoryStore) TrialUsed(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.trialUsedAt.IsZero(), nil
}

func (s *MemoryStore) MarkTrialUsed(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trialUsedAt.IsZero() {
		s.trialUsedAt = at
	}
	return nil
}
