package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/perpx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	journal     []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
	}
}

func (s *MemoryStore) UpsertInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *inst
	s.instruments[inst.Symbol] = &cp
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("instrument %s not found", symbol)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instruments := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		instruments = append(instruments, *inst)
	}
	return instruments, nil
}

func (s *MemoryStore) AppendJournal(_ context.Context, entry *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *entry)
	return nil
}

func (s *MemoryStore) JournalByPosition(_ context.Context, positionID uint64) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.PositionID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) JournalByOwner(_ context.Context, owner string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Owner == owner {
			result = append(result, e)
		}
	}
	return result, nil
}
