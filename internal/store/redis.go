package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.UpsertInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	return nil
}

func (s *CachedStore) AppendJournal(ctx context.Context, entry *model.JournalEntry) error {
	if err := s.primary.AppendJournal(ctx, entry); err != nil {
		return err
	}
	// Invalidate journal caches touched by this entry.
	s.rdb.Del(ctx, positionJournalKey(entry.PositionID), ownerJournalKey(entry.Owner))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(symbol)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	inst, err := s.primary.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}

	s.cacheInstrument(ctx, inst)
	return inst, nil
}

func (s *CachedStore) JournalByPosition(ctx context.Context, positionID uint64) ([]model.JournalEntry, error) {
	data, err := s.rdb.Get(ctx, positionJournalKey(positionID)).Bytes()
	if err == nil {
		var entries []model.JournalEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.JournalByPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, positionJournalKey(positionID), data, s.ttl)
	}
	return entries, nil
}

func (s *CachedStore) JournalByOwner(ctx context.Context, owner string) ([]model.JournalEntry, error) {
	data, err := s.rdb.Get(ctx, ownerJournalKey(owner)).Bytes()
	if err == nil {
		var entries []model.JournalEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.JournalByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, ownerJournalKey(owner), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	if data, err := json.Marshal(inst); err == nil {
		s.rdb.Set(ctx, instrumentKey(inst.Symbol), data, s.ttl)
	}
}

func instrumentKey(symbol string) string { return fmt.Sprintf("instrument:%s", symbol) }
func positionJournalKey(id uint64) string {
	return "journal:position:" + strconv.FormatUint(id, 10)
}
func ownerJournalKey(owner string) string { return fmt.Sprintf("journal:owner:%s", owner) }
