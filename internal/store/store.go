// Package store defines the persistence interface for the perp engine's
// audit journal and instrument registry. Implementations include PostgreSQL
// (source of truth), Redis (read-through cache), and in-memory (for
// testing).
//
// The journal is reporting-grade history: the ledger's in-memory state plus
// custody are the atomic pair, and journal writes happen after an operation
// has committed.
package store

import (
	"context"

	"github.com/perpx/perp-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Instrument registry ---

	// UpsertInstrument persists an instrument and its funding state.
	UpsertInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by symbol.
	GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns all instruments.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// --- Immutable journal ---

	// AppendJournal appends an immutable operation record.
	AppendJournal(ctx context.Context, entry *model.JournalEntry) error

	// JournalByPosition returns all records for a position.
	JournalByPosition(ctx context.Context, positionID uint64) ([]model.JournalEntry, error)

	// JournalByOwner returns all records for an owner.
	JournalByOwner(ctx context.Context, owner string) ([]model.JournalEntry, error)
}
