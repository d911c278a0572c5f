package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (symbol, collateral_asset, funding_rate_bps, last_funding_update, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (symbol) DO UPDATE
		 SET funding_rate_bps = EXCLUDED.funding_rate_bps,
		     last_funding_update = EXCLUDED.last_funding_update`,
		inst.Symbol, inst.CollateralAsset,
		inst.FundingRateBps.String(),
		inst.LastFundingUpdate, inst.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	var inst model.Instrument
	var rate string

	err := s.pool.QueryRow(ctx,
		`SELECT symbol, collateral_asset, funding_rate_bps::TEXT, last_funding_update, created_at
		 FROM instruments WHERE symbol = $1`, symbol).
		Scan(&inst.Symbol, &inst.CollateralAsset, &rate,
			&inst.LastFundingUpdate, &inst.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", symbol, err)
	}

	inst.FundingRateBps, _ = decimal.NewFromString(rate)
	return &inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, collateral_asset, funding_rate_bps::TEXT, last_funding_update, created_at
		 FROM instruments ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		var rate string
		if err := rows.Scan(&inst.Symbol, &inst.CollateralAsset, &rate,
			&inst.LastFundingUpdate, &inst.CreatedAt); err != nil {
			return nil, err
		}
		inst.FundingRateBps, _ = decimal.NewFromString(rate)
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

func (s *PostgresStore) AppendJournal(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries
		 (id, position_id, owner, instrument, kind, side, size, price, collateral_delta, realized_pnl, fee, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		e.ID, e.PositionID, e.Owner, e.Instrument, e.Kind, e.Side,
		e.Size.String(), e.Price.String(), e.CollateralDelta.String(),
		e.RealizedPnL.String(), e.Fee.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) JournalByPosition(ctx context.Context, positionID uint64) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, owner, instrument, kind, side,
		        size::TEXT, price::TEXT, collateral_delta::TEXT, realized_pnl::TEXT, fee::TEXT, timestamp
		 FROM journal_entries WHERE position_id = $1 ORDER BY timestamp`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

func (s *PostgresStore) JournalByOwner(ctx context.Context, owner string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, owner, instrument, kind, side,
		        size::TEXT, price::TEXT, collateral_delta::TEXT, realized_pnl::TEXT, fee::TEXT, timestamp
		 FROM journal_entries WHERE owner = $1 ORDER BY timestamp`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

// scanJournalEntries reads pgx rows into JournalEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanJournalEntries(rows pgxRows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var sizeS, priceS, deltaS, pnlS, feeS string

		if err := rows.Scan(&e.ID, &e.PositionID, &e.Owner, &e.Instrument, &e.Kind, &e.Side,
			&sizeS, &priceS, &deltaS, &pnlS, &feeS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Size, _ = decimal.NewFromString(sizeS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.CollateralDelta, _ = decimal.NewFromString(deltaS)
		e.RealizedPnL, _ = decimal.NewFromString(pnlS)
		e.Fee, _ = decimal.NewFromString(feeS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
