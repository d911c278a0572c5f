// Package model defines the core domain types shared across the perp engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position.
type Side int

const (
	Long Side = iota
	Short
)

// String returns the wire representation of the side.
func (s Side) String() string {
	if s == Short {
		return "SHORT"
	}
	return "LONG"
}

// ParseSide parses a wire-format side string.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "LONG":
		return Long, true
	case "SHORT":
		return Short, true
	}
	return Long, false
}

// Position is one open leveraged trade. Ownership of the record belongs to
// the ledger; callers receive copies. A position exists iff it is present in
// the ledger's map — there is no sentinel "absent" owner value.
type Position struct {
	ID                 uint64          `json:"id"`
	Owner              string          `json:"owner"`
	Instrument         string          `json:"instrument"`
	Side               Side            `json:"side"`
	Collateral         decimal.Decimal `json:"collateral"`
	Size               decimal.Decimal `json:"size"`
	EntryPrice         decimal.Decimal `json:"entry_price"` // volume-weighted average
	Leverage           decimal.Decimal `json:"leverage"`    // fixed at open time
	LastFundingTime    time.Time       `json:"last_funding_time"`
	AccumulatedFunding decimal.Decimal `json:"accumulated_funding"` // reporting only
	OpenedAt           time.Time       `json:"opened_at"`
}

// Notional returns the position's exposure at its entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// Instrument is a supported trading pair together with its funding state.
// Funding state is updated only by the funding sweep and read by every
// position settlement for the instrument.
type Instrument struct {
	Symbol            string          `json:"symbol" db:"symbol"`
	CollateralAsset   string          `json:"collateral_asset" db:"collateral_asset"`
	FundingRateBps    decimal.Decimal `json:"funding_rate_bps" db:"funding_rate_bps"` // signed
	LastFundingUpdate time.Time       `json:"last_funding_update" db:"last_funding_update"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Params are the process-wide trading parameters. Admin-mutated; every
// operation reads one consistent copy at its start, so in-flight
// calculations never see a mid-operation change.
type Params struct {
	FundingInterval      time.Duration   `json:"funding_interval_ns"`
	FundingRateFactorBps decimal.Decimal `json:"funding_rate_factor_bps"`
	MaintenanceMarginBps decimal.Decimal `json:"maintenance_margin_bps"`
	LiquidationFeeBps    decimal.Decimal `json:"liquidation_fee_bps"`
	TakerFeeBps          decimal.Decimal `json:"taker_fee_bps"`
	MakerFeeBps          decimal.Decimal `json:"maker_fee_bps"`
	MaxLeverage          decimal.Decimal `json:"max_leverage"`

	// OnePositionPerInstrument rejects a second open position for the same
	// (owner, instrument) pair when set.
	OnePositionPerInstrument bool `json:"one_position_per_instrument"`
}

// DefaultParams returns the parameter set used when none is configured.
func DefaultParams() Params {
	return Params{
		FundingInterval:          8 * time.Hour,
		FundingRateFactorBps:     decimal.NewFromInt(10000),
		MaintenanceMarginBps:     decimal.NewFromInt(200), // 2%
		LiquidationFeeBps:        decimal.NewFromInt(100), // 1%
		TakerFeeBps:              decimal.NewFromInt(5),
		MakerFeeBps:              decimal.NewFromInt(2),
		MaxLeverage:              decimal.NewFromInt(50),
		OnePositionPerInstrument: true,
	}
}

// Journal entry kinds.
const (
	JournalOpen        = "open"
	JournalIncrease    = "increase"
	JournalDecrease    = "decrease"
	JournalClose       = "close"
	JournalFunding     = "funding"
	JournalLiquidation = "liquidation"
	JournalShortfall   = "shortfall"
)

// JournalEntry is an immutable record of a committed ledger operation.
// Once written these are never modified or deleted.
type JournalEntry struct {
	ID              string          `json:"id" db:"id"`
	PositionID      uint64          `json:"position_id" db:"position_id"`
	Owner           string          `json:"owner" db:"owner"`
	Instrument      string          `json:"instrument" db:"instrument"`
	Kind            string          `json:"kind" db:"kind"`
	Side            string          `json:"side" db:"side"`
	Size            decimal.Decimal `json:"size" db:"size"`
	Price           decimal.Decimal `json:"price" db:"price"`
	CollateralDelta decimal.Decimal `json:"collateral_delta" db:"collateral_delta"` // signed, trader's view
	RealizedPnL     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Fee             decimal.Decimal `json:"fee" db:"fee"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}
