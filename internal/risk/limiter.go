// Package risk implements exposure limits applied before a position is
// opened or increased.
//
// Two limits are enforced: a per-instrument cap on the size of any single
// position, and an aggregate cap on a trader's total notional exposure
// across all instruments. Aggregate exposure is measured at entry prices —
// it bounds what the trader has committed to, not mark-to-market drift.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionTooLarge is returned when a position's size would exceed
	// the per-instrument maximum.
	ErrPositionTooLarge = errors.New("risk: position size exceeds per-instrument limit")

	// ErrExposureLimitExceeded is returned when a trade would push the
	// trader's aggregate notional exposure beyond the allowed maximum.
	ErrExposureLimitExceeded = errors.New("risk: aggregate notional exposure limit exceeded")
)

// Limiter enforces position-size and aggregate-exposure limits.
type Limiter struct {
	// MaxPositionSize is the maximum size of any single position.
	MaxPositionSize decimal.Decimal

	// MaxOwnerNotional is the maximum aggregate entry notional a single
	// owner may hold across all instruments.
	MaxOwnerNotional decimal.Decimal
}

// NewLimiter creates a limiter with the given per-position and aggregate
// exposure limits.
func NewLimiter(maxPositionSize, maxOwnerNotional decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPositionSize:  maxPositionSize,
		MaxOwnerNotional: maxOwnerNotional,
	}
}

// CheckLimit validates whether opening or increasing a position respects
// the configured limits.
//
// Parameters:
//   - sizeAfter: the position's size after the trade
//   - notionalDelta: the entry notional added by the trade
//   - existingNotionals: instrument → current entry notional for this owner
//
// Returns nil if the trade is within limits, or an error describing the
// violation.
func (l *Limiter) CheckLimit(
	sizeAfter, notionalDelta decimal.Decimal,
	existingNotionals map[string]decimal.Decimal,
) error {
	if sizeAfter.GreaterThan(l.MaxPositionSize) {
		return ErrPositionTooLarge
	}

	total := notionalDelta
	for _, n := range existingNotionals {
		total = total.Add(n)
	}
	if total.GreaterThan(l.MaxOwnerNotional) {
		return ErrExposureLimitExceeded
	}

	return nil
}
