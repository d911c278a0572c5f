// Package liquidation implements the under-margin predicate for leveraged
// positions. The functions are pure: every input — position, price,
// maintenance rate — is passed explicitly, so a check and the liquidation
// that follows it can share one pinned price read and never disagree.
package liquidation

import (
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/fpmath"
	"github.com/perpx/perp-engine/internal/model"
)

// EffectiveCollateral is the position's collateral plus unrealized PnL at
// the given price, floored at zero.
func EffectiveCollateral(pos *model.Position, price decimal.Decimal) decimal.Decimal {
	eff := pos.Collateral.Add(fpmath.PnL(pos.Size, pos.EntryPrice, price, pos.Side))
	if eff.Sign() < 0 {
		return decimal.Zero
	}
	return eff
}

// RequiredMaintenance is the minimum collateral the position must hold at
// the given price to stay open.
func RequiredMaintenance(pos *model.Position, price, maintBps decimal.Decimal) decimal.Decimal {
	return fpmath.RequiredMargin(fpmath.Notional(pos.Size, price), maintBps)
}

// IsLiquidatable reports whether the position is under-margined at the
// given price: effective collateral strictly below required maintenance
// margin. A position exactly at its maintenance margin is not liquidatable.
func IsLiquidatable(pos *model.Position, price, maintBps decimal.Decimal) bool {
	return EffectiveCollateral(pos, price).LessThan(RequiredMaintenance(pos, price, maintBps))
}

// Price returns the price at which the position becomes liquidatable.
func Price(pos *model.Position, maintBps decimal.Decimal) decimal.Decimal {
	return fpmath.LiquidationPrice(pos.Size, pos.Collateral, pos.EntryPrice, maintBps, pos.Side)
}
