// Package fpmath implements the pricing and solvency arithmetic for
// leveraged perpetual positions: notional value, required margin, signed
// PnL, funding rate, funding payment, and liquidation price.
//
// All monetary values use shopspring/decimal — never float64 for money —
// rounded to a fixed scale of 8 fractional digits. Rate quantities are
// basis points (1/10000). Decimal arithmetic is arbitrary-precision, so
// intermediate results cannot silently wrap; the only hard failures are
// precondition violations (zero index price, zero size), which panic.
package fpmath

import (
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/model"
)

// MoneyScale is the number of decimal places for monetary rounding.
const MoneyScale int32 = 8

var bpsDenominator = decimal.NewFromInt(10000)

// Notional returns the exposure of size units at the given price.
// size must be positive: a zero-size notional is a caller bug.
func Notional(size, price decimal.Decimal) decimal.Decimal {
	if size.Sign() <= 0 {
		panic("fpmath: notional of non-positive size")
	}
	return size.Mul(price).Round(MoneyScale)
}

// RequiredMargin converts a notional exposure and a basis-point rate into
// a margin requirement: notional * rateBps / 10000.
func RequiredMargin(notional, rateBps decimal.Decimal) decimal.Decimal {
	return notional.Mul(rateBps).Div(bpsDenominator).Round(MoneyScale)
}

// InitialMargin is the collateral required to carry a notional exposure at
// the requested leverage.
func InitialMargin(notional, leverage decimal.Decimal) decimal.Decimal {
	if leverage.Sign() <= 0 {
		panic("fpmath: non-positive leverage")
	}
	return notional.Div(leverage).Round(MoneyScale)
}

// PnL returns the signed profit of closing size units entered at entryPrice
// against currentPrice. Long profits when current > entry; Short profits
// when entry > current.
func PnL(size, entryPrice, currentPrice decimal.Decimal, side model.Side) decimal.Decimal {
	delta := currentPrice.Sub(entryPrice)
	if side == model.Short {
		delta = delta.Neg()
	}
	return size.Mul(delta).Round(MoneyScale)
}

// FundingRate derives the signed funding rate, in basis points, from the
// mark/index divergence:
//
//	rate = (mark - index) * factorBps / index
//
// A positive rate means the market trades above its index (longs pay);
// a negative rate means it trades below (shorts pay). index must be
// non-zero — a zero index price is a feed bug, not a market condition.
func FundingRate(mark, index, factorBps decimal.Decimal) decimal.Decimal {
	if index.IsZero() {
		panic("fpmath: funding rate with zero index price")
	}
	return mark.Sub(index).Mul(factorBps).Div(index).Round(MoneyScale)
}

// FundingPayment returns the signed amount a position owes for one funding
// settlement at rateBps: size * rate / 10000. Positive means the position
// pays (collateral is debited); negative means it receives. The sign
// convention is load-bearing — it decides the transfer direction:
// Long pays when the rate is positive, Short pays when it is negative.
func FundingPayment(size, rateBps decimal.Decimal, side model.Side) decimal.Decimal {
	payment := size.Mul(rateBps).Div(bpsDenominator).Round(MoneyScale)
	if side == model.Short {
		payment = payment.Neg()
	}
	return payment
}

// EntryPriceAfterIncrease returns the size-weighted average entry price
// after adding addSize units at price to an existing position.
func EntryPriceAfterIncrease(oldEntry, oldSize, price, addSize decimal.Decimal) decimal.Decimal {
	newSize := oldSize.Add(addSize)
	if newSize.Sign() <= 0 {
		panic("fpmath: entry price over non-positive size")
	}
	weighted := oldEntry.Mul(oldSize).Add(price.Mul(addSize))
	return weighted.Div(newSize).Round(MoneyScale)
}

// LiquidationPrice solves for the price at which effective collateral
// equals the required maintenance margin.
//
// For a Long the position liquidates as the price falls:
//
//	collateral + size*(P - entry) = maintBps/10000 * size * P
//	P = (size*entry - collateral) / (size * (1 - m))
//
// and the result is floored at zero (a Long with collateral exceeding its
// entry notional can never be liquidated by price alone). For a Short the
// position liquidates as the price rises:
//
//	collateral + size*(entry - P) = maintBps/10000 * size * P
//	P = (collateral + size*entry) / (size * (1 + m))
//
// which is strictly above the entry price for any solvent position.
func LiquidationPrice(size, collateral, entryPrice, maintBps decimal.Decimal, side model.Side) decimal.Decimal {
	if size.Sign() <= 0 {
		panic("fpmath: liquidation price of non-positive size")
	}
	m := maintBps.Div(bpsDenominator)
	one := decimal.NewFromInt(1)

	if side == model.Long {
		numer := size.Mul(entryPrice).Sub(collateral)
		denom := size.Mul(one.Sub(m))
		price := numer.Div(denom).Round(MoneyScale)
		if price.Sign() < 0 {
			return decimal.Zero
		}
		return price
	}

	numer := collateral.Add(size.Mul(entryPrice))
	denom := size.Mul(one.Add(m))
	return numer.Div(denom).Round(MoneyScale)
}
