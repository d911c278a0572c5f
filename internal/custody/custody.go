// Package custody defines the collateral custody interface consumed by the
// position ledger, and an in-memory vault implementation.
//
// The ledger only ever calls three primitives: debit a trader into the
// exchange account, credit a trader from the exchange account, and resolve
// an instrument's margin asset. Deposit, withdrawal and per-token balance
// bookkeeping live behind this boundary. The capability to move funds is
// granted by handing the Custody value to the ledger at construction —
// there is no ambient caller identity to check.
package custody

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned by Debit when the owner's balance
	// cannot cover the amount.
	ErrInsufficientBalance = errors.New("custody: insufficient balance")

	// ErrUnsupportedAsset is returned when the asset is not configured.
	ErrUnsupportedAsset = errors.New("custody: unsupported asset")

	// ErrNotConfigured is returned when an instrument has no collateral
	// asset configured.
	ErrNotConfigured = errors.New("custody: no collateral asset configured for instrument")
)

// Custody is the collateral custody consumed by the ledger. Debit and
// Credit are synchronous, blocking sub-operations of the ledger operation
// that issues them; a failed Debit must leave balances untouched.
type Custody interface {
	// Debit moves amount of asset from the owner's account to the exchange.
	Debit(ctx context.Context, owner, asset string, amount decimal.Decimal) error

	// Credit moves amount of asset from the exchange to the owner's account.
	Credit(ctx context.Context, owner, asset string, amount decimal.Decimal) error

	// CollateralAssetFor resolves the margin asset for an instrument.
	CollateralAssetFor(instrument string) (string, error)
}
