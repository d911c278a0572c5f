package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

type balanceKey struct {
	owner string
	asset string
}

// MemoryVault implements Custody with in-memory balances. Used for testing
// and single-node deployments where an external custodian is not wired.
type MemoryVault struct {
	mu          sync.RWMutex
	assets      map[string]bool
	instruments map[string]string // instrument → collateral asset
	balances    map[balanceKey]decimal.Decimal
	exchange    map[string]decimal.Decimal // asset → exchange-held total
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		assets:      make(map[string]bool),
		instruments: make(map[string]string),
		balances:    make(map[balanceKey]decimal.Decimal),
		exchange:    make(map[string]decimal.Decimal),
	}
}

// ConfigureAsset registers an asset as supported.
func (v *MemoryVault) ConfigureAsset(asset string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.assets[asset] = true
}

// ConfigureInstrument maps an instrument to its collateral asset. The asset
// is registered as supported if it is not already.
func (v *MemoryVault) ConfigureInstrument(instrument, asset string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.assets[asset] = true
	v.instruments[instrument] = asset
}

// Deposit credits an owner's account from outside the system.
func (v *MemoryVault) Deposit(owner, asset string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.assets[asset] {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("custody: deposit amount must be positive, got %s", amount)
	}
	k := balanceKey{owner, asset}
	v.balances[k] = v.balances[k].Add(amount)
	return nil
}

// Withdraw debits an owner's account out of the system.
func (v *MemoryVault) Withdraw(owner, asset string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.assets[asset] {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	k := balanceKey{owner, asset}
	if v.balances[k].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, need %s", ErrInsufficientBalance,
			owner, v.balances[k], asset, amount)
	}
	v.balances[k] = v.balances[k].Sub(amount)
	return nil
}

// Balance returns an owner's balance for an asset.
func (v *MemoryVault) Balance(owner, asset string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[balanceKey{owner, asset}]
}

// ExchangeBalance returns the exchange-held total for an asset.
func (v *MemoryVault) ExchangeBalance(asset string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.exchange[asset]
}

func (v *MemoryVault) Debit(_ context.Context, owner, asset string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.assets[asset] {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	k := balanceKey{owner, asset}
	if v.balances[k].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, need %s", ErrInsufficientBalance,
			owner, v.balances[k], asset, amount)
	}
	v.balances[k] = v.balances[k].Sub(amount)
	v.exchange[asset] = v.exchange[asset].Add(amount)
	return nil
}

func (v *MemoryVault) Credit(_ context.Context, owner, asset string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.assets[asset] {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	k := balanceKey{owner, asset}
	v.balances[k] = v.balances[k].Add(amount)
	v.exchange[asset] = v.exchange[asset].Sub(amount)
	return nil
}

func (v *MemoryVault) CollateralAssetFor(instrument string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	asset, ok := v.instruments[instrument]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, instrument)
	}
	return asset, nil
}
