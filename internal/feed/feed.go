// Package feed defines the price feed interface consumed by the ledger and
// funding engine, with an in-memory implementation and a Redis-cached
// wrapper for deployments where an external oracle process publishes
// prices.
package feed

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotSupported is returned when no price is published for an
	// instrument.
	ErrNotSupported = errors.New("feed: instrument not supported")

	// ErrStale is returned when the published price is older than the
	// feed's staleness window. The core does not retry — that is the
	// caller's responsibility.
	ErrStale = errors.New("feed: price is stale")
)

// Feed supplies reference prices per instrument.
type Feed interface {
	// Price returns the current mark price for an instrument.
	Price(ctx context.Context, instrument string) (decimal.Decimal, error)

	// Prices returns the (mark, index) pair for an instrument.
	Prices(ctx context.Context, instrument string) (mark, index decimal.Decimal, err error)
}
