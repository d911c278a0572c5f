package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type quote struct {
	mark      decimal.Decimal
	index     decimal.Decimal
	updatedAt time.Time
}

// MemoryFeed implements Feed with settable in-memory quotes. A quote older
// than the staleness window is rejected with ErrStale; a zero window
// disables the check.
type MemoryFeed struct {
	mu     sync.RWMutex
	quotes map[string]quote
	maxAge time.Duration
	now    func() time.Time
}

// NewMemoryFeed creates a feed with the given staleness window.
func NewMemoryFeed(maxAge time.Duration) *MemoryFeed {
	return &MemoryFeed{
		quotes: make(map[string]quote),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetClock overrides the feed's clock. Tests only.
func (f *MemoryFeed) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetPrices publishes a (mark, index) pair for an instrument.
func (f *MemoryFeed) SetPrices(instrument string, mark, index decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[instrument] = quote{mark: mark, index: index, updatedAt: f.now()}
}

// SetPrice publishes a single price used for both mark and index.
func (f *MemoryFeed) SetPrice(instrument string, price decimal.Decimal) {
	f.SetPrices(instrument, price, price)
}

func (f *MemoryFeed) Price(ctx context.Context, instrument string) (decimal.Decimal, error) {
	mark, _, err := f.Prices(ctx, instrument)
	return mark, err
}

func (f *MemoryFeed) Prices(_ context.Context, instrument string) (decimal.Decimal, decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	q, ok := f.quotes[instrument]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", ErrNotSupported, instrument)
	}
	if f.maxAge > 0 && f.now().Sub(q.updatedAt) > f.maxAge {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s last updated %s",
			ErrStale, instrument, q.updatedAt.Format(time.RFC3339))
	}
	return q.mark, q.index, nil
}
