// Package funding computes and publishes per-instrument funding rates from
// the divergence between mark and index prices.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/feed"
	"github.com/perpx/perp-engine/internal/fpmath"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
)

// Ledger is the slice of the position ledger the funding engine needs.
type Ledger interface {
	Instruments() []model.Instrument
	SetFundingRate(ctx context.Context, symbol string, rateBps decimal.Decimal, at time.Time) error
	Params() model.Params
	Paused() bool
}

// ErrPaused is returned when a sweep is requested while trading is halted.
var ErrPaused = errors.New("funding: trading is paused")

// Engine sweeps all instruments on the funding cadence. A sweep only
// recomputes instruments whose last update is at least one funding interval
// old, so repeated sweeps within an interval are no-ops.
type Engine struct {
	ledger Ledger
	feed   feed.Feed
	now    func() time.Time
}

func NewEngine(ledger Ledger, priceFeed feed.Feed) *Engine {
	return &Engine{ledger: ledger, feed: priceFeed, now: time.Now}
}

// SetClock overrides the engine's clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// UpdateFundingRates recomputes the funding rate for every due instrument
// and returns the symbols it updated. Instruments whose prices cannot be
// fetched are skipped and reported in the returned error; the sweep still
// visits the rest.
func (e *Engine) UpdateFundingRates(ctx context.Context) ([]string, error) {
	if e.ledger.Paused() {
		return nil, ErrPaused
	}

	params := e.ledger.Params()
	now := e.now()
	var updated []string
	var errs []error

	for _, inst := range e.ledger.Instruments() {
		if now.Sub(inst.LastFundingUpdate) < params.FundingInterval {
			continue
		}
		mark, index, err := e.feed.Prices(ctx, inst.Symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Symbol, err))
			continue
		}
		rate := fpmath.FundingRate(mark, index, params.FundingRateFactorBps)
		if err := e.ledger.SetFundingRate(ctx, inst.Symbol, rate, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Symbol, err))
			continue
		}
		metrics.FundingRateUpdates.WithLabelValues(inst.Symbol).Inc()
		slog.Debug("funding rate updated",
			"instrument", inst.Symbol,
			"mark", mark.String(),
			"index", index.String(),
			"rate_bps", rate.String(),
		)
		updated = append(updated, inst.Symbol)
	}
	return updated, errors.Join(errs...)
}

// Run drives UpdateFundingRates on a fixed ticker until ctx is cancelled.
// The tick interval should be much shorter than the funding interval; the
// due check above keeps the sweep idempotent between intervals.
func (e *Engine) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			updated, err := e.UpdateFundingRates(ctx)
			if err != nil && !errors.Is(err, ErrPaused) {
				slog.Warn("funding sweep incomplete", "updated", len(updated), "err", err)
			}
		}
	}
}
