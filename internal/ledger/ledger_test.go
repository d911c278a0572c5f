package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/feed"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
)

const testSym = "ETH-USDC-PERP"
const testAsset = "USDC"

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fixture wires a ledger against in-memory custody, feed, and store with a
// controllable clock. Fees are zeroed so arithmetic assertions stay exact;
// tests that exercise fees set their own parameters.
type fixture struct {
	t      *testing.T
	vault  *custody.MemoryVault
	feed   *feed.MemoryFeed
	store  *store.MemoryStore
	ledger *Ledger
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		vault: custody.NewMemoryVault(),
		feed:  feed.NewMemoryFeed(0), // staleness disabled; the clock jumps hours
		store: store.NewMemoryStore(),
		now:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	f.ledger = NewLedger(f.vault, f.feed, f.store, nil)
	f.ledger.SetClock(func() time.Time { return f.now })

	params := model.DefaultParams()
	params.TakerFeeBps = decimal.Zero
	if err := f.ledger.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}

	f.vault.ConfigureInstrument(testSym, testAsset)
	if err := f.vault.Deposit("alice", testAsset, d(100000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.feed.SetPrice(testSym, d(3000))
	if _, err := f.ledger.OnboardInstrument(context.Background(), testSym); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	return f
}

func (f *fixture) advance(by time.Duration) {
	f.now = f.now.Add(by)
}

// open opens alice's default position: 1 unit long at 3000 with 1000
// collateral and 3x leverage.
func (f *fixture) open() model.Position {
	f.t.Helper()
	pos, err := f.ledger.Open(context.Background(), f.openReq())
	if err != nil {
		f.t.Fatalf("open: %v", err)
	}
	return pos
}

func (f *fixture) openReq() OpenRequest {
	return OpenRequest{
		Owner:                "alice",
		Instrument:           testSym,
		Side:                 model.Long,
		Collateral:           d(1000),
		Size:                 d(1),
		Leverage:             d(3),
		MaxFundingRateBps:    d(100000),
		ReferencePrice:       d(3000),
		SlippageToleranceBps: d(100),
	}
}

// --- Open ---

func TestOpen_DebitsCollateralAndStoresPosition(t *testing.T) {
	f := newFixture(t)
	pos := f.open()

	if pos.ID == 0 {
		t.Error("expected non-zero position id")
	}
	if !pos.EntryPrice.Equal(d(3000)) {
		t.Errorf("expected entry price 3000, got %s", pos.EntryPrice)
	}
	if got := f.vault.Balance("alice", testAsset); !got.Equal(d(99000)) {
		t.Errorf("expected balance 99000 after debit, got %s", got)
	}
	stored, ok := f.ledger.GetPosition(pos.ID)
	if !ok {
		t.Fatal("position not found after open")
	}
	if !stored.Collateral.Equal(d(1000)) || !stored.Size.Equal(d(1)) {
		t.Errorf("stored position mismatch: %+v", stored)
	}
}

func TestOpen_ExactInitialMarginAccepted(t *testing.T) {
	// 1 unit at 3000 with 3x leverage needs exactly 1000.
	f := newFixture(t)
	req := f.openReq()
	req.Collateral = d(1000)
	if _, err := f.ledger.Open(context.Background(), req); err != nil {
		t.Fatalf("exact-margin open should succeed: %v", err)
	}
}

func TestOpen_InsufficientMargin(t *testing.T) {
	f := newFixture(t)
	req := f.openReq()
	req.Collateral = d(999)
	_, err := f.ledger.Open(context.Background(), req)
	if !errors.Is(err, ErrInsufficientMargin) {
		t.Errorf("expected ErrInsufficientMargin, got %v", err)
	}
}

func TestOpen_ExcessiveLeverage(t *testing.T) {
	f := newFixture(t)
	req := f.openReq()
	req.Leverage = d(51)
	_, err := f.ledger.Open(context.Background(), req)
	if !errors.Is(err, ErrExcessiveLeverage) {
		t.Errorf("expected ErrExcessiveLeverage, got %v", err)
	}
}

func TestOpen_ZeroInputsRejected(t *testing.T) {
	f := newFixture(t)
	for name, mutate := range map[string]func(*OpenRequest){
		"collateral": func(r *OpenRequest) { r.Collateral = decimal.Zero },
		"size":       func(r *OpenRequest) { r.Size = decimal.Zero },
		"leverage":   func(r *OpenRequest) { r.Leverage = decimal.Zero },
		"owner":      func(r *OpenRequest) { r.Owner = "" },
	} {
		req := f.openReq()
		mutate(&req)
		if _, err := f.ledger.Open(context.Background(), req); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("%s: expected ErrInvalidAmount, got %v", name, err)
		}
	}
}

func TestOpen_UnknownInstrument(t *testing.T) {
	f := newFixture(t)
	req := f.openReq()
	req.Instrument = "BTC-USDC-PERP"
	_, err := f.ledger.Open(context.Background(), req)
	if !errors.Is(err, ErrInstrumentNotSupported) {
		t.Errorf("expected ErrInstrumentNotSupported, got %v", err)
	}
}

func TestOpen_OnePositionPerInstrument(t *testing.T) {
	f := newFixture(t)
	f.open()
	_, err := f.ledger.Open(context.Background(), f.openReq())
	if !errors.Is(err, ErrPositionExists) {
		t.Errorf("expected ErrPositionExists, got %v", err)
	}
}

func TestOpen_MultiplePositionsWhenPolicyDisabled(t *testing.T) {
	f := newFixture(t)
	params := f.ledger.Params()
	params.OnePositionPerInstrument = false
	if err := f.ledger.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}

	first := f.open()
	second, err := f.ledger.Open(context.Background(), f.openReq())
	if err != nil {
		t.Fatalf("second open with policy disabled: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct ids, both %d", first.ID)
	}

	open := f.ledger.PositionsByOwner("alice")
	if len(open) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(open))
	}

	// Closing the first must not disturb the second.
	if _, err := f.ledger.Close(context.Background(), "alice", first.ID, first.Size); err != nil {
		t.Fatalf("close first: %v", err)
	}
	open = f.ledger.PositionsByOwner("alice")
	if len(open) != 1 || open[0].ID != second.ID {
		t.Fatalf("expected only position %d to remain open, got %+v", second.ID, open)
	}
	if _, ok := f.ledger.GetPosition(second.ID); !ok {
		t.Error("second position missing after sibling close")
	}
}

func TestOpen_ExposureCountsAllPositionsOnInstrument(t *testing.T) {
	f := newFixture(t)
	params := f.ledger.Params()
	params.OnePositionPerInstrument = false
	if err := f.ledger.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	// Two 3000-notional positions fit under the cap; a third must not.
	lim := risk.NewLimiter(d(10), d(7000))
	limited := NewLedger(f.vault, f.feed, f.store, lim)
	limited.SetClock(func() time.Time { return f.now })
	if err := limited.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if _, err := limited.OnboardInstrument(context.Background(), testSym); err != nil {
		t.Fatalf("onboard: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := limited.Open(context.Background(), f.openReq()); err != nil {
			t.Fatalf("open %d: %v", i+1, err)
		}
	}
	_, err := limited.Open(context.Background(), f.openReq())
	if !errors.Is(err, risk.ErrExposureLimitExceeded) {
		t.Errorf("expected ErrExposureLimitExceeded, got %v", err)
	}
}

func TestOpen_SlippageExceeded(t *testing.T) {
	f := newFixture(t)
	req := f.openReq()
	req.ReferencePrice = d(2900)
	req.SlippageToleranceBps = d(10)
	_, err := f.ledger.Open(context.Background(), req)
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Errorf("expected ErrSlippageExceeded, got %v", err)
	}
}

func TestOpen_FundingRateBoundIsMagnitude(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A strongly negative rate must also trip the bound.
	if err := f.ledger.SetFundingRate(ctx, testSym, d(-200), f.now); err != nil {
		t.Fatalf("set funding rate: %v", err)
	}
	req := f.openReq()
	req.MaxFundingRateBps = d(100)
	_, err := f.ledger.Open(ctx, req)
	if !errors.Is(err, ErrFundingRateExceeded) {
		t.Errorf("expected ErrFundingRateExceeded for negative rate, got %v", err)
	}

	req.MaxFundingRateBps = d(300)
	if _, err := f.ledger.Open(ctx, req); err != nil {
		t.Errorf("rate within bound should be accepted: %v", err)
	}
}

func TestOpen_DebitFailureLeavesNoPosition(t *testing.T) {
	f := newFixture(t)
	req := f.openReq()
	req.Owner = "broke" // no deposit
	_, err := f.ledger.Open(context.Background(), req)
	if !errors.Is(err, custody.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.ledger.PositionsByOwner("broke"); len(got) != 0 {
		t.Errorf("no position should exist after failed debit, got %d", len(got))
	}
}

func TestOpen_TakerFeeDebitedOnTopOfCollateral(t *testing.T) {
	f := newFixture(t)
	params := f.ledger.Params()
	params.TakerFeeBps = d(5)
	if err := f.ledger.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}

	f.open()
	// Fee = 3000 * 5 / 10000 = 1.5 on top of the 1000 collateral.
	if got := f.vault.Balance("alice", testAsset); !got.Equal(d(98998.5)) {
		t.Errorf("expected balance 98998.5, got %s", got)
	}
}

// --- Close ---

func TestClose_ProfitPaysCollateralPlusPnL(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	f.feed.SetPrice(testSym, d(3300))

	result, err := f.ledger.Close(context.Background(), "alice", pos.ID, d(1))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !result.Payout.Equal(d(1300)) {
		t.Errorf("expected payout 1300, got %s", result.Payout)
	}
	if !result.RealizedPnL.Equal(d(300)) {
		t.Errorf("expected pnl 300, got %s", result.RealizedPnL)
	}
	if got := f.vault.Balance("alice", testAsset); !got.Equal(d(100300)) {
		t.Errorf("expected balance 100300, got %s", got)
	}
	if _, ok := f.ledger.GetPosition(pos.ID); ok {
		t.Error("position should be deleted after full close")
	}
}

func TestClose_PartialReturnsProportionalCollateral(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	f.feed.SetPrice(testSym, d(3300))

	result, err := f.ledger.Close(context.Background(), "alice", pos.ID, d(0.4))
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if !result.CollateralReturned.Equal(d(400)) {
		t.Errorf("expected 400 collateral returned, got %s", result.CollateralReturned)
	}
	if !result.Payout.Equal(d(520)) { // 400 + 0.4*300
		t.Errorf("expected payout 520, got %s", result.Payout)
	}
	remaining, ok := f.ledger.GetPosition(pos.ID)
	if !ok {
		t.Fatal("position should survive partial close")
	}
	if !remaining.Size.Equal(d(0.6)) || !remaining.Collateral.Equal(d(600)) {
		t.Errorf("expected size 0.6 collateral 600, got size %s collateral %s",
			remaining.Size, remaining.Collateral)
	}
	if !remaining.EntryPrice.Equal(d(3000)) {
		t.Errorf("entry price must not change on close, got %s", remaining.EntryPrice)
	}
}

func TestClose_LossBeyondCollateralFloorsAtZero(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	f.feed.SetPrice(testSym, d(1500))

	result, err := f.ledger.Close(context.Background(), "alice", pos.ID, d(1))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !result.Payout.IsZero() {
		t.Errorf("payout must be floored at zero, got %s", result.Payout)
	}
	if !result.Shortfall.Equal(d(500)) { // 1000 - 1500
		t.Errorf("expected shortfall 500, got %s", result.Shortfall)
	}
	if got := f.ledger.Shortfalls()[testSym]; !got.Equal(d(500)) {
		t.Errorf("expected instrument shortfall 500, got %s", got)
	}
	// The owner is never debited beyond the posted collateral.
	if got := f.vault.Balance("alice", testAsset); !got.Equal(d(99000)) {
		t.Errorf("expected balance 99000, got %s", got)
	}
}

func TestClose_SizeValidation(t *testing.T) {
	f := newFixture(t)
	pos := f.open()

	if _, err := f.ledger.Close(context.Background(), "alice", pos.ID, d(0)); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("zero size: expected ErrInvalidSize, got %v", err)
	}
	if _, err := f.ledger.Close(context.Background(), "alice", pos.ID, d(2)); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("oversize: expected ErrInvalidSize, got %v", err)
	}
}

func TestClose_NotOwnerRejected(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	_, err := f.ledger.Close(context.Background(), "mallory", pos.ID, d(1))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestClose_AuthorizedAgentMayClose(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	f.ledger.AuthorizeAgent("bot")
	if _, err := f.ledger.Close(context.Background(), "bot", pos.ID, d(1)); err != nil {
		t.Errorf("authorized agent close should succeed: %v", err)
	}
}

func TestClose_Conservation(t *testing.T) {
	// Flat price, zero fees: open then close returns exactly the deposit,
	// and the exchange holds nothing afterwards.
	f := newFixture(t)
	pos := f.open()
	if _, err := f.ledger.Close(context.Background(), "alice", pos.ID, d(1)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.vault.Balance("alice", testAsset); !got.Equal(d(100000)) {
		t.Errorf("expected full deposit back, got %s", got)
	}
	if got := f.vault.ExchangeBalance(testAsset); !got.IsZero() {
		t.Errorf("exchange should hold nothing after round trip, got %s", got)
	}
}

func TestDecrease_FullSizeRejected(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	_, err := f.ledger.Decrease(context.Background(), "alice", pos.ID, d(1))
	if !errors.Is(err, ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize for full-size decrease, got %v", err)
	}
}

// --- Increase ---

func TestIncrease_AveragesEntryPrice(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	f.feed.SetPrice(testSym, d(3200))

	updated, err := f.ledger.Increase(context.Background(), "alice", pos.ID, d(1100), d(1))
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if !updated.EntryPrice.Equal(d(3100)) {
		t.Errorf("expected averaged entry 3100, got %s", updated.EntryPrice)
	}
	if !updated.Size.Equal(d(2)) || !updated.Collateral.Equal(d(2100)) {
		t.Errorf("expected size 2 collateral 2100, got size %s collateral %s",
			updated.Size, updated.Collateral)
	}
}

func TestIncrease_RequiresMarginAtOriginalLeverage(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	f.feed.SetPrice(testSym, d(3200))

	// Added notional 3200 at 3x leverage needs ~1066.67.
	_, err := f.ledger.Increase(context.Background(), "alice", pos.ID, d(1000), d(1))
	if !errors.Is(err, ErrInsufficientMargin) {
		t.Errorf("expected ErrInsufficientMargin, got %v", err)
	}
}

// --- Funding ---

func TestApplyFunding_LongPaysPositiveRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()

	if err := f.ledger.SetFundingRate(ctx, testSym, d(100), f.now); err != nil {
		t.Fatalf("set funding rate: %v", err)
	}
	f.advance(8 * time.Hour)

	payment, err := f.ledger.ApplyFunding(ctx, pos.ID)
	if err != nil {
		t.Fatalf("apply funding: %v", err)
	}
	if !payment.Equal(d(0.01)) { // 1 * 100 / 10000
		t.Errorf("expected payment 0.01, got %s", payment)
	}
	updated, _ := f.ledger.GetPosition(pos.ID)
	if !updated.Collateral.Equal(d(999.99)) {
		t.Errorf("expected collateral 999.99, got %s", updated.Collateral)
	}
	if !updated.AccumulatedFunding.Equal(d(0.01)) {
		t.Errorf("expected accumulated funding 0.01, got %s", updated.AccumulatedFunding)
	}
}

func TestApplyFunding_ShortReceivesPositiveRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.openReq()
	req.Side = model.Short
	pos, err := f.ledger.Open(ctx, req)
	if err != nil {
		t.Fatalf("open short: %v", err)
	}

	if err := f.ledger.SetFundingRate(ctx, testSym, d(100), f.now); err != nil {
		t.Fatalf("set funding rate: %v", err)
	}
	f.advance(8 * time.Hour)

	payment, err := f.ledger.ApplyFunding(ctx, pos.ID)
	if err != nil {
		t.Fatalf("apply funding: %v", err)
	}
	if !payment.Equal(d(-0.01)) {
		t.Errorf("expected payment -0.01 (short receives), got %s", payment)
	}
	updated, _ := f.ledger.GetPosition(pos.ID)
	if !updated.Collateral.Equal(d(1000.01)) {
		t.Errorf("expected collateral 1000.01, got %s", updated.Collateral)
	}
}

func TestApplyFunding_IdempotentWithinInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	if err := f.ledger.SetFundingRate(ctx, testSym, d(100), f.now); err != nil {
		t.Fatalf("set funding rate: %v", err)
	}
	f.advance(8 * time.Hour)

	if _, err := f.ledger.ApplyFunding(ctx, pos.ID); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	payment, err := f.ledger.ApplyFunding(ctx, pos.ID)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !payment.IsZero() {
		t.Errorf("second settlement within the interval must be zero, got %s", payment)
	}
}

func TestApplyFunding_MultipleElapsedIntervals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	if err := f.ledger.SetFundingRate(ctx, testSym, d(100), f.now); err != nil {
		t.Fatalf("set funding rate: %v", err)
	}
	f.advance(24 * time.Hour) // three 8h intervals

	payment, err := f.ledger.ApplyFunding(ctx, pos.ID)
	if err != nil {
		t.Fatalf("apply funding: %v", err)
	}
	if !payment.Equal(d(0.03)) {
		t.Errorf("expected 3 intervals worth (0.03), got %s", payment)
	}
}

func TestApplyFunding_IntervalMeasuredFromSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	if err := f.ledger.SetFundingRate(ctx, testSym, d(100), f.now); err != nil {
		t.Fatalf("set funding rate: %v", err)
	}

	// 12h elapsed settles one whole 8h interval and resets the reference
	// point to now; 4h later nothing further is due.
	f.advance(12 * time.Hour)
	payment, err := f.ledger.ApplyFunding(ctx, pos.ID)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !payment.Equal(d(0.01)) {
		t.Fatalf("expected one interval (0.01), got %s", payment)
	}

	f.advance(4 * time.Hour)
	payment, err = f.ledger.ApplyFunding(ctx, pos.ID)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !payment.IsZero() {
		t.Errorf("next interval is measured from the settlement, got %s", payment)
	}
}

func TestClose_SettlesFundingFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	if err := f.ledger.SetFundingRate(ctx, testSym, d(100), f.now); err != nil {
		t.Fatalf("set funding rate: %v", err)
	}
	f.advance(8 * time.Hour)

	result, err := f.ledger.Close(ctx, "alice", pos.ID, d(1))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !result.FundingPaid.Equal(d(0.01)) {
		t.Errorf("expected funding 0.01 settled on close, got %s", result.FundingPaid)
	}
	if !result.Payout.Equal(d(999.99)) {
		t.Errorf("payout must reflect settled funding, got %s", result.Payout)
	}
}

// --- Liquidation ---

func TestLiquidate_AtTotalLossFeeIsZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	f.feed.SetPrice(testSym, d(2000))

	result, err := f.ledger.Liquidate(ctx, "keeper", pos.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Remaining collateral is exactly zero; the fee is capped by it.
	if !result.Fee.IsZero() {
		t.Errorf("expected zero fee, got %s", result.Fee)
	}
	if !result.RemainderToOwner.IsZero() {
		t.Errorf("expected zero remainder, got %s", result.RemainderToOwner)
	}
	if _, ok := f.ledger.GetPosition(pos.ID); ok {
		t.Error("position should be deleted after liquidation")
	}
}

func TestLiquidate_FeePaidToCallerRemainderToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	f.feed.SetPrice(testSym, d(2030))

	result, err := f.ledger.Liquidate(ctx, "keeper", pos.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Remaining = 1000 - 970 = 30, below the 40.6 maintenance requirement;
	// fee cap = 1% of 2030 = 20.3, within the remaining collateral.
	if !result.Fee.Equal(d(20.3)) {
		t.Errorf("expected fee 20.3, got %s", result.Fee)
	}
	if !result.RemainderToOwner.Equal(d(9.7)) {
		t.Errorf("expected remainder 9.7, got %s", result.RemainderToOwner)
	}
	if got := f.vault.Balance("keeper", testAsset); !got.Equal(d(20.3)) {
		t.Errorf("keeper should hold the fee, got %s", got)
	}
	if got := f.vault.Balance("alice", testAsset); !got.Equal(d(99009.7)) {
		t.Errorf("owner should hold deposit minus collateral plus remainder, got %s", got)
	}
}

func TestLiquidate_HealthyPositionRejected(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	_, err := f.ledger.Liquidate(context.Background(), "keeper", pos.ID)
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Errorf("expected ErrNotLiquidatable, got %v", err)
	}
}

func TestLiquidate_ShortfallRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	f.feed.SetPrice(testSym, d(1500))

	result, err := f.ledger.Liquidate(ctx, "keeper", pos.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !result.Shortfall.Equal(d(500)) {
		t.Errorf("expected shortfall 500, got %s", result.Shortfall)
	}
	if got := f.ledger.Shortfalls()[testSym]; !got.Equal(d(500)) {
		t.Errorf("expected instrument shortfall 500, got %s", got)
	}
}

func TestLiquidateAt_PinnedPriceConsistentWithCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()

	// The live feed still says 3000, but the keeper checked at 2000 and
	// acts on the same snapshot.
	pinned := d(2000)
	if !f.ledger.IsLiquidatableAt(pos.ID, pinned) {
		t.Fatal("position should be liquidatable at pinned price 2000")
	}
	if _, err := f.ledger.LiquidateAt(ctx, "keeper", pos.ID, pinned); err != nil {
		t.Errorf("pinned-price liquidation should succeed: %v", err)
	}
}

func TestIsLiquidatable_AbsentPositionIsFalse(t *testing.T) {
	f := newFixture(t)
	liquidatable, err := f.ledger.IsLiquidatable(context.Background(), 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if liquidatable {
		t.Error("absent position must not be liquidatable")
	}
}

func TestLiquidate_NegativeCollateralAfterFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()

	// An extreme funding rate drains the whole collateral in one interval.
	if err := f.ledger.SetFundingRate(ctx, testSym, d(10_000_000), f.now); err != nil {
		t.Fatalf("set funding rate: %v", err)
	}
	f.advance(8 * time.Hour)
	if _, err := f.ledger.ApplyFunding(ctx, pos.ID); err != nil {
		t.Fatalf("apply funding: %v", err)
	}

	updated, _ := f.ledger.GetPosition(pos.ID)
	if updated.Collateral.Sign() > 0 {
		t.Fatalf("expected drained collateral, got %s", updated.Collateral)
	}
	// Price unchanged; the position is liquidatable purely from funding.
	if _, err := f.ledger.Liquidate(ctx, "keeper", pos.ID); err != nil {
		t.Errorf("drained position should be liquidatable: %v", err)
	}
}

// --- Pause ---

func TestPause_GatesOperations(t *testing.T) {
	f := newFixture(t)
	pos := f.open()
	f.ledger.Pause()

	if _, err := f.ledger.Open(context.Background(), f.openReq()); !errors.Is(err, ErrPaused) {
		t.Errorf("open while paused: expected ErrPaused, got %v", err)
	}
	if _, err := f.ledger.Close(context.Background(), "alice", pos.ID, d(1)); !errors.Is(err, ErrPaused) {
		t.Errorf("close while paused: expected ErrPaused, got %v", err)
	}

	f.ledger.Resume()
	if _, err := f.ledger.Close(context.Background(), "alice", pos.ID, d(1)); err != nil {
		t.Errorf("close after resume should succeed: %v", err)
	}
}

// --- Journal ---

func TestJournal_RecordsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	f.feed.SetPrice(testSym, d(3300))
	if _, err := f.ledger.Close(ctx, "alice", pos.ID, d(1)); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := f.store.JournalByPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(entries))
	}
	if entries[0].Kind != model.JournalOpen || entries[1].Kind != model.JournalClose {
		t.Errorf("expected open then close, got %s then %s", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].RealizedPnL.IsZero() {
		t.Error("close entry should carry realized PnL")
	}
}

func TestJournal_ShortfallEntryWritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open()
	f.feed.SetPrice(testSym, d(1500))
	if _, err := f.ledger.Close(ctx, "alice", pos.ID, d(1)); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := f.store.JournalByPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Kind == model.JournalShortfall {
			found = true
		}
	}
	if !found {
		t.Error("expected a shortfall journal entry")
	}
}
