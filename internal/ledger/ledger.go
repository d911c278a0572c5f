// Package ledger owns the mapping from position identifier to Position
// record and the per-instrument funding state. It exposes the mutating
// operations of the engine: open, close, increase, decrease, apply-funding
// and liquidate.
//
// Every mutating entry point settles outstanding funding for the position
// first, then runs its own arithmetic, then calls the custody primitives,
// then commits the record change. A custody debit without a matching record,
// or a record without a matching debit, is a correctness violation, so the
// debit/credit and the commit happen under the same instrument lock with no
// failure point between them.
//
// Locking: each instrument carries its own mutex serializing every
// operation that touches the instrument's funding state or any of its
// positions; operations on different instruments proceed in parallel. The
// ledger-wide mutex guards only the registries (position map, owner index,
// instrument table, parameters) and is never held while an instrument
// mutex is being acquired.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/feed"
	"github.com/perpx/perp-engine/internal/fpmath"
	"github.com/perpx/perp-engine/internal/liquidation"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
	"github.com/perpx/perp-engine/internal/symbol"
)

var (
	// ErrPaused is returned while trading is administratively halted.
	ErrPaused = errors.New("ledger: trading is paused")

	// ErrInstrumentNotSupported is returned for an unknown instrument.
	ErrInstrumentNotSupported = errors.New("ledger: instrument not supported")

	// ErrInstrumentExists is returned when onboarding a duplicate instrument.
	ErrInstrumentExists = errors.New("ledger: instrument already onboarded")

	// ErrPositionNotFound is returned when the position does not exist.
	ErrPositionNotFound = errors.New("ledger: position not found")

	// ErrNotAuthorized is returned when the caller is neither the owner nor
	// an authorized agent.
	ErrNotAuthorized = errors.New("ledger: caller not authorized for position")

	// ErrInvalidAmount is returned for zero or negative monetary inputs.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidSize is returned when a close/decrease size is out of range.
	ErrInvalidSize = errors.New("ledger: size out of range")

	// ErrExcessiveLeverage is returned when requested leverage exceeds the
	// configured maximum.
	ErrExcessiveLeverage = errors.New("ledger: leverage exceeds maximum")

	// ErrInsufficientMargin is returned when posted collateral does not
	// cover the initial margin for the requested exposure.
	ErrInsufficientMargin = errors.New("ledger: insufficient margin")

	// ErrFundingRateExceeded is returned when the instrument's current
	// funding rate magnitude is above the caller's stated bound.
	ErrFundingRateExceeded = errors.New("ledger: funding rate exceeds caller bound")

	// ErrSlippageExceeded is returned when the fetched price deviates from
	// the caller's reference price beyond the stated tolerance.
	ErrSlippageExceeded = errors.New("ledger: price outside slippage tolerance")

	// ErrPositionExists is returned when the one-position-per-instrument
	// policy rejects a second open position for the same (owner, instrument).
	ErrPositionExists = errors.New("ledger: open position already exists for owner and instrument")

	// ErrNotLiquidatable is returned when liquidation is requested for a
	// position that is not under-margined.
	ErrNotLiquidatable = errors.New("ledger: position is not liquidatable")
)

// instrumentState pairs an instrument record with the mutex serializing all
// operations for that instrument.
type instrumentState struct {
	mu   sync.Mutex
	inst model.Instrument
}

// Ledger is the position ledger. Construct with NewLedger; the custody
// capability is granted here and nowhere else.
type Ledger struct {
	custody custody.Custody
	feed    feed.Feed
	store   store.Store
	limiter *risk.Limiter // nil disables exposure limits

	mu          sync.RWMutex
	params      model.Params
	paused      bool
	nextID      uint64
	positions   map[uint64]*model.Position
	byOwner     map[string]map[uint64]struct{} // owner → set of open position ids
	instruments map[string]*instrumentState
	symbols     []string // dense index over instruments, onboarding order
	agents      map[string]bool
	shortfalls  map[string]decimal.Decimal // instrument → unrecovered deficit

	now func() time.Time
}

// NewLedger creates a ledger with default parameters. limiter may be nil to
// disable exposure limits.
func NewLedger(cust custody.Custody, priceFeed feed.Feed, st store.Store, limiter *risk.Limiter) *Ledger {
	return &Ledger{
		custody:     cust,
		feed:        priceFeed,
		store:       st,
		limiter:     limiter,
		params:      model.DefaultParams(),
		nextID:      1,
		positions:   make(map[uint64]*model.Position),
		byOwner:     make(map[string]map[uint64]struct{}),
		instruments: make(map[string]*instrumentState),
		agents:      make(map[string]bool),
		shortfalls:  make(map[string]decimal.Decimal),
		now:         time.Now,
	}
}

// SetClock overrides the ledger's clock. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) clock() func() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now
}

// --- Administrative surface ---

// OnboardInstrument registers a new tradable instrument. The symbol must
// parse as {BASE}-{QUOTE}-PERP and custody must have a collateral asset
// configured for it.
func (l *Ledger) OnboardInstrument(ctx context.Context, sym string) (*model.Instrument, error) {
	parsed, err := symbol.Parse(sym)
	if err != nil {
		return nil, err
	}

	asset, err := l.custody.CollateralAssetFor(parsed.Raw)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if _, exists := l.instruments[sym]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInstrumentExists, sym)
	}
	now := l.now()
	state := &instrumentState{inst: model.Instrument{
		Symbol:            sym,
		CollateralAsset:   asset,
		FundingRateBps:    decimal.Zero,
		LastFundingUpdate: now,
		CreatedAt:         now,
	}}
	l.instruments[sym] = state
	l.symbols = append(l.symbols, sym)
	inst := state.inst
	l.mu.Unlock()

	if err := l.store.UpsertInstrument(ctx, &inst); err != nil {
		slog.Error("instrument persist failed", "symbol", sym, "err", err)
	}
	slog.Info("instrument onboarded", "symbol", sym, "asset", asset)
	return &inst, nil
}

// Instruments returns a snapshot of all onboarded instruments in
// onboarding order.
func (l *Ledger) Instruments() []model.Instrument {
	l.mu.RLock()
	symbols := make([]string, len(l.symbols))
	copy(symbols, l.symbols)
	l.mu.RUnlock()

	out := make([]model.Instrument, 0, len(symbols))
	for _, sym := range symbols {
		l.mu.RLock()
		state := l.instruments[sym]
		l.mu.RUnlock()
		state.mu.Lock()
		out = append(out, state.inst)
		state.mu.Unlock()
	}
	return out
}

// Instrument returns a snapshot of one instrument.
func (l *Ledger) Instrument(sym string) (model.Instrument, bool) {
	l.mu.RLock()
	state, ok := l.instruments[sym]
	l.mu.RUnlock()
	if !ok {
		return model.Instrument{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.inst, true
}

// SetFundingRate stores a freshly computed funding rate for an instrument.
// Called by the funding engine only.
func (l *Ledger) SetFundingRate(ctx context.Context, sym string, rateBps decimal.Decimal, at time.Time) error {
	l.mu.RLock()
	state, ok := l.instruments[sym]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstrumentNotSupported, sym)
	}

	state.mu.Lock()
	state.inst.FundingRateBps = rateBps
	state.inst.LastFundingUpdate = at
	inst := state.inst
	state.mu.Unlock()

	if err := l.store.UpsertInstrument(ctx, &inst); err != nil {
		slog.Error("funding rate persist failed", "symbol", sym, "err", err)
	}
	return nil
}

// Pause halts all trading operations.
func (l *Ledger) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume re-enables trading operations.
func (l *Ledger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

// Paused reports whether trading is halted.
func (l *Ledger) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused
}

// Params returns the current trading parameters.
func (l *Ledger) Params() model.Params {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.params
}

// SetParams replaces the trading parameters. The change takes effect on the
// next operation; in-flight operations keep the copy they read at start.
func (l *Ledger) SetParams(p model.Params) error {
	if p.FundingInterval <= 0 {
		return fmt.Errorf("%w: funding interval", ErrInvalidAmount)
	}
	if p.MaxLeverage.Sign() <= 0 {
		return fmt.Errorf("%w: max leverage", ErrInvalidAmount)
	}
	if p.MaintenanceMarginBps.Sign() < 0 || p.LiquidationFeeBps.Sign() < 0 ||
		p.TakerFeeBps.Sign() < 0 || p.MakerFeeBps.Sign() < 0 {
		return fmt.Errorf("%w: fee rates", ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.params = p
	return nil
}

// AuthorizeAgent allows an agent identity to act on any position (keeper
// closes, delegated trading).
func (l *Ledger) AuthorizeAgent(agent string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[agent] = true
}

// Shortfalls returns the accumulated unrecovered deficit per instrument.
func (l *Ledger) Shortfalls() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(l.shortfalls))
	for k, v := range l.shortfalls {
		out[k] = v
	}
	return out
}

// --- Queries ---

// GetPosition returns a copy of the position if it exists.
func (l *Ledger) GetPosition(id uint64) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}

// PositionsByOwner returns copies of all open positions for an owner.
func (l *Ledger) PositionsByOwner(owner string) []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Position
	for id := range l.byOwner[owner] {
		if pos, ok := l.positions[id]; ok {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// hasOpenPosition reports whether the owner already holds an open position
// on the instrument. Used by the one-position-per-instrument policy; an
// owner may hold several when the policy is disabled.
func (l *Ledger) hasOpenPosition(owner, instrument string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id := range l.byOwner[owner] {
		if pos, ok := l.positions[id]; ok && pos.Instrument == instrument {
			return true
		}
	}
	return false
}

// --- Operation plumbing ---

// opContext is the consistent snapshot every operation reads at its start.
type opContext struct {
	params model.Params
	state  *instrumentState
	asset  string
}

// beginOp checks the paused gate, resolves the instrument, and snapshots
// the parameters. The caller must lock ctx.state.mu before touching any
// position of the instrument.
func (l *Ledger) beginOp(sym string) (opContext, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.paused {
		return opContext{}, ErrPaused
	}
	state, ok := l.instruments[sym]
	if !ok {
		return opContext{}, fmt.Errorf("%w: %s", ErrInstrumentNotSupported, sym)
	}
	return opContext{params: l.params, state: state, asset: state.inst.CollateralAsset}, nil
}

// beginPositionOp resolves the instrument context for an existing position.
func (l *Ledger) beginPositionOp(id uint64) (opContext, error) {
	l.mu.RLock()
	pos, ok := l.positions[id]
	if !ok {
		l.mu.RUnlock()
		return opContext{}, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	sym := pos.Instrument
	l.mu.RUnlock()
	return l.beginOp(sym)
}

// lookupLocked re-fetches a position after the instrument lock is held.
// The record may have been closed or liquidated while the caller waited.
func (l *Ledger) lookupLocked(id uint64) (*model.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	return pos, nil
}

func (l *Ledger) authorized(caller string, pos *model.Position) bool {
	if caller == pos.Owner {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.agents[caller]
}

// settleFunding applies outstanding funding to the position: the whole
// number of elapsed funding intervals at the instrument's current rate.
// LastFundingTime advances to now, not to the last interval boundary, so
// the next interval is measured from this settlement. The payment is
// applied even if it drives collateral negative — liquidation is the
// backstop, not this function. Returns the signed payment (positive =
// position paid).
//
// Must be called with the instrument lock held, before any other read of
// the position's state.
func (l *Ledger) settleFunding(pos *model.Position, op opContext, now time.Time) decimal.Decimal {
	if !now.After(pos.LastFundingTime) {
		return decimal.Zero
	}
	intervals := int64(now.Sub(pos.LastFundingTime) / op.params.FundingInterval)
	if intervals == 0 {
		return decimal.Zero
	}

	rate := op.state.inst.FundingRateBps.Mul(decimal.NewFromInt(intervals))
	payment := fpmath.FundingPayment(pos.Size, rate, pos.Side)
	pos.Collateral = pos.Collateral.Sub(payment)
	pos.AccumulatedFunding = pos.AccumulatedFunding.Add(payment)
	pos.LastFundingTime = now
	return payment
}

// journal appends an immutable audit record. The journal is reporting-grade
// history — a failed append is logged, never rolled back into the
// operation, because custody plus the in-memory record are the atomic pair.
func (l *Ledger) journal(ctx context.Context, e model.JournalEntry) {
	e.ID = uuid.New().String()
	if err := l.store.AppendJournal(ctx, &e); err != nil {
		slog.Error("journal append failed", "kind", e.Kind, "position", e.PositionID, "err", err)
	}
}

func (l *Ledger) recordShortfall(ctx context.Context, pos *model.Position, amount, price decimal.Decimal, now time.Time) {
	l.mu.Lock()
	l.shortfalls[pos.Instrument] = l.shortfalls[pos.Instrument].Add(amount)
	total := l.shortfalls[pos.Instrument]
	l.mu.Unlock()

	slog.Warn("solvency shortfall",
		"position", pos.ID,
		"owner", pos.Owner,
		"instrument", pos.Instrument,
		"amount", amount.String(),
		"instrument_total", total.String(),
	)
	l.journal(ctx, model.JournalEntry{
		PositionID:      pos.ID,
		Owner:           pos.Owner,
		Instrument:      pos.Instrument,
		Kind:            model.JournalShortfall,
		Side:            pos.Side.String(),
		Size:            pos.Size,
		Price:           price,
		CollateralDelta: amount.Neg(),
		Timestamp:       now,
	})
}

// --- Open ---

// OpenRequest carries the parameters for opening a position.
type OpenRequest struct {
	Owner                string
	Instrument           string
	Side                 model.Side
	Collateral           decimal.Decimal
	Size                 decimal.Decimal
	Leverage             decimal.Decimal
	MaxFundingRateBps    decimal.Decimal // bound on |current funding rate|
	ReferencePrice       decimal.Decimal // the execution price the caller assumed
	SlippageToleranceBps decimal.Decimal // allowed deviation from ReferencePrice
}

// Open opens a new leveraged position and returns a copy of the stored
// record. The collateral debit and the record creation commit atomically:
// the debit is the last failure point before the record is stored.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (model.Position, error) {
	if req.Owner == "" {
		return model.Position{}, fmt.Errorf("%w: owner", ErrInvalidAmount)
	}
	if req.Collateral.Sign() <= 0 || req.Size.Sign() <= 0 || req.Leverage.Sign() <= 0 {
		return model.Position{}, fmt.Errorf("%w: collateral=%s size=%s leverage=%s",
			ErrInvalidAmount, req.Collateral, req.Size, req.Leverage)
	}
	if req.ReferencePrice.Sign() <= 0 {
		return model.Position{}, fmt.Errorf("%w: reference price", ErrInvalidAmount)
	}

	op, err := l.beginOp(req.Instrument)
	if err != nil {
		return model.Position{}, err
	}
	if req.Leverage.GreaterThan(op.params.MaxLeverage) {
		return model.Position{}, fmt.Errorf("%w: %s > %s",
			ErrExcessiveLeverage, req.Leverage, op.params.MaxLeverage)
	}

	op.state.mu.Lock()
	defer op.state.mu.Unlock()

	if op.params.OnePositionPerInstrument && l.hasOpenPosition(req.Owner, req.Instrument) {
		return model.Position{}, ErrPositionExists
	}

	price, err := l.feed.Price(ctx, req.Instrument)
	if err != nil {
		return model.Position{}, err
	}

	// Slippage band around the caller-supplied reference price.
	deviationBps := price.Sub(req.ReferencePrice).Abs().
		Mul(decimal.NewFromInt(10000)).Div(req.ReferencePrice)
	if deviationBps.GreaterThan(req.SlippageToleranceBps) {
		return model.Position{}, fmt.Errorf("%w: price %s vs reference %s (%s bps)",
			ErrSlippageExceeded, price, req.ReferencePrice, deviationBps.Round(2))
	}

	if op.state.inst.FundingRateBps.Abs().GreaterThan(req.MaxFundingRateBps) {
		return model.Position{}, fmt.Errorf("%w: current %s bps, bound %s bps",
			ErrFundingRateExceeded, op.state.inst.FundingRateBps, req.MaxFundingRateBps)
	}

	notional := fpmath.Notional(req.Size, price)
	required := fpmath.InitialMargin(notional, req.Leverage)
	if req.Collateral.LessThan(required) {
		return model.Position{}, fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientMargin, req.Collateral, required)
	}

	if err := l.checkExposure(req.Owner, req.Size, notional); err != nil {
		return model.Position{}, err
	}

	fee := fpmath.RequiredMargin(notional, op.params.TakerFeeBps)
	if err := l.custody.Debit(ctx, req.Owner, op.asset, req.Collateral.Add(fee)); err != nil {
		return model.Position{}, err
	}

	now := l.clock()()
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	pos := &model.Position{
		ID:              id,
		Owner:           req.Owner,
		Instrument:      req.Instrument,
		Side:            req.Side,
		Collateral:      req.Collateral,
		Size:            req.Size,
		EntryPrice:      price,
		Leverage:        req.Leverage,
		LastFundingTime: now,
		OpenedAt:        now,
	}
	l.positions[id] = pos
	if l.byOwner[req.Owner] == nil {
		l.byOwner[req.Owner] = make(map[uint64]struct{})
	}
	l.byOwner[req.Owner][id] = struct{}{}
	l.mu.Unlock()

	slog.Info("position opened",
		"id", id,
		"owner", req.Owner,
		"instrument", req.Instrument,
		"side", req.Side.String(),
		"size", req.Size.String(),
		"entry_price", price.String(),
		"collateral", req.Collateral.String(),
		"leverage", req.Leverage.String(),
	)
	l.journal(ctx, model.JournalEntry{
		PositionID:      id,
		Owner:           req.Owner,
		Instrument:      req.Instrument,
		Kind:            model.JournalOpen,
		Side:            req.Side.String(),
		Size:            req.Size,
		Price:           price,
		CollateralDelta: req.Collateral.Neg(),
		Fee:             fee,
		Timestamp:       now,
	})
	return *pos, nil
}

// checkExposure runs the risk limiter against the owner's aggregate entry
// notional across all open positions.
func (l *Ledger) checkExposure(owner string, sizeAfter, notionalDelta decimal.Decimal) error {
	if l.limiter == nil {
		return nil
	}
	existing := make(map[string]decimal.Decimal)
	l.mu.RLock()
	for id := range l.byOwner[owner] {
		if pos, ok := l.positions[id]; ok {
			existing[pos.Instrument] = existing[pos.Instrument].Add(pos.Notional())
		}
	}
	l.mu.RUnlock()
	return l.limiter.CheckLimit(sizeAfter, notionalDelta, existing)
}

// --- Close / Decrease ---

// CloseResult reports the outcome of a close or decrease.
type CloseResult struct {
	Position           *model.Position `json:"position,omitempty"` // nil once fully closed
	Price              decimal.Decimal `json:"price"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	CollateralReturned decimal.Decimal `json:"collateral_returned"`
	Payout             decimal.Decimal `json:"payout"`
	Shortfall          decimal.Decimal `json:"shortfall"`
	FundingPaid        decimal.Decimal `json:"funding_paid"`
}

// Close realizes PnL on sizeToClose units and returns the proportional
// collateral plus PnL to the owner, deleting the record when the full size
// is closed. The payout is floored at zero: a loss beyond the returned
// collateral is recorded as a solvency shortfall, never collected.
func (l *Ledger) Close(ctx context.Context, caller string, id uint64, sizeToClose decimal.Decimal) (CloseResult, error) {
	return l.reduce(ctx, caller, id, sizeToClose, true)
}

// Decrease is Close restricted to a strict partial reduction: the record
// is never deleted.
func (l *Ledger) Decrease(ctx context.Context, caller string, id uint64, sizeToReduce decimal.Decimal) (CloseResult, error) {
	return l.reduce(ctx, caller, id, sizeToReduce, false)
}

func (l *Ledger) reduce(ctx context.Context, caller string, id uint64, size decimal.Decimal, allowFull bool) (CloseResult, error) {
	if size.Sign() <= 0 {
		return CloseResult{}, fmt.Errorf("%w: size must be positive", ErrInvalidSize)
	}

	op, err := l.beginPositionOp(id)
	if err != nil {
		return CloseResult{}, err
	}

	op.state.mu.Lock()
	defer op.state.mu.Unlock()

	pos, err := l.lookupLocked(id)
	if err != nil {
		return CloseResult{}, err
	}
	if !l.authorized(caller, pos) {
		return CloseResult{}, ErrNotAuthorized
	}
	if size.GreaterThan(pos.Size) {
		return CloseResult{}, fmt.Errorf("%w: closing %s of %s", ErrInvalidSize, size, pos.Size)
	}
	full := size.Equal(pos.Size)
	if full && !allowFull {
		return CloseResult{}, fmt.Errorf("%w: decrease must leave the position open", ErrInvalidSize)
	}

	now := l.clock()()
	fundingPaid := l.settleFunding(pos, op, now)

	price, err := l.feed.Price(ctx, pos.Instrument)
	if err != nil {
		return CloseResult{}, err
	}

	pnl := fpmath.PnL(size, pos.EntryPrice, price, pos.Side)

	// Proportional to the fraction of size removed, computed before PnL is
	// applied, rounded down.
	collateralReturn := pos.Collateral.Mul(size).Div(pos.Size).RoundDown(fpmath.MoneyScale)

	payout := collateralReturn.Add(pnl)
	shortfall := decimal.Zero
	if payout.Sign() < 0 {
		shortfall = payout.Neg()
		payout = decimal.Zero
	}

	if payout.Sign() > 0 {
		if err := l.custody.Credit(ctx, pos.Owner, op.asset, payout); err != nil {
			return CloseResult{}, err
		}
	}

	result := CloseResult{
		Price:              price,
		RealizedPnL:        pnl,
		CollateralReturned: collateralReturn,
		Payout:             payout,
		Shortfall:          shortfall,
		FundingPaid:        fundingPaid,
	}
	kind := model.JournalDecrease
	if full {
		kind = model.JournalClose
		l.mu.Lock()
		delete(l.positions, id)
		delete(l.byOwner[pos.Owner], id)
		l.mu.Unlock()
	} else {
		pos.Size = pos.Size.Sub(size)
		pos.Collateral = pos.Collateral.Sub(collateralReturn)
		cp := *pos
		result.Position = &cp
	}

	slog.Info("position reduced",
		"id", id,
		"kind", kind,
		"size", size.String(),
		"price", price.String(),
		"pnl", pnl.String(),
		"payout", payout.String(),
	)
	l.journal(ctx, model.JournalEntry{
		PositionID:      id,
		Owner:           pos.Owner,
		Instrument:      pos.Instrument,
		Kind:            kind,
		Side:            pos.Side.String(),
		Size:            size,
		Price:           price,
		CollateralDelta: payout,
		RealizedPnL:     pnl,
		Timestamp:       now,
	})
	if shortfall.Sign() > 0 {
		l.recordShortfall(ctx, pos, shortfall, price, now)
	}
	return result, nil
}

// --- Increase ---

// Increase adds size and collateral to an existing position. The added
// notional must be margined at the position's original leverage target;
// the entry price becomes the size-weighted average of old and new.
func (l *Ledger) Increase(ctx context.Context, caller string, id uint64, addCollateral, addSize decimal.Decimal) (model.Position, error) {
	if addCollateral.Sign() <= 0 || addSize.Sign() <= 0 {
		return model.Position{}, fmt.Errorf("%w: collateral=%s size=%s",
			ErrInvalidAmount, addCollateral, addSize)
	}

	op, err := l.beginPositionOp(id)
	if err != nil {
		return model.Position{}, err
	}

	op.state.mu.Lock()
	defer op.state.mu.Unlock()

	pos, err := l.lookupLocked(id)
	if err != nil {
		return model.Position{}, err
	}
	if !l.authorized(caller, pos) {
		return model.Position{}, ErrNotAuthorized
	}

	now := l.clock()()
	l.settleFunding(pos, op, now)

	price, err := l.feed.Price(ctx, pos.Instrument)
	if err != nil {
		return model.Position{}, err
	}

	notional := fpmath.Notional(addSize, price)
	required := fpmath.InitialMargin(notional, pos.Leverage)
	if addCollateral.LessThan(required) {
		return model.Position{}, fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientMargin, addCollateral, required)
	}

	if err := l.checkExposure(pos.Owner, pos.Size.Add(addSize), notional); err != nil {
		return model.Position{}, err
	}

	fee := fpmath.RequiredMargin(notional, op.params.TakerFeeBps)
	if err := l.custody.Debit(ctx, pos.Owner, op.asset, addCollateral.Add(fee)); err != nil {
		return model.Position{}, err
	}

	pos.EntryPrice = fpmath.EntryPriceAfterIncrease(pos.EntryPrice, pos.Size, price, addSize)
	pos.Size = pos.Size.Add(addSize)
	pos.Collateral = pos.Collateral.Add(addCollateral)

	slog.Info("position increased",
		"id", id,
		"add_size", addSize.String(),
		"add_collateral", addCollateral.String(),
		"entry_price", pos.EntryPrice.String(),
	)
	l.journal(ctx, model.JournalEntry{
		PositionID:      id,
		Owner:           pos.Owner,
		Instrument:      pos.Instrument,
		Kind:            model.JournalIncrease,
		Side:            pos.Side.String(),
		Size:            addSize,
		Price:           price,
		CollateralDelta: addCollateral.Neg(),
		Fee:             fee,
		Timestamp:       now,
	})
	return *pos, nil
}

// --- Funding ---

// ApplyFunding settles outstanding funding for one position and returns
// the signed payment (positive = position paid). A no-op when no whole
// funding interval has elapsed. Callable by anyone — keepers settle
// positions that have not traded in a while.
func (l *Ledger) ApplyFunding(ctx context.Context, id uint64) (decimal.Decimal, error) {
	op, err := l.beginPositionOp(id)
	if err != nil {
		return decimal.Zero, err
	}

	op.state.mu.Lock()
	defer op.state.mu.Unlock()

	pos, err := l.lookupLocked(id)
	if err != nil {
		return decimal.Zero, err
	}

	now := l.clock()()
	payment := l.settleFunding(pos, op, now)
	if payment.IsZero() {
		return decimal.Zero, nil
	}

	l.journal(ctx, model.JournalEntry{
		PositionID:      id,
		Owner:           pos.Owner,
		Instrument:      pos.Instrument,
		Kind:            model.JournalFunding,
		Side:            pos.Side.String(),
		Size:            pos.Size,
		CollateralDelta: payment.Neg(),
		Timestamp:       now,
	})
	return payment, nil
}

// --- Liquidation ---

// LiquidationResult reports the outcome of a liquidation.
type LiquidationResult struct {
	Price            decimal.Decimal `json:"price"`
	Fee              decimal.Decimal `json:"fee"`               // paid to the liquidating caller
	RemainderToOwner decimal.Decimal `json:"remainder_to_owner"`
	Shortfall        decimal.Decimal `json:"shortfall"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
}

// IsLiquidatable reports whether the position is under-margined at the
// current feed price. False (with no error) when the position is absent.
func (l *Ledger) IsLiquidatable(ctx context.Context, id uint64) (bool, error) {
	pos, ok := l.GetPosition(id)
	if !ok {
		return false, nil
	}
	price, err := l.feed.Price(ctx, pos.Instrument)
	if err != nil {
		return false, err
	}
	return liquidation.IsLiquidatable(&pos, price, l.Params().MaintenanceMarginBps), nil
}

// IsLiquidatableAt is IsLiquidatable against a pinned price snapshot, for
// check-then-act consistency with LiquidateAt.
func (l *Ledger) IsLiquidatableAt(id uint64, price decimal.Decimal) bool {
	pos, ok := l.GetPosition(id)
	if !ok {
		return false
	}
	return liquidation.IsLiquidatable(&pos, price, l.Params().MaintenanceMarginBps)
}

// Liquidate force-closes an under-margined position at the current feed
// price. The liquidatability check and the close share the single price
// read taken here, so they cannot disagree. The caller receives the
// liquidation fee; whatever effective collateral remains after the fee is
// returned to the owner. The trader is never charged beyond their
// collateral: a deeper loss is recorded as a shortfall.
func (l *Ledger) Liquidate(ctx context.Context, caller string, id uint64) (LiquidationResult, error) {
	return l.liquidate(ctx, caller, id, nil)
}

// LiquidateAt is Liquidate against a pinned price snapshot previously used
// with IsLiquidatableAt.
func (l *Ledger) LiquidateAt(ctx context.Context, caller string, id uint64, price decimal.Decimal) (LiquidationResult, error) {
	if price.Sign() <= 0 {
		return LiquidationResult{}, fmt.Errorf("%w: price", ErrInvalidAmount)
	}
	return l.liquidate(ctx, caller, id, &price)
}

func (l *Ledger) liquidate(ctx context.Context, caller string, id uint64, pinned *decimal.Decimal) (LiquidationResult, error) {
	if caller == "" {
		return LiquidationResult{}, fmt.Errorf("%w: caller", ErrInvalidAmount)
	}

	op, err := l.beginPositionOp(id)
	if err != nil {
		return LiquidationResult{}, err
	}

	op.state.mu.Lock()
	defer op.state.mu.Unlock()

	pos, err := l.lookupLocked(id)
	if err != nil {
		return LiquidationResult{}, err
	}

	now := l.clock()()
	l.settleFunding(pos, op, now)

	var price decimal.Decimal
	if pinned != nil {
		price = *pinned
	} else {
		price, err = l.feed.Price(ctx, pos.Instrument)
		if err != nil {
			return LiquidationResult{}, err
		}
	}

	if !liquidation.IsLiquidatable(pos, price, op.params.MaintenanceMarginBps) {
		return LiquidationResult{}, fmt.Errorf("%w: %d at price %s", ErrNotLiquidatable, id, price)
	}

	pnl := fpmath.PnL(pos.Size, pos.EntryPrice, price, pos.Side)
	remaining := pos.Collateral.Add(pnl)
	shortfall := decimal.Zero
	if remaining.Sign() < 0 {
		shortfall = remaining.Neg()
		remaining = decimal.Zero
	}

	fee := fpmath.RequiredMargin(fpmath.Notional(pos.Size, price), op.params.LiquidationFeeBps)
	if fee.GreaterThan(remaining) {
		fee = remaining
	}
	toOwner := remaining.Sub(fee)

	if fee.Sign() > 0 {
		if err := l.custody.Credit(ctx, caller, op.asset, fee); err != nil {
			return LiquidationResult{}, err
		}
	}
	if toOwner.Sign() > 0 {
		if err := l.custody.Credit(ctx, pos.Owner, op.asset, toOwner); err != nil {
			return LiquidationResult{}, err
		}
	}

	l.mu.Lock()
	delete(l.positions, id)
	delete(l.byOwner[pos.Owner], id)
	l.mu.Unlock()

	slog.Info("position liquidated",
		"id", id,
		"owner", pos.Owner,
		"instrument", pos.Instrument,
		"liquidator", caller,
		"price", price.String(),
		"fee", fee.String(),
		"to_owner", toOwner.String(),
		"shortfall", shortfall.String(),
	)
	l.journal(ctx, model.JournalEntry{
		PositionID:      id,
		Owner:           pos.Owner,
		Instrument:      pos.Instrument,
		Kind:            model.JournalLiquidation,
		Side:            pos.Side.String(),
		Size:            pos.Size,
		Price:           price,
		CollateralDelta: toOwner,
		RealizedPnL:     pnl,
		Fee:             fee,
		Timestamp:       now,
	})
	if shortfall.Sign() > 0 {
		l.recordShortfall(ctx, pos, shortfall, price, now)
	}

	return LiquidationResult{
		Price:            price,
		Fee:              fee,
		RemainderToOwner: toOwner,
		Shortfall:        shortfall,
		RealizedPnL:      pnl,
	}, nil
}
