// Package engine provides the HTTP surface of the perp engine: instrument
// onboarding, position lifecycle, funding, liquidation, and the audit
// journal.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/feed"
	"github.com/perpx/perp-engine/internal/funding"
	"github.com/perpx/perp-engine/internal/ledger"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
	"github.com/perpx/perp-engine/internal/symbol"
)

// Service handles engine operations over HTTP. All state lives in the
// ledger; the service only translates requests and errors.
type Service struct {
	ledger  *ledger.Ledger
	funding *funding.Engine
	store   store.Store
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	dev     *devBackends
}

// NewService creates a new engine service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(l *ledger.Ledger, f *funding.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{ledger: l, funding: f, store: st, wsHub: hub}
}

// --- Request/Response types ---

// OnboardInstrumentRequest is the JSON body for instrument onboarding.
type OnboardInstrumentRequest struct {
	Symbol string `json:"symbol"` // {BASE}-{QUOTE}-PERP
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Owner                string          `json:"owner"`
	Instrument           string          `json:"instrument"`
	Side                 string          `json:"side"` // "LONG" or "SHORT"
	Collateral           decimal.Decimal `json:"collateral"`
	Size                 decimal.Decimal `json:"size"`
	Leverage             decimal.Decimal `json:"leverage"`
	MaxFundingRateBps    decimal.Decimal `json:"max_funding_rate_bps"`
	ReferencePrice       decimal.Decimal `json:"reference_price"`
	SlippageToleranceBps decimal.Decimal `json:"slippage_tolerance_bps"`
}

// ReduceRequest is the JSON body for close and decrease.
type ReduceRequest struct {
	Caller string          `json:"caller"`
	Size   decimal.Decimal `json:"size"` // omit or zero on close = full size
}

// IncreaseRequest is the JSON body for POST /positions/{id}/increase.
type IncreaseRequest struct {
	Caller     string          `json:"caller"`
	Collateral decimal.Decimal `json:"collateral"`
	Size       decimal.Decimal `json:"size"`
}

// LiquidateRequest is the JSON body for POST /positions/{id}/liquidate.
type LiquidateRequest struct {
	Caller string           `json:"caller"`
	Price  *decimal.Decimal `json:"price,omitempty"` // pinned snapshot; omit for live price
}

// --- Instrument handlers ---

// OnboardInstrument handles POST /api/v1/instruments
func (s *Service) OnboardInstrument(w http.ResponseWriter, r *http.Request) {
	var req OnboardInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := s.ledger.OnboardInstrument(r.Context(), req.Symbol)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	metrics.ActiveInstruments.Set(float64(len(s.ledger.Instruments())))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(inst)
}

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	insts := s.ledger.Instruments()
	if insts == nil {
		insts = []model.Instrument{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(insts)
}

// GetInstrument handles GET /api/v1/instruments/{symbol}
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "symbol")
	inst, ok := s.ledger.Instrument(sym)
	if !ok {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	side, ok := model.ParseSide(req.Side)
	if !ok {
		writeError(w, "side must be LONG or SHORT", http.StatusBadRequest)
		return
	}

	pos, err := s.ledger.Open(r.Context(), ledger.OpenRequest{
		Owner:                req.Owner,
		Instrument:           req.Instrument,
		Side:                 side,
		Collateral:           req.Collateral,
		Size:                 req.Size,
		Leverage:             req.Leverage,
		MaxFundingRateBps:    req.MaxFundingRateBps,
		ReferencePrice:       req.ReferencePrice,
		SlippageToleranceBps: req.SlippageToleranceBps,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	metrics.PositionsOpened.WithLabelValues(pos.Instrument, pos.Side.String()).Inc()
	metrics.OpenPositions.Inc()
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_opened",
			PositionID: pos.ID,
			Instrument: pos.Instrument,
			Owner:      pos.Owner,
			Side:       pos.Side.String(),
			Size:       pos.Size.String(),
			Price:      pos.EntryPrice.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pos)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	pos, ok := s.ledger.GetPosition(id)
	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var req ReduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, ok := s.ledger.GetPosition(id)
	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	size := req.Size
	if size.IsZero() {
		size = pos.Size
	}

	result, err := s.ledger.Close(r.Context(), req.Caller, id, size)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	kind := model.JournalDecrease
	if result.Position == nil {
		kind = model.JournalClose
		metrics.OpenPositions.Dec()
	}
	metrics.PositionsClosed.WithLabelValues(pos.Instrument, kind).Inc()
	if result.Shortfall.Sign() > 0 {
		sf, _ := result.Shortfall.Float64()
		metrics.ShortfallTotal.WithLabelValues(pos.Instrument).Add(sf)
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_closed",
			PositionID: id,
			Instrument: pos.Instrument,
			Owner:      pos.Owner,
			Side:       pos.Side.String(),
			Size:       size.String(),
			Price:      result.Price.String(),
			Payout:     result.Payout.String(),
			Shortfall:  result.Shortfall.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// IncreasePosition handles POST /api/v1/positions/{positionID}/increase
func (s *Service) IncreasePosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var req IncreaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.ledger.Increase(r.Context(), req.Caller, id, req.Collateral, req.Size)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// DecreasePosition handles POST /api/v1/positions/{positionID}/decrease
func (s *Service) DecreasePosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var req ReduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.ledger.Decrease(r.Context(), req.Caller, id, req.Size)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if result.Position != nil {
		metrics.PositionsClosed.WithLabelValues(result.Position.Instrument, model.JournalDecrease).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ApplyFunding handles POST /api/v1/positions/{positionID}/funding
func (s *Service) ApplyFunding(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}

	payment, err := s.ledger.ApplyFunding(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"funding_paid": payment})
}

// CheckLiquidatable handles GET /api/v1/positions/{positionID}/liquidatable
func (s *Service) CheckLiquidatable(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}

	liquidatable, err := s.ledger.IsLiquidatable(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"liquidatable": liquidatable})
}

// LiquidatePosition handles POST /api/v1/positions/{positionID}/liquidate
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, ok := s.ledger.GetPosition(id)
	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	var result ledger.LiquidationResult
	if req.Price != nil {
		result, err = s.ledger.LiquidateAt(r.Context(), req.Caller, id, *req.Price)
	} else {
		result, err = s.ledger.Liquidate(r.Context(), req.Caller, id)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	metrics.Liquidations.WithLabelValues(pos.Instrument).Inc()
	metrics.PositionsClosed.WithLabelValues(pos.Instrument, model.JournalLiquidation).Inc()
	metrics.OpenPositions.Dec()
	if result.Shortfall.Sign() > 0 {
		sf, _ := result.Shortfall.Float64()
		metrics.ShortfallTotal.WithLabelValues(pos.Instrument).Add(sf)
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_liquidated",
			PositionID: id,
			Instrument: pos.Instrument,
			Owner:      pos.Owner,
			Side:       pos.Side.String(),
			Size:       pos.Size.String(),
			Price:      result.Price.String(),
			Payout:     result.RemainderToOwner.String(),
			Shortfall:  result.Shortfall.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// --- Portfolio and journal handlers ---

// GetPortfolio handles GET /api/v1/portfolio/{owner}
// Returns open positions plus aggregate entry notional.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	positions := s.ledger.PositionsByOwner(owner)
	if positions == nil {
		positions = []model.Position{}
	}
	totalNotional := decimal.Zero
	for _, p := range positions {
		totalNotional = totalNotional.Add(p.Notional())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"owner":          owner,
		"positions":      positions,
		"total_notional": totalNotional,
	})
}

// GetPositionJournal handles GET /api/v1/positions/{positionID}/journal
func (s *Service) GetPositionJournal(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}

	entries, err := s.store.JournalByPosition(r.Context(), id)
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// GetOwnerJournal handles GET /api/v1/journal/{owner}
func (s *Service) GetOwnerJournal(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	entries, err := s.store.JournalByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// --- Admin handlers ---

// SweepFunding handles POST /api/v1/admin/funding/sweep
func (s *Service) SweepFunding(w http.ResponseWriter, r *http.Request) {
	updated, err := s.funding.UpdateFundingRates(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.FundingSweeps.Inc()
	if s.wsHub != nil {
		for _, sym := range updated {
			inst, ok := s.ledger.Instrument(sym)
			if !ok {
				continue
			}
			s.wsHub.Broadcast(WSMessage{
				Type:       "funding_rate",
				Instrument: inst.Symbol,
				FundingBps: inst.FundingRateBps.String(),
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"updated": len(updated)})
}

// Pause handles POST /api/v1/admin/pause
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	s.ledger.Pause()
	slog.Warn("trading paused")
	w.WriteHeader(http.StatusNoContent)
}

// Resume handles POST /api/v1/admin/resume
func (s *Service) Resume(w http.ResponseWriter, r *http.Request) {
	s.ledger.Resume()
	slog.Info("trading resumed")
	w.WriteHeader(http.StatusNoContent)
}

// GetParams handles GET /api/v1/admin/params
func (s *Service) GetParams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ledger.Params())
}

// SetParams handles PUT /api/v1/admin/params
func (s *Service) SetParams(w http.ResponseWriter, r *http.Request) {
	var p model.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ledger.SetParams(p); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ledger.Params())
}

// AuthorizeAgent handles POST /api/v1/admin/agents
func (s *Service) AuthorizeAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent string `json:"agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Agent == "" {
		writeError(w, "agent is required", http.StatusBadRequest)
		return
	}
	s.ledger.AuthorizeAgent(req.Agent)
	slog.Info("agent authorized", "agent", req.Agent)
	w.WriteHeader(http.StatusNoContent)
}

// GetShortfalls handles GET /api/v1/admin/shortfalls
func (s *Service) GetShortfalls(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ledger.Shortfalls())
}

// --- Helpers ---

func positionID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeLedgerError maps ledger sentinel errors to HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidSize),
		errors.Is(err, ledger.ErrExcessiveLeverage),
		errors.Is(err, symbol.ErrInvalidSymbol):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrPositionNotFound),
		errors.Is(err, ledger.ErrInstrumentNotSupported),
		errors.Is(err, feed.ErrNotSupported):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrNotAuthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInsufficientMargin),
		errors.Is(err, custody.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrPaused),
		errors.Is(err, funding.ErrPaused),
		errors.Is(err, ledger.ErrPositionExists),
		errors.Is(err, ledger.ErrInstrumentExists),
		errors.Is(err, ledger.ErrNotLiquidatable),
		errors.Is(err, ledger.ErrSlippageExceeded),
		errors.Is(err, ledger.ErrFundingRateExceeded),
		errors.Is(err, risk.ErrPositionTooLarge),
		errors.Is(err, risk.ErrExposureLimitExceeded),
		errors.Is(err, feed.ErrStale):
		status = http.StatusConflict
	}
	if errors.Is(err, risk.ErrPositionTooLarge) || errors.Is(err, risk.ErrExposureLimitExceeded) {
		metrics.ExposureLimitRejections.Inc()
	}
	writeError(w, err.Error(), status)
}
