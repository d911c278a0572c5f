package engine

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/feed"
)

// devBackends holds the in-memory custody vault and price feed used in
// single-node deployments. Deployments with an external custodian and oracle
// leave this nil and the endpoints return 404.
type devBackends struct {
	vault *custody.MemoryVault
	feed  *feed.MemoryFeed
}

// AttachDevBackends exposes admin endpoints for configuring assets,
// depositing collateral, and publishing prices against the in-memory
// backends.
func (s *Service) AttachDevBackends(v *custody.MemoryVault, f *feed.MemoryFeed) {
	s.dev = &devBackends{vault: v, feed: f}
}

// ConfigureInstrumentAsset handles POST /api/v1/admin/assets
func (s *Service) ConfigureInstrumentAsset(w http.ResponseWriter, r *http.Request) {
	if s.dev == nil {
		writeError(w, "custody is external", http.StatusNotFound)
		return
	}
	var req struct {
		Instrument string `json:"instrument"`
		Asset      string `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Instrument == "" || req.Asset == "" {
		writeError(w, "instrument and asset are required", http.StatusBadRequest)
		return
	}
	s.dev.vault.ConfigureInstrument(req.Instrument, req.Asset)
	w.WriteHeader(http.StatusNoContent)
}

// Deposit handles POST /api/v1/admin/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	if s.dev == nil {
		writeError(w, "custody is external", http.StatusNotFound)
		return
	}
	var req struct {
		Owner  string          `json:"owner"`
		Asset  string          `json:"asset"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.dev.vault.Deposit(req.Owner, req.Asset, req.Amount); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance handles GET /api/v1/admin/balances/{owner}/{asset}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	if s.dev == nil {
		writeError(w, "custody is external", http.StatusNotFound)
		return
	}
	owner := chi.URLParam(r, "owner")
	asset := chi.URLParam(r, "asset")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"balance": s.dev.vault.Balance(owner, asset),
	})
}

// SetPrices handles POST /api/v1/admin/prices
func (s *Service) SetPrices(w http.ResponseWriter, r *http.Request) {
	if s.dev == nil {
		writeError(w, "price feed is external", http.StatusNotFound)
		return
	}
	var req struct {
		Instrument string          `json:"instrument"`
		Mark       decimal.Decimal `json:"mark"`
		Index      decimal.Decimal `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Instrument == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mark.Sign() <= 0 || req.Index.Sign() <= 0 {
		writeError(w, "mark and index must be positive", http.StatusBadRequest)
		return
	}
	s.dev.feed.SetPrices(req.Instrument, req.Mark, req.Index)
	w.WriteHeader(http.StatusNoContent)
}
