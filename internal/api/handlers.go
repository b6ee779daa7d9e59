package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
)

const defaultEventLimit = 50

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /pool/deposits.
type DepositRequest struct {
	User   string `json:"user"`
	Amount string `json:"amount"` // whole base units, e.g. "1000.50"
}

// DepositResponse reports the shares minted.
type DepositResponse struct {
	User   string       `json:"user"`
	Minted *uint256.Int `json:"minted"`
	Shares string       `json:"shares"`
}

// RedeemRequest is the JSON body for POST /pool/redemptions.
type RedeemRequest struct {
	User   string `json:"user"`
	Shares string `json:"shares"`
}

// PoolResponse summarizes the pool.
type PoolResponse struct {
	NAV        *uint256.Int `json:"nav"`
	NAVDisplay string       `json:"nav_display"`
	Supply     *uint256.Int `json:"supply"`
	Base       string       `json:"base"`
}

// AccountResponse is one user's view of the pool.
type AccountResponse struct {
	User          string                   `json:"user"`
	Shares        *uint256.Int             `json:"shares"`
	SharesDisplay string                   `json:"shares_display"`
	Payout        *uint256.Int             `json:"payout"`
	PayoutDisplay string                   `json:"payout_display"`
	Request       *model.RedemptionRequest `json:"request,omitempty"`
}

// AllocationInput is one target in PUT /admin/allocations.
type AllocationInput struct {
	Asset           model.AssetID   `json:"asset"`
	Target          string          `json:"target"` // percent, e.g. "60"
	LiquidationPath []model.AssetID `json:"liquidation_path,omitempty"`
	PurchasePath    []model.AssetID `json:"purchase_path,omitempty"`
}

// AllocationsRequest replaces the whole target list.
type AllocationsRequest struct {
	Allocations []AllocationInput `json:"allocations"`
}

// InvestmentAssetRequest is the JSON body for PUT /admin/investments.
type InvestmentAssetRequest struct {
	Asset           model.AssetID   `json:"asset"`
	TargetPrice     string          `json:"target_price"` // whole base units per whole asset
	Confidence      string          `json:"confidence"`   // percent
	LiquidationPath []model.AssetID `json:"liquidation_path,omitempty"`
	PurchasePath    []model.AssetID `json:"purchase_path,omitempty"`
}

// ReserveRequest is the JSON body for POST /cash/reservations.
type ReserveRequest struct {
	Asset model.AssetID `json:"asset"`
}

// PriceQuote is one asset's last recorded price.
type PriceQuote struct {
	Asset        model.AssetID `json:"asset"`
	Price        string        `json:"price"`
	PriceDisplay string        `json:"price_display"`
	At           time.Time     `json:"at"`
}

// PricesResponse is the body of GET /prices.
type PricesResponse struct {
	TakenAt time.Time    `json:"taken_at"`
	Prices  []PriceQuote `json:"prices"`
}

func (s *Server) parseBase(amount string) (*uint256.Int, error) {
	a, err := s.registry.Get(s.registry.Base())
	if err != nil {
		return nil, err
	}
	v, err := model.ParseUnits(amount, a.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return v, nil
}

func (s *Server) formatBase(amount *uint256.Int) string {
	return s.registry.FormatUnits(s.registry.Base(), amount)
}

// --- Pool ---

// GetPool handles GET /api/v1/pool
func (s *Server) GetPool(w http.ResponseWriter, r *http.Request) {
	nav, err := s.pool.NAV()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PoolResponse{
		NAV:        nav,
		NAVDisplay: s.formatBase(nav),
		Supply:     s.pool.CirculatingSupply(),
		Base:       string(s.registry.Base()),
	})
}

// GetAccount handles GET /api/v1/accounts/{user}
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	shares := s.pool.BalanceOf(user)
	payout := s.pool.Payout(user)
	resp := AccountResponse{
		User:          user,
		Shares:        shares,
		SharesDisplay: s.formatBase(shares),
		Payout:        payout,
		PayoutDisplay: s.formatBase(payout),
	}
	if req, err := s.pool.Request(user); err == nil {
		resp.Request = req
	}
	writeJSON(w, http.StatusOK, resp)
}

// Deposit handles POST /api/v1/pool/deposits
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.parseBase(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	minted, err := s.pool.Deposit(r.Context(), req.User, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("deposit", "user", req.User, "amount", req.Amount, "minted", minted.Dec())
	writeJSON(w, http.StatusCreated, DepositResponse{User: req.User, Minted: minted, Shares: s.formatBase(minted)})
}

// RequestRedeem handles POST /api/v1/pool/redemptions
func (s *Server) RequestRedeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.parseBase(req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.pool.RequestRedeem(r.Context(), req.User, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// PrepareDryPowder handles POST /api/v1/pool/redemptions/{user}/prepare
func (s *Server) PrepareDryPowder(w http.ResponseWriter, r *http.Request) {
	auth, err := s.pool.PrepareDryPowder(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

// Redeem handles POST /api/v1/pool/redemptions/{user}/settle
func (s *Server) Redeem(w http.ResponseWriter, r *http.Request) {
	out, err := s.pool.Redeem(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Journal ---

func eventLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit %q", ErrBadRequest, raw)
	}
	return n, nil
}

// ListEvents handles GET /api/v1/events?kind=&limit=
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := eventLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.journal.ListEvents(r.Context(), model.EventKind(r.URL.Query().Get("kind")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ListUserEvents handles GET /api/v1/events/users/{user}
func (s *Server) ListUserEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := eventLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.journal.ListUserEvents(r.Context(), chi.URLParam(r, "user"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Cash basket ---

// GetCash handles GET /api/v1/cash
func (s *Server) GetCash(w http.ResponseWriter, r *http.Request) {
	st, err := s.cash.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetPrices handles GET /api/v1/prices
func (s *Server) GetPrices(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cash.Prices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := PricesResponse{TakenAt: snap.TakenAt, Prices: make([]PriceQuote, 0, len(snap.Prices))}
	for id, p := range snap.Prices {
		resp.Prices = append(resp.Prices, PriceQuote{
			Asset:        id,
			Price:        model.Amount(p.Price).Dec(),
			PriceDisplay: s.formatBase(p.Price),
			At:           p.At,
		})
	}
	sort.Slice(resp.Prices, func(i, j int) bool { return resp.Prices[i].Asset < resp.Prices[j].Asset })
	writeJSON(w, http.StatusOK, resp)
}

// RefreshPrices handles POST /api/v1/cash/prices/refresh
func (s *Server) RefreshPrices(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cash.RefreshPrices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// BuildQueues handles POST /api/v1/cash/queues/build
func (s *Server) BuildQueues(w http.ResponseWriter, r *http.Request) {
	diff, err := s.cash.BuildQueues(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"liquidations": diff.Liquidations,
		"purchases":    diff.Purchases,
	})
}

// ProcessCashLiquidation handles POST /api/v1/cash/liquidations/next
func (s *Server) ProcessCashLiquidation(w http.ResponseWriter, r *http.Request) {
	fill, err := s.cash.ProcessLiquidation(r.Context())
	writeFill(w, fill, err)
}

// ProcessPurchase handles POST /api/v1/cash/purchases/next
func (s *Server) ProcessPurchase(w http.ResponseWriter, r *http.Request) {
	fill, err := s.cash.ProcessPurchase(r.Context())
	writeFill(w, fill, err)
}

func writeFill(w http.ResponseWriter, fill cash.Fill, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fill)
}

// ReserveForInvestmentBuy handles POST /api/v1/cash/reservations
func (s *Server) ReserveForInvestmentBuy(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	permit, err := s.cash.ReserveForInvestmentBuy(r.Context(), req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, permit)
}

// --- Investments ---

// GetInvest handles GET /api/v1/invest
func (s *Server) GetInvest(w http.ResponseWriter, r *http.Request) {
	st, err := s.invest.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func assetParam(r *http.Request) model.AssetID {
	return model.AssetID(chi.URLParam(r, "asset"))
}

// RecordPriceSample handles POST /api/v1/invest/{asset}/samples
func (s *Server) RecordPriceSample(w http.ResponseWriter, r *http.Request) {
	sample, err := s.invest.RecordPriceSample(r.Context(), assetParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sample)
}

// DetermineBuy handles POST /api/v1/invest/{asset}/determine/buy
func (s *Server) DetermineBuy(w http.ResponseWriter, r *http.Request) {
	d, err := s.invest.DetermineBuy(r.Context(), assetParam(r))
	writeDetermination(w, d, err)
}

// DetermineSell handles POST /api/v1/invest/{asset}/determine/sell
func (s *Server) DetermineSell(w http.ResponseWriter, r *http.Request) {
	d, err := s.invest.DetermineSell(r.Context(), assetParam(r))
	writeDetermination(w, d, err)
}

func writeDetermination(w http.ResponseWriter, d invest.Determination, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ProcessBuy handles POST /api/v1/invest/{asset}/buy
func (s *Server) ProcessBuy(w http.ResponseWriter, r *http.Request) {
	fill, err := s.invest.ProcessBuy(r.Context(), assetParam(r))
	writeFill(w, fill, err)
}

// ProcessSell handles POST /api/v1/invest/{asset}/sell
func (s *Server) ProcessSell(w http.ResponseWriter, r *http.Request) {
	fill, err := s.invest.ProcessSell(r.Context(), assetParam(r))
	writeFill(w, fill, err)
}

// ProcessInvestLiquidation handles POST /api/v1/invest/liquidations/next
func (s *Server) ProcessInvestLiquidation(w http.ResponseWriter, r *http.Request) {
	fill, err := s.invest.ProcessLiquidation(r.Context())
	writeFill(w, fill, err)
}

// --- Admin ---

// SetAllocations handles PUT /api/v1/admin/allocations
func (s *Server) SetAllocations(w http.ResponseWriter, r *http.Request) {
	var req AllocationsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	assets := make([]model.AssetID, len(req.Allocations))
	targets := make([]percent.Percent, len(req.Allocations))
	routes := make([]cash.Route, len(req.Allocations))
	for i, a := range req.Allocations {
		p, err := percent.Parse(a.Target)
		if err != nil {
			writeError(w, err)
			return
		}
		assets[i], targets[i] = a.Asset, p
		routes[i] = cash.Route{Liquidation: a.LiquidationPath, Purchase: a.PurchasePath}
	}
	if err := s.cash.SetAllocations(r.Context(), capability(r.Context()), assets, targets, routes); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.cash.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Allocations)
}

// SetInvestmentAsset handles PUT /api/v1/admin/investments
func (s *Server) SetInvestmentAsset(w http.ResponseWriter, r *http.Request) {
	var req InvestmentAssetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	price, err := s.parseBase(req.TargetPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	confidence, err := percent.Parse(req.Confidence)
	if err != nil {
		writeError(w, err)
		return
	}
	p := invest.AssetParams{
		Asset:           req.Asset,
		TargetPrice:     price,
		Confidence:      confidence,
		LiquidationPath: req.LiquidationPath,
		PurchasePath:    req.PurchasePath,
	}
	if err := s.invest.SetInvestmentAsset(r.Context(), capability(r.Context()), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RemoveInvestmentAsset handles DELETE /api/v1/admin/investments/{asset}
func (s *Server) RemoveInvestmentAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.invest.RemoveInvestmentAsset(r.Context(), capability(r.Context()), assetParam(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pause handles POST /api/v1/admin/{engine}/pause
func (s *Server) Pause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

// Unpause handles POST /api/v1/admin/{engine}/unpause
func (s *Server) Unpause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

// pauser is implemented by every engine with a pause switch.
type pauser interface {
	Pause(ctx context.Context, capa admin.Capability) error
	Unpause(ctx context.Context, capa admin.Capability) error
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	engine := chi.URLParam(r, "engine")
	var target pauser
	switch engine {
	case "cash":
		target = s.cash
	case "invest":
		target = s.invest
	case "pool":
		target = s.pool
	default:
		writeError(w, fmt.Errorf("%w: unknown engine %q", ErrBadRequest, engine))
		return
	}

	capa := capability(r.Context())
	toggle := target.Unpause
	if paused {
		toggle = target.Pause
	}
	if err := toggle(r.Context(), capa); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("pause state changed", "engine", engine, "paused", paused, "session", capa.Session())
	writeJSON(w, http.StatusOK, map[string]any{"engine": engine, "paused": paused})
}

// CancelReservation handles DELETE /api/v1/admin/reservation
func (s *Server) CancelReservation(w http.ResponseWriter, r *http.Request) {
	if err := s.cash.CancelReservation(r.Context(), capability(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
