// Package api exposes the fund engines over HTTP.
//
// Amounts in request bodies are human decimal strings in the asset's whole
// units ("1500.25" USDC). Amounts in responses are raw integer strings in the
// smallest unit, with a formatted copy where a person is likely to read them.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/redeem"
)

// ErrBadRequest is returned for malformed request bodies and parameters.
var ErrBadRequest = apperrors.New(apperrors.Validation, "api: invalid request")

// Journal lists committed events.
type Journal interface {
	ListEvents(ctx context.Context, kind model.EventKind, limit int) ([]model.Event, error)
	ListUserEvents(ctx context.Context, user string, limit int) ([]model.Event, error)
}

// Options wires a Server. Hub and Limiter are optional.
type Options struct {
	Registry  *model.Registry
	Cash      *cash.Engine
	Invest    *invest.Engine
	Pool      *redeem.Coordinator
	Authority *admin.Authority
	Journal   Journal
	Hub       *WSHub
	Limiter   *rate.Limiter
}

// Server holds the HTTP handlers.
type Server struct {
	registry  *model.Registry
	cash      *cash.Engine
	invest    *invest.Engine
	pool      *redeem.Coordinator
	authority *admin.Authority
	journal   Journal
	hub       *WSHub
	limiter   *rate.Limiter
}

// NewServer creates the handlers.
func NewServer(o Options) *Server {
	return &Server{
		registry:  o.Registry,
		cash:      o.Cash,
		invest:    o.Invest,
		pool:      o.Pool,
		authority: o.Authority,
		journal:   o.Journal,
		hub:       o.Hub,
		limiter:   o.Limiter,
	}
}

// Routes returns the router mounted at /api/v1.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	// Reads.
	r.Get("/pool", s.GetPool)
	r.Get("/accounts/{user}", s.GetAccount)
	r.Get("/events", s.ListEvents)
	r.Get("/events/users/{user}", s.ListUserEvents)
	r.Get("/cash", s.GetCash)
	r.Get("/prices", s.GetPrices)
	r.Get("/invest", s.GetInvest)

	// Mutations.
	r.Group(func(r chi.Router) {
		r.Use(RateLimit(s.limiter))

		r.Post("/pool/deposits", s.Deposit)
		r.Post("/pool/redemptions", s.RequestRedeem)
		r.Post("/pool/redemptions/{user}/prepare", s.PrepareDryPowder)
		r.Post("/pool/redemptions/{user}/settle", s.Redeem)

		r.Post("/cash/prices/refresh", s.RefreshPrices)
		r.Post("/cash/queues/build", s.BuildQueues)
		r.Post("/cash/liquidations/next", s.ProcessCashLiquidation)
		r.Post("/cash/purchases/next", s.ProcessPurchase)
		r.Post("/cash/reservations", s.ReserveForInvestmentBuy)

		r.Post("/invest/{asset}/samples", s.RecordPriceSample)
		r.Post("/invest/{asset}/determine/buy", s.DetermineBuy)
		r.Post("/invest/{asset}/determine/sell", s.DetermineSell)
		r.Post("/invest/{asset}/buy", s.ProcessBuy)
		r.Post("/invest/{asset}/sell", s.ProcessSell)
		r.Post("/invest/liquidations/next", s.ProcessInvestLiquidation)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(s.authority))
			r.Put("/allocations", s.SetAllocations)
			r.Put("/investments", s.SetInvestmentAsset)
			r.Delete("/investments/{asset}", s.RemoveInvestmentAsset)
			r.Post("/{engine}/pause", s.Pause)
			r.Post("/{engine}/unpause", s.Unpause)
			r.Delete("/reservation", s.CancelReservation)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error","code"} with the status its kind maps to.
func writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "err", err, "status", status)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(apperrors.KindOf(err)),
	})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrBadRequest
	}
	return nil
}
