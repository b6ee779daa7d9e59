package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/api"
	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/fundtest"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
	"github.com/atmx/fund-engine/internal/redeem"
)

// newTestEnv wires the API over a fresh fund and a chi router.
func newTestEnv(t *testing.T, limiter *rate.Limiter) (*fundtest.Env, chi.Router) {
	t.Helper()
	e := fundtest.New(t, fundtest.Options{})
	srv := api.NewServer(api.Options{
		Registry:  e.Registry,
		Cash:      e.Cash,
		Invest:    e.Invest,
		Pool:      e.Pool,
		Authority: e.Authority,
		Journal:   e.Store,
		Limiter:   limiter,
	})
	r := chi.NewRouter()
	r.Mount("/api/v1", srv.Routes())
	return e, r
}

func do(t *testing.T, router chi.Router, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func asAdmin() []string { return []string{admin.HeaderKey, fundtest.AdminKey} }

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestDeposit(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "alice", Amount: "1000.5"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.DepositResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1_000_500000), resp.Minted.Uint64())
	assert.Equal(t, "1000.5", resp.Shares)

	w = do(t, router, "GET", "/api/v1/accounts/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acct api.AccountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	assert.Equal(t, "1000.5", acct.SharesDisplay)
	assert.Equal(t, "0", acct.PayoutDisplay)
	assert.Nil(t, acct.Request)

	w = do(t, router, "GET", "/api/v1/pool", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pool api.PoolResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pool))
	assert.Equal(t, "1000.5", pool.NAVDisplay)
	assert.Equal(t, "USDC", pool.Base)
}

func TestDeposit_Errors(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "alice", Amount: "lots"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", errorBody(t, w)["code"])

	w = do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{Amount: "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, redeem.ErrInvalidUser.Error(), errorBody(t, w)["error"])

	req := httptest.NewRequest("POST", "/api/v1/pool/deposits", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedemptionFlow(t *testing.T) {
	e, router := newTestEnv(t, nil)
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "alice", Amount: "1000"}).Code)

	w := do(t, router, "POST", "/api/v1/pool/redemptions", api.RedeemRequest{User: "alice", Shares: "250"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", errorBody(t, w)["code"])

	e.Clock.Advance(24 * time.Hour)
	w = do(t, router, "POST", "/api/v1/pool/redemptions", api.RedeemRequest{User: "alice", Shares: "250"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, router, "POST", "/api/v1/pool/redemptions/alice/settle", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/v1/pool/redemptions/alice/prepare", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var auth redeem.Authorization
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &auth))
	assert.Equal(t, fundtest.USD(250), auth.Value)
	assert.NotEmpty(t, auth.PermitID)

	w = do(t, router, "GET", "/api/v1/cash", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st cash.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.NotNil(t, st.Reservation)
	assert.Equal(t, auth.PermitID, st.Reservation.ID)

	w = do(t, router, "POST", "/api/v1/pool/redemptions/alice/settle", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var settled redeem.Settlement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settled))
	assert.Equal(t, fundtest.USD(250), settled.Value)

	w = do(t, router, "GET", "/api/v1/accounts/alice", nil)
	var acct api.AccountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	assert.Equal(t, "750", acct.SharesDisplay)
	assert.Equal(t, "250", acct.PayoutDisplay)

	w = do(t, router, "POST", "/api/v1/pool/redemptions/alice/settle", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_RequiresKey(t *testing.T) {
	_, router := newTestEnv(t, nil)
	body := api.AllocationsRequest{Allocations: []api.AllocationInput{
		{Asset: fundtest.WETH, Target: "60"},
		{Asset: fundtest.WBTC, Target: "40"},
	}}

	w := do(t, router, "PUT", "/api/v1/admin/allocations", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorBody(t, w)["code"])

	w = do(t, router, "PUT", "/api/v1/admin/allocations", body, admin.HeaderKey, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, "PUT", "/api/v1/admin/allocations", body, asAdmin()...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var allocs []model.Allocation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &allocs))
	require.Len(t, allocs, 2)
	assert.Equal(t, percent.FromWhole(60), allocs[0].Target)
	assert.Equal(t, []model.AssetID{fundtest.WETH, fundtest.USDC}, allocs[0].LiquidationPath)

	w = do(t, router, "PUT", "/api/v1/admin/allocations", api.AllocationsRequest{Allocations: []api.AllocationInput{
		{Asset: fundtest.WETH, Target: "101"},
	}}, asAdmin()...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_Pause(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/admin/vault/pause", nil, asAdmin()...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/admin/pool/pause", nil, asAdmin()...)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "alice", Amount: "1"})
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "PAUSED", errorBody(t, w)["code"])

	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/v1/admin/pool/unpause", nil, asAdmin()...).Code)
	assert.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "alice", Amount: "1"}).Code)

	w = do(t, router, "DELETE", "/api/v1/admin/reservation", nil, asAdmin()...)
	assert.Equal(t, http.StatusConflict, w.Code, "no reservation to cancel")
}

func TestInvestmentEndpoints(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := do(t, router, "PUT", "/api/v1/admin/investments", api.InvestmentAssetRequest{
		Asset:       fundtest.WETH,
		TargetPrice: "2400",
		Confidence:  "60",
	}, asAdmin()...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, "POST", "/api/v1/invest/WETH/samples", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sample model.PriceSample
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sample))
	assert.Equal(t, fundtest.USD(2_000), sample.Price)

	w = do(t, router, "POST", "/api/v1/invest/WETH/samples", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = do(t, router, "POST", "/api/v1/invest/WETH/determine/buy", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "not enough samples")

	w = do(t, router, "POST", "/api/v1/invest/DOGE/samples", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "POST", "/api/v1/invest/liquidations/next", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "DELETE", "/api/v1/admin/investments/WETH", nil, asAdmin()...)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestEvents(t *testing.T) {
	_, router := newTestEnv(t, nil)
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "alice", Amount: "5"}).Code)
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "bob", Amount: "7"}).Code)

	w := do(t, router, "GET", "/api/v1/events?kind=deposited", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []model.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "bob", events[0].User, "newest first")

	w = do(t, router, "GET", "/api/v1/events/users/alice?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, model.EventDeposited, events[0].Kind)

	w = do(t, router, "GET", "/api/v1/events?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit_Mutations(t *testing.T) {
	_, router := newTestEnv(t, rate.NewLimiter(rate.Every(time.Hour), 1))

	assert.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "alice", Amount: "1"}).Code)

	w := do(t, router, "POST", "/api/v1/pool/deposits", api.DepositRequest{User: "alice", Amount: "1"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, api.ErrThrottled.Error(), errorBody(t, w)["error"])
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, router, "GET", "/api/v1/pool", nil).Code, "reads are not throttled")
}

func TestPrices(t *testing.T) {
	e, router := newTestEnv(t, nil)
	require.NoError(t, e.Cash.SetAllocations(e.Ctx, e.Admin,
		[]model.AssetID{fundtest.WETH}, []percent.Percent{percent.FromWhole(50)}, nil))

	w := do(t, router, "GET", "/api/v1/prices", nil)
	require.Equal(t, http.StatusOK, w.Code)

	e.Refresh(t)
	w = do(t, router, "GET", "/api/v1/prices", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.PricesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Prices, 1)
	assert.Equal(t, fundtest.WETH, resp.Prices[0].Asset)
	assert.Equal(t, "2000000000", resp.Prices[0].Price)
	assert.Equal(t, "2000", resp.Prices[0].PriceDisplay)
}
