package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthperp/internal/engine"
	"synthperp/internal/insurance"
	"synthperp/internal/ledger"
	"synthperp/internal/market"
	"synthperp/internal/observability"
	"synthperp/internal/oracle"
	"synthperp/internal/position"
	"synthperp/internal/server"
	"synthperp/internal/stream"
)

var t0 = time.Unix(1_700_000_000, 0)

var testMetrics = observability.NewMetrics()

type harness struct {
	router *gin.Engine
	health *observability.HealthChecker
	fund   *insurance.Fund
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	lgr := ledger.NewMarginLedger(zerolog.Nop())
	registry, admin := market.NewRegistry(zerolog.Nop())
	index := oracle.NewIndex(zerolog.Nop())
	require.NoError(t, index.Register("btc-feed", 1_000_000, time.Hour, true))
	funding := oracle.NewFundingEngine(index, zerolog.Nop())
	fund, fundOwner, claimant := insurance.NewFund(0, 1_000_000_000_000, zerolog.Nop())

	eng := engine.New(
		registry, position.NewStore(), lgr, funding, fund, claimant,
		testMetrics, zerolog.Nop(), 4096, 4096,
	)

	_, err := eng.RegisterMarket(admin, market.Config{
		MarketID:     "BTC-PERP",
		BaseAsset:    "BTC",
		QuoteAsset:   "USD",
		PriceFeedIDs: []string{"btc-feed"},
		VirtualBase:  1000 * 1_000_000,
		VirtualQuote: 100_000 * 1_000_000,
		Params: market.Params{
			InitialMarginRatio:     100_000,
			MaintenanceMarginRatio: 50_000,
			FundingInterval:        time.Hour,
			MaxFundingRate:         100_000,
			TradeFeeBps:            0,
			LiquidationRewardBps:   500,
		},
	}, t0)
	require.NoError(t, err)

	health := observability.NewHealthChecker()
	httpServer := server.NewHTTP(
		eng, engine.NewHook(eng), admin, index, fund, fundOwner,
		stream.NewHub(zerolog.Nop()), health, zerolog.Nop(),
	)

	return &harness{router: httpServer.Router(), health: health, fund: fund}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.health.SetReady(true)
	rec = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMarketsEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/markets/BTC-PERP", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view market.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "BTC-PERP", view.MarketID)
	assert.True(t, view.Active)

	rec = h.do(t, http.MethodGet, "/v1/markets/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDepositAndOpenFlow(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()

	rec := h.do(t, http.MethodPost, "/v1/accounts/"+owner.String()+"/deposit",
		map[string]interface{}{"amount": 1000 * 1_000_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/v1/positions", map[string]interface{}{
		"owner":  owner.String(),
		"market": "BTC-PERP",
		"side":   "long",
		"size":   10 * 1_000_000,
		"margin": 200 * 1_000_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var p position.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, owner, p.Owner)
	assert.Equal(t, int64(10*1_000_000), p.Size)

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/v1/positions/%d", p.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Margin errors surface as 400, not 500.
	rec = h.do(t, http.MethodPost, "/v1/positions", map[string]interface{}{
		"owner":  owner.String(),
		"market": "BTC-PERP",
		"side":   "long",
		"size":   10 * 1_000_000,
		"margin": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLiquidityEndpointsRefuse(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/liquidity/add", map[string]interface{}{
		"market": "BTC-PERP",
		"base":   1,
		"quote":  1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInsuranceEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/admin/insurance/deposit",
		map[string]interface{}{"amount": 500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/v1/insurance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(500), status.Balance)

	rec = h.do(t, http.MethodPost, "/v1/admin/insurance/withdraw",
		map[string]interface{}{"amount": 600})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
