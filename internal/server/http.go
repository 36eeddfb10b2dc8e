// Package server exposes the engine over HTTP/JSON and gRPC. The HTTP
// surface carries queries, trading, the AMM hook conduit and the admin
// endpoints; gRPC carries health and reflection for operational tooling.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"synthperp/internal/engine"
	"synthperp/internal/insurance"
	"synthperp/internal/ledger"
	"synthperp/internal/market"
	"synthperp/internal/observability"
	"synthperp/internal/oracle"
	"synthperp/internal/position"
	"synthperp/internal/stream"
)

// HTTP is the JSON API server.
type HTTP struct {
	engine    *engine.Engine
	hook      *engine.Hook
	admin     *market.Admin
	index     *oracle.Index
	fund      *insurance.Fund
	fundOwner *insurance.Owner
	hub       *stream.Hub
	health    *observability.HealthChecker
	log       zerolog.Logger
	clock     func() time.Time
}

func NewHTTP(
	eng *engine.Engine,
	hook *engine.Hook,
	admin *market.Admin,
	index *oracle.Index,
	fund *insurance.Fund,
	fundOwner *insurance.Owner,
	hub *stream.Hub,
	health *observability.HealthChecker,
	log zerolog.Logger,
) *HTTP {
	return &HTTP{
		engine:    eng,
		hook:      hook,
		admin:     admin,
		index:     index,
		fund:      fund,
		fundOwner: fundOwner,
		hub:       hub,
		health:    health,
		log:       log,
		clock:     time.Now,
	}
}

// Router builds the gin engine with all routes registered.
func (h *HTTP) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", gin.WrapF(h.health.LivenessHandler))
	r.GET("/readyz", gin.WrapF(h.health.ReadinessHandler))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gin.WrapF(h.hub.HandleWS))

	v1 := r.Group("/v1")
	{
		v1.GET("/markets", h.listMarkets)
		v1.GET("/markets/:id", h.getMarket)
		v1.POST("/markets/:id/funding", h.touchFunding)

		v1.GET("/accounts/:id", h.getAccount)
		v1.POST("/accounts/:id/deposit", h.deposit)
		v1.POST("/accounts/:id/withdraw", h.withdraw)
		v1.GET("/accounts/:id/positions", h.listPositions)

		v1.POST("/positions", h.openPosition)
		v1.GET("/positions/:id", h.getPosition)
		v1.POST("/positions/:id/increase", h.increasePosition)
		v1.POST("/positions/:id/decrease", h.decreasePosition)
		v1.POST("/positions/:id/close", h.closePosition)
		v1.POST("/positions/:id/transfer", h.transferPosition)
		v1.POST("/positions/:id/liquidate", h.liquidate)

		v1.POST("/swap/quote", h.swapQuote)
		v1.POST("/swap/execute", h.swapExecute)
		v1.POST("/liquidity/add", h.addLiquidity)
		v1.POST("/liquidity/remove", h.removeLiquidity)

		v1.POST("/oracle/sources", h.registerSource)
		v1.POST("/oracle/prices", h.publishPrice)

		v1.GET("/insurance", h.insuranceStatus)

		admin := v1.Group("/admin")
		{
			admin.POST("/markets", h.registerMarket)
			admin.PUT("/markets/:id/params", h.updateParams)
			admin.PUT("/markets/:id/active", h.setActive)
			admin.POST("/insurance/deposit", h.insuranceDeposit)
			admin.POST("/insurance/withdraw", h.insuranceWithdraw)
		}
	}

	return r
}

// Serve runs the server until the listener fails.
func (h *HTTP) Serve(addr string) error {
	h.log.Info().Str("addr", addr).Msg("http server listening")
	return h.Router().Run(addr)
}

func (h *HTTP) listMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"markets": h.engine.Markets()})
}

func (h *HTTP) getMarket(c *gin.Context) {
	view, err := h.engine.Market(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *HTTP) touchFunding(c *gin.Context) {
	if err := h.engine.TouchFunding(c.Param("id"), h.clock()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *HTTP) getAccount(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	acct, ok := h.engine.Account(owner)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":  acct.Owner,
		"free":   acct.Free,
		"locked": acct.Locked,
		"total":  acct.Total(),
	})
}

type amountReq struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *HTTP) deposit(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	var req amountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := h.engine.Deposit(owner, req.Amount, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *HTTP) withdraw(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	var req amountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := h.engine.Withdraw(owner, req.Amount, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *HTTP) listPositions(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": h.engine.PositionsByOwner(owner)})
}

type openReq struct {
	Owner  string `json:"owner" binding:"required"`
	Market string `json:"market" binding:"required"`
	Side   string `json:"side" binding:"required"`
	Size   int64  `json:"size" binding:"required"`
	Margin int64  `json:"margin" binding:"required"`
}

func (h *HTTP) openPosition(c *gin.Context) {
	var req openReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.engine.OpenPosition(owner, req.Market, side, req.Size, req.Margin, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *HTTP) getPosition(c *gin.Context) {
	id, ok := h.positionID(c)
	if !ok {
		return
	}
	p, err := h.engine.Position(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type increaseReq struct {
	Owner  string `json:"owner" binding:"required"`
	Size   int64  `json:"size" binding:"required"`
	Margin int64  `json:"margin"`
}

func (h *HTTP) increasePosition(c *gin.Context) {
	id, ok := h.positionID(c)
	if !ok {
		return
	}
	var req increaseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
		return
	}

	p, err := h.engine.IncreasePosition(owner, id, req.Size, req.Margin, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type decreaseReq struct {
	Owner string `json:"owner" binding:"required"`
	Size  int64  `json:"size" binding:"required"`
}

func (h *HTTP) decreasePosition(c *gin.Context) {
	id, ok := h.positionID(c)
	if !ok {
		return
	}
	var req decreaseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
		return
	}

	p, err := h.engine.DecreasePosition(owner, id, req.Size, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type ownerReq struct {
	Owner string `json:"owner" binding:"required"`
}

func (h *HTTP) closePosition(c *gin.Context) {
	id, ok := h.positionID(c)
	if !ok {
		return
	}
	var req ownerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
		return
	}

	p, err := h.engine.ClosePosition(owner, id, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type transferReq struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

func (h *HTTP) transferPosition(c *gin.Context) {
	id, ok := h.positionID(c)
	if !ok {
		return
	}
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from, err := uuid.Parse(req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	to, err := uuid.Parse(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return
	}

	if err := h.engine.TransferPosition(from, id, to, h.clock()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type liquidateReq struct {
	Liquidator string `json:"liquidator" binding:"required"`
}

func (h *HTTP) liquidate(c *gin.Context) {
	id, ok := h.positionID(c)
	if !ok {
		return
	}
	var req liquidateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid liquidator"})
		return
	}

	result, err := h.engine.Liquidate(liquidator, id, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type swapReq struct {
	Trader     string `json:"trader" binding:"required"`
	Market     string `json:"market"`
	Action     string `json:"action" binding:"required"`
	Side       string `json:"side"`
	PositionID int64  `json:"position_id"`
	Size       int64  `json:"size"`
	Margin     int64  `json:"margin"`
}

func (h *HTTP) parseSwap(c *gin.Context) (engine.SwapRequest, bool) {
	var req swapReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return engine.SwapRequest{}, false
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trader"})
		return engine.SwapRequest{}, false
	}

	var action engine.SwapAction
	switch req.Action {
	case "open":
		action = engine.SwapOpen
	case "increase":
		action = engine.SwapIncrease
	case "decrease":
		action = engine.SwapDecrease
	case "close":
		action = engine.SwapClose
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return engine.SwapRequest{}, false
	}

	var side position.Side
	if req.Side != "" {
		side, err = parseSide(req.Side)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return engine.SwapRequest{}, false
		}
	}

	return engine.SwapRequest{
		Trader:     trader,
		MarketID:   req.Market,
		Action:     action,
		Side:       side,
		PositionID: req.PositionID,
		Size:       req.Size,
		Margin:     req.Margin,
	}, true
}

func (h *HTTP) swapQuote(c *gin.Context) {
	req, ok := h.parseSwap(c)
	if !ok {
		return
	}
	quote, err := h.hook.BeforeSwap(req, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *HTTP) swapExecute(c *gin.Context) {
	req, ok := h.parseSwap(c)
	if !ok {
		return
	}
	p, err := h.hook.AfterSwap(req, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type liquidityReq struct {
	Market string `json:"market" binding:"required"`
	Base   int64  `json:"base"`
	Quote  int64  `json:"quote"`
}

func (h *HTTP) addLiquidity(c *gin.Context) {
	var req liquidityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.fail(c, h.hook.AddLiquidity(req.Market, req.Base, req.Quote))
}

func (h *HTTP) removeLiquidity(c *gin.Context) {
	var req liquidityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.fail(c, h.hook.RemoveLiquidity(req.Market, req.Base, req.Quote))
}

type sourceReq struct {
	FeedID       string `json:"feed_id" binding:"required"`
	Weight       int64  `json:"weight" binding:"required"`
	MaxStaleness int64  `json:"max_staleness_seconds" binding:"required"`
	Primary      bool   `json:"primary"`
}

func (h *HTTP) registerSource(c *gin.Context) {
	var req sourceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.index.Register(req.FeedID, req.Weight, time.Duration(req.MaxStaleness)*time.Second, req.Primary); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type priceReq struct {
	FeedID      string `json:"feed_id" binding:"required"`
	Price       int64  `json:"price" binding:"required"`
	PublishTime int64  `json:"publish_time" binding:"required"` // Unix seconds
}

func (h *HTTP) publishPrice(c *gin.Context) {
	var req priceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.index.Publish(req.FeedID, req.Price, time.Unix(req.PublishTime, 0), h.clock()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type registerMarketReq struct {
	MarketID     string        `json:"market_id" binding:"required"`
	BaseAsset    string        `json:"base_asset" binding:"required"`
	QuoteAsset   string        `json:"quote_asset" binding:"required"`
	PriceFeedIDs []string      `json:"price_feed_ids" binding:"required"`
	VirtualBase  int64         `json:"virtual_base" binding:"required"`
	VirtualQuote int64         `json:"virtual_quote" binding:"required"`
	Params       market.Params `json:"params"`
}

func (h *HTTP) registerMarket(c *gin.Context) {
	var req registerMarketReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.engine.RegisterMarket(h.admin, market.Config{
		MarketID:     req.MarketID,
		BaseAsset:    req.BaseAsset,
		QuoteAsset:   req.QuoteAsset,
		PriceFeedIDs: req.PriceFeedIDs,
		VirtualBase:  req.VirtualBase,
		VirtualQuote: req.VirtualQuote,
		Params:       req.Params,
	}, h.clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h *HTTP) updateParams(c *gin.Context) {
	var p market.Params
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.UpdateMarketParams(h.admin, c.Param("id"), p, h.clock()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type activeReq struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *HTTP) setActive(c *gin.Context) {
	var req activeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.admin.SetActive(c.Param("id"), *req.Active); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *HTTP) insuranceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"balance":                h.fund.Balance(),
		"total_claims":           h.fund.TotalClaims(),
		"max_coverage_per_event": h.fund.MaxCoveragePerEvent(),
	})
}

type insuranceAmountReq struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *HTTP) insuranceDeposit(c *gin.Context) {
	var req insuranceAmountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.fund.Deposit(req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": h.fund.Balance()})
}

func (h *HTTP) insuranceWithdraw(c *gin.Context) {
	var req insuranceAmountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.fundOwner.Withdraw(req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": h.fund.Balance()})
}

func (h *HTTP) positionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position id"})
		return 0, false
	}
	return id, true
}

// fail maps the engine's error taxonomy onto HTTP statuses.
func (h *HTTP) fail(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrUnknownMarket),
		errors.Is(err, position.ErrUnknownPosition),
		errors.Is(err, ledger.ErrUnknownAccount),
		errors.Is(err, oracle.ErrUnknownFeed):
		status = http.StatusNotFound

	case errors.Is(err, position.ErrNotOwner):
		status = http.StatusForbidden

	case errors.Is(err, position.ErrPositionClosed),
		errors.Is(err, engine.ErrPositionNotLiquidatable),
		errors.Is(err, market.ErrMarketExists):
		status = http.StatusConflict

	case errors.Is(err, insurance.ErrBelowMinReserve),
		errors.Is(err, insurance.ErrNonPositiveAmount),
		errors.Is(err, engine.ErrInsufficientMargin),
		errors.Is(err, engine.ErrOpenInterestCapExceeded),
		errors.Is(err, engine.ErrRealLiquidityForbidden),
		errors.Is(err, ledger.ErrInsufficientFreeBalance),
		errors.Is(err, ledger.ErrInsufficientLocked),
		errors.Is(err, ledger.ErrNonPositiveAmount),
		errors.Is(err, market.ErrMarketInactive),
		errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrNoValidPriceSource),
		errors.Is(err, position.ErrInvalidMutation):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseSide(s string) (position.Side, error) {
	switch s {
	case "long":
		return position.SideLong, nil
	case "short":
		return position.SideShort, nil
	default:
		return 0, errors.New("side must be long or short")
	}
}
