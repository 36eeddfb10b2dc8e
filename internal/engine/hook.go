package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"synthperp/internal/fixedpoint"
	"synthperp/internal/position"
	"synthperp/internal/vamm"
)

// SwapAction names the position effect a routed trade requests.
type SwapAction int32

const (
	SwapOpen SwapAction = iota + 1
	SwapIncrease
	SwapDecrease
	SwapClose
)

func (a SwapAction) String() string {
	switch a {
	case SwapOpen:
		return "open"
	case SwapIncrease:
		return "increase"
	case SwapDecrease:
		return "decrease"
	case SwapClose:
		return "close"
	default:
		return "unknown"
	}
}

// SwapRequest is the trade the external router is about to execute.
type SwapRequest struct {
	Trader   uuid.UUID
	MarketID string
	Action   SwapAction
	Side     position.Side // required for SwapOpen
	// PositionID targets an existing position for everything but SwapOpen.
	PositionID int64
	Size       int64 // base units; zero on SwapClose means full size
	Margin     int64 // margin to lock (open) or add (increase)
}

// SwapQuote is the hook's pre-trade answer: the internally computed amounts
// that override whatever the external venue calculated. The venue holds no
// inventory on synthetic markets, so its own numbers are ignored.
type SwapQuote struct {
	MarketID    string
	Size        int64
	QuoteAmount int64 // quote units the trader pays (open side) or receives
	FillPrice   int64
	MarkBefore  int64
}

// Hook is the pre/post-trade callback surface the external AMM router
// invokes around every trade on a synthetic market. Pre-trade quotes and
// validates; post-trade settles through the orchestrator. The engine never
// initiates trades through this surface, it only reacts.
type Hook struct {
	engine *Engine
}

func NewHook(e *Engine) *Hook {
	return &Hook{engine: e}
}

// BeforeSwap validates the requested trade and returns the overriding
// amounts. Due funding is settled here so the quote and the settlement that
// follows price against the same funding state. Open-interest caps and
// initial margin are checked so a doomed trade aborts before the venue
// moves anything.
func (h *Hook) BeforeSwap(req SwapRequest, now time.Time) (SwapQuote, error) {
	e := h.engine

	m, err := e.registry.GetActive(req.MarketID)
	if err != nil {
		return SwapQuote{}, err
	}

	m.Lock()
	defer m.Unlock()

	if err := e.settleFundingIfDue(m, now); err != nil {
		return SwapQuote{}, err
	}

	mark, err := vamm.MarkPrice(vamm.Reserves{Base: m.VirtualBase, Quote: m.VirtualQuote})
	if err != nil {
		return SwapQuote{}, err
	}

	side, size, err := h.resolve(req)
	if err != nil {
		return SwapQuote{}, err
	}

	var fill vamm.Fill
	switch req.Action {
	case SwapOpen, SwapIncrease:
		fill, err = e.openFill(m, side, size)
		if err != nil {
			return SwapQuote{}, err
		}

		plan := &tradePlan{}
		plan.setOI(side, size)
		if err := plan.checkOICaps(m); err != nil {
			return SwapQuote{}, err
		}

		if req.Action == SwapOpen {
			notional, err := fixedpoint.Notional(size, fill.FillPrice)
			if err != nil {
				return SwapQuote{}, err
			}
			if err := requireInitialMargin(req.Margin, notional, m.Params.InitialMarginRatio); err != nil {
				return SwapQuote{}, err
			}
		}

	case SwapDecrease, SwapClose:
		fill, err = e.closeFill(m, side, size)
		if err != nil {
			return SwapQuote{}, err
		}

	default:
		return SwapQuote{}, fmt.Errorf("swap action %d: %w", req.Action, position.ErrInvalidMutation)
	}

	return SwapQuote{
		MarketID:    req.MarketID,
		Size:        size,
		QuoteAmount: fill.QuoteDelta,
		FillPrice:   fill.FillPrice,
		MarkBefore:  mark,
	}, nil
}

// AfterSwap settles the executed trade against the trader's position via
// the orchestrator, which re-derives the authoritative fill under the
// market lock; the pre-trade quote is advisory and any drift between the
// two (another trade landed in between) settles at the committed price.
func (h *Hook) AfterSwap(req SwapRequest, now time.Time) (position.Position, error) {
	e := h.engine

	switch req.Action {
	case SwapOpen:
		return e.OpenPosition(req.Trader, req.MarketID, req.Side, req.Size, req.Margin, now)
	case SwapIncrease:
		return e.IncreasePosition(req.Trader, req.PositionID, req.Size, req.Margin, now)
	case SwapDecrease:
		return e.DecreasePosition(req.Trader, req.PositionID, req.Size, now)
	case SwapClose:
		return e.ClosePosition(req.Trader, req.PositionID, now)
	default:
		return position.Position{}, fmt.Errorf("swap action %d: %w", req.Action, position.ErrInvalidMutation)
	}
}

// AddLiquidity vetoes real liquidity provisioning on synthetic markets.
// Reserves are notional; real inventory would corrupt pricing.
func (h *Hook) AddLiquidity(marketID string, base, quote int64) error {
	if _, err := h.engine.registry.Get(marketID); err != nil {
		return err
	}
	return fmt.Errorf("market %s: %w", marketID, ErrRealLiquidityForbidden)
}

// RemoveLiquidity vetoes real liquidity withdrawal, same as AddLiquidity.
func (h *Hook) RemoveLiquidity(marketID string, base, quote int64) error {
	if _, err := h.engine.registry.Get(marketID); err != nil {
		return err
	}
	return fmt.Errorf("market %s: %w", marketID, ErrRealLiquidityForbidden)
}

// resolve derives the trade's side and effective size from the request,
// loading the target position for everything but an open.
func (h *Hook) resolve(req SwapRequest) (position.Side, int64, error) {
	if req.Action == SwapOpen {
		if req.Side != position.SideLong && req.Side != position.SideShort {
			return 0, 0, fmt.Errorf("swap open: side %d: %w", req.Side, position.ErrInvalidMutation)
		}
		return req.Side, req.Size, nil
	}

	p, err := h.engine.store.Get(req.PositionID)
	if err != nil {
		return 0, 0, err
	}
	if p.Owner != req.Trader {
		return 0, 0, fmt.Errorf("position %d: %w", req.PositionID, position.ErrNotOwner)
	}
	if !p.IsOpen() {
		return 0, 0, fmt.Errorf("position %d: %w", req.PositionID, position.ErrPositionClosed)
	}

	size := req.Size
	if req.Action == SwapClose && size == 0 {
		size = p.Size
	}
	return p.Side, size, nil
}
