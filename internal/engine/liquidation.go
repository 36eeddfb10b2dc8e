package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"synthperp/internal/event"
	"synthperp/internal/fixedpoint"
	"synthperp/internal/ledger"
	"synthperp/internal/position"
	"synthperp/internal/vamm"
)

// Liquidate force-closes an undercollateralized position. The margin ratio
// is recomputed at call time against the current mark; a healthy or already
// terminal position fails with ErrPositionNotLiquidatable, so a stale or
// repeated attempt never seizes anything.
//
// Redistribution: accrued funding is charged against margin first, the
// remaining margin is seized in full, the caller is paid a reward from it,
// and the realized loss is covered from the seized remainder. A deficit
// draws on the insurance fund up to its per-event cap; whatever the fund
// cannot cover is added to the market's socialized loss, never dropped.
func (e *Engine) Liquidate(liquidator uuid.UUID, positionID int64, now time.Time) (event.Liquidation, error) {
	pre, err := e.store.Get(positionID)
	if err != nil {
		return event.Liquidation{}, err
	}
	m, err := e.registry.Get(pre.MarketID)
	if err != nil {
		return event.Liquidation{}, err
	}

	m.Lock()
	defer m.Unlock()

	if err := e.settleFundingIfDue(m, now); err != nil {
		return event.Liquidation{}, err
	}

	p, err := e.store.Get(positionID)
	if err != nil {
		return event.Liquidation{}, err
	}
	if !p.IsOpen() {
		e.metrics.LiquidationsFailed.WithLabelValues(m.MarketID, "terminal").Inc()
		return event.Liquidation{}, fmt.Errorf("position %d in state %s: %w",
			positionID, p.State, ErrPositionNotLiquidatable)
	}

	mark, err := vamm.MarkPrice(vamm.Reserves{Base: m.VirtualBase, Quote: m.VirtualQuote})
	if err != nil {
		return event.Liquidation{}, err
	}

	owed, err := fundingOwed(m.GlobalFundingIndex, p)
	if err != nil {
		return event.Liquidation{}, err
	}

	liquidatable, err := belowMaintenance(p, owed, mark, m.Params.MaintenanceMarginRatio)
	if err != nil {
		return event.Liquidation{}, err
	}
	if !liquidatable {
		e.metrics.LiquidationsFailed.WithLabelValues(m.MarketID, "healthy").Inc()
		return event.Liquidation{}, fmt.Errorf("position %d above maintenance margin: %w",
			positionID, ErrPositionNotLiquidatable)
	}

	fill, err := e.closeFill(m, p.Side, p.Size)
	if err != nil {
		return event.Liquidation{}, err
	}
	realized, err := fixedpoint.PnL(p.Side.Sign(), fill.FillPrice, p.EntryPrice, p.Size)
	if err != nil {
		return event.Liquidation{}, err
	}

	// Funding is collectable only up to the position's margin; anything
	// beyond it joins the loss to be covered.
	charged := owed
	uncollected := int64(0)
	if charged > p.Margin {
		charged = p.Margin
		uncollected = owed - p.Margin
	}
	seized := p.Margin - charged

	ref := tradeRef("liquidate", positionID)
	var ops []ledger.Op
	switch {
	case charged > 0:
		ops = append(ops,
			ledger.Op{Kind: ledger.OpUnlock, Account: p.Owner, Amount: charged, Ref: fundingRef(positionID)},
			ledger.Op{Kind: ledger.OpSettle, Account: p.Owner, Amount: -charged, Ref: fundingRef(positionID)},
		)
	case owed < 0:
		// Funding owed to the position joins its margin and is seized with it.
		ops = append(ops,
			ledger.Op{Kind: ledger.OpSettle, Account: p.Owner, Amount: -owed, Ref: fundingRef(positionID)},
			ledger.Op{Kind: ledger.OpLock, Account: p.Owner, Amount: -owed, Ref: fundingRef(positionID)},
		)
	}

	reward, err := fixedpoint.MulDiv(seized, m.Params.LiquidationRewardBps, fixedpoint.BasisPointScale)
	if err != nil {
		return event.Liquidation{}, err
	}

	if seized > 0 {
		ops = append(ops,
			ledger.Op{Kind: ledger.OpUnlock, Account: p.Owner, Amount: seized, Ref: ref},
			ledger.Op{Kind: ledger.OpSettle, Account: p.Owner, Amount: -seized, Ref: ref},
		)
	}
	if reward > 0 {
		ops = append(ops, ledger.Op{Kind: ledger.OpSettle, Account: liquidator, Amount: reward, Ref: ref})
	}

	entries, err := e.auth.Apply(ops, now)
	if err != nil {
		return event.Liquidation{}, err
	}
	e.record(entries)

	mut := position.Mutation{NewState: position.StateLiquidated}
	if err := e.store.Apply(positionID, mut, now); err != nil {
		panic(fmt.Sprintf("FATAL: ledger committed but position %d rejected liquidation: %v", positionID, err))
	}

	m.VirtualBase = fill.NewBase
	m.VirtualQuote = fill.NewQuote
	if p.Side == position.SideLong {
		m.TotalLongOI -= p.Size
	} else {
		m.TotalShortOI -= p.Size
	}
	if !vamm.InvariantHolds(vamm.Reserves{Base: m.VirtualBase, Quote: m.VirtualQuote}, m.K, invariantTolerance) {
		panic(fmt.Sprintf("FATAL: market %s reserve invariant violated: base=%d quote=%d",
			m.MarketID, m.VirtualBase, m.VirtualQuote))
	}

	// Settle the pot: seized margin plus any realized gain covers the reward,
	// the realized loss and uncollected funding. A deficit draws insurance;
	// a surplus accrues to the fund.
	loss, gain := int64(0), int64(0)
	if realized < 0 {
		loss = -realized
	} else {
		gain = realized
	}
	need := reward + loss + uncollected
	available := seized + gain

	liquidationID := uuid.New()
	var insuranceDraw, socialized int64
	if deficit := need - available; deficit > 0 {
		paid, short, err := e.claims.PayClaim(deficit)
		if err != nil {
			panic(fmt.Sprintf("FATAL: insurance claim for %d rejected: %v", deficit, err))
		}
		insuranceDraw, socialized = paid, short
		m.SocializedLoss += socialized

		e.metrics.InsuranceDraws.Add(float64(paid))
		e.emit(event.TypeInsuranceClaim, m.MarketID, event.InsuranceClaim{
			LiquidationID: liquidationID,
			Requested:     deficit,
			Paid:          paid,
			Shortfall:     short,
			BalanceAfter:  e.fund.Balance(),
		}, now)
	} else if surplus := available - need; surplus > 0 {
		if err := e.fund.Deposit(surplus); err != nil {
			panic(fmt.Sprintf("FATAL: liquidation surplus deposit rejected: %v", err))
		}
	}
	e.metrics.InsuranceBalance.Set(float64(e.fund.Balance()))

	e.gaugeMarket(m)
	e.metrics.MarkPrice.WithLabelValues(m.MarketID).Set(float64(fillMark(fill)))
	e.metrics.Liquidations.WithLabelValues(m.MarketID).Inc()

	result := event.Liquidation{
		LiquidationID: liquidationID,
		PositionID:    positionID,
		Owner:         p.Owner,
		Liquidator:    liquidator,
		Market:        m.MarketID,
		Size:          p.Size,
		MarkPrice:     mark,
		SeizedMargin:  seized,
		Reward:        reward,
		RealizedLoss:  loss,
		InsuranceDraw: insuranceDraw,
		Shortfall:     socialized,
	}
	e.emit(event.TypeLiquidation, m.MarketID, result, now)

	e.log.Warn().
		Str("market", m.MarketID).
		Int64("position", positionID).
		Int64("seized", seized).
		Int64("reward", reward).
		Int64("insurance_draw", insuranceDraw).
		Int64("socialized", socialized).
		Msg("position liquidated")

	return result, nil
}

// belowMaintenance reports whether the position's margin ratio, net of
// accrued funding and marked at the given price, is under the maintenance
// threshold.
func belowMaintenance(p position.Position, owed, mark, mmr int64) (bool, error) {
	uPnL, err := fixedpoint.PnL(p.Side.Sign(), mark, p.EntryPrice, p.Size)
	if err != nil {
		return false, err
	}
	notional, err := fixedpoint.Notional(p.Size, mark)
	if err != nil {
		return false, err
	}
	if notional <= 0 {
		return false, nil
	}

	equity := p.Margin - owed + uPnL
	ratio, err := fixedpoint.MulDiv(equity, fixedpoint.RatioConfig.Scale, notional)
	if err != nil {
		return false, err
	}
	return ratio < mmr, nil
}

func fillMark(f vamm.Fill) int64 {
	mark, err := vamm.MarkPrice(vamm.Reserves{Base: f.NewBase, Quote: f.NewQuote})
	if err != nil {
		return 0
	}
	return mark
}
