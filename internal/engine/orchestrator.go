package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"synthperp/internal/event"
	"synthperp/internal/fixedpoint"
	"synthperp/internal/ledger"
	"synthperp/internal/market"
	"synthperp/internal/position"
	"synthperp/internal/vamm"
)

// OpenPosition routes a new trade through the virtual curve and mints a
// position handle: quote the fill, check OI caps and initial margin, lock
// margin and charge the fee, write the record, move reserves. One atomic
// operation under the market lock; any failing step leaves nothing written.
func (e *Engine) OpenPosition(owner uuid.UUID, marketID string, side position.Side, size, margin int64, now time.Time) (position.Position, error) {
	start := time.Now()

	m, err := e.registry.GetActive(marketID)
	if err != nil {
		return position.Position{}, err
	}

	m.Lock()
	defer m.Unlock()

	if err := e.settleFundingIfDue(m, now); err != nil {
		return position.Position{}, err
	}

	fill, err := e.openFill(m, side, size)
	if err != nil {
		e.metrics.TradesRejected.WithLabelValues(marketID, "quote").Inc()
		return position.Position{}, err
	}

	plan := &tradePlan{action: "open", owner: owner, side: side, fill: fill}
	plan.setOI(side, size)
	if err := plan.checkOICaps(m); err != nil {
		e.metrics.TradesRejected.WithLabelValues(marketID, "oi_cap").Inc()
		return position.Position{}, err
	}

	plan.notional, err = fixedpoint.Notional(size, fill.FillPrice)
	if err != nil {
		return position.Position{}, err
	}
	if err := requireInitialMargin(margin, plan.notional, m.Params.InitialMarginRatio); err != nil {
		e.metrics.TradesRejected.WithLabelValues(marketID, "initial_margin").Inc()
		return position.Position{}, err
	}

	plan.fee, err = tradeFee(plan.notional, m.Params.TradeFeeBps)
	if err != nil {
		return position.Position{}, err
	}

	plan.ops = []ledger.Op{
		{Kind: ledger.OpLock, Account: owner, Amount: margin, Ref: "open"},
	}
	if plan.fee > 0 {
		plan.ops = append(plan.ops, ledger.Op{Kind: ledger.OpSettle, Account: owner, Amount: -plan.fee, Ref: "open"})
	}
	plan.mint = &mintSpec{Owner: owner, Side: side, Size: size, Entry: fill.FillPrice, Margin: margin}

	rec, err := e.commit(m, plan, now)
	if err != nil {
		return position.Position{}, err
	}

	e.metrics.TradeDuration.WithLabelValues(marketID).Observe(time.Since(start).Seconds())
	return rec, nil
}

// IncreasePosition adds size (and optionally margin) to an open position at
// the current curve price, blending the entry price by size weight.
func (e *Engine) IncreasePosition(owner uuid.UUID, positionID, size, addMargin int64, now time.Time) (position.Position, error) {
	start := time.Now()

	m, p, err := e.lockPositionMarket(owner, positionID)
	if err != nil {
		return position.Position{}, err
	}
	defer m.Unlock()

	if !m.Active {
		return position.Position{}, fmt.Errorf("market %s: %w", m.MarketID, market.ErrMarketInactive)
	}
	if err := e.settleFundingIfDue(m, now); err != nil {
		return position.Position{}, err
	}
	// Reload under the lock; funding settlement does not touch the record
	// but any earlier trade in this market may have.
	p, err = e.store.Get(positionID)
	if err != nil {
		return position.Position{}, err
	}

	ops, effMargin, owed, err := fundingLegs(p, m.GlobalFundingIndex)
	if err != nil {
		return position.Position{}, wrapPos(positionID, err)
	}

	fill, err := e.openFill(m, p.Side, size)
	if err != nil {
		e.metrics.TradesRejected.WithLabelValues(m.MarketID, "quote").Inc()
		return position.Position{}, err
	}

	plan := &tradePlan{action: "increase", owner: owner, side: p.Side, positionID: positionID, fill: fill, funding: owed}
	plan.setOI(p.Side, size)
	if err := plan.checkOICaps(m); err != nil {
		e.metrics.TradesRejected.WithLabelValues(m.MarketID, "oi_cap").Inc()
		return position.Position{}, err
	}

	newSize := p.Size + size
	newEntry, err := fixedpoint.AvgEntryPrice(p.Size, p.EntryPrice, size, fill.FillPrice)
	if err != nil {
		return position.Position{}, err
	}
	newMargin := effMargin + addMargin

	fullNotional, err := fixedpoint.Notional(newSize, newEntry)
	if err != nil {
		return position.Position{}, err
	}
	if err := requireInitialMargin(newMargin, fullNotional, m.Params.InitialMarginRatio); err != nil {
		e.metrics.TradesRejected.WithLabelValues(m.MarketID, "initial_margin").Inc()
		return position.Position{}, wrapPos(positionID, err)
	}

	plan.notional, err = fixedpoint.Notional(size, fill.FillPrice)
	if err != nil {
		return position.Position{}, err
	}
	plan.fee, err = tradeFee(plan.notional, m.Params.TradeFeeBps)
	if err != nil {
		return position.Position{}, err
	}

	ref := tradeRef("increase", positionID)
	if addMargin > 0 {
		ops = append(ops, ledger.Op{Kind: ledger.OpLock, Account: owner, Amount: addMargin, Ref: ref})
	}
	if plan.fee > 0 {
		ops = append(ops, ledger.Op{Kind: ledger.OpSettle, Account: owner, Amount: -plan.fee, Ref: ref})
	}
	plan.ops = ops
	plan.mutation = position.Mutation{
		Size:            newSize,
		EntryPrice:      newEntry,
		Margin:          newMargin,
		FundingSnapshot: m.GlobalFundingIndex,
		NewState:        position.StateOpen,
	}

	rec, err := e.commit(m, plan, now)
	if err != nil {
		return position.Position{}, err
	}

	e.metrics.TradeDuration.WithLabelValues(m.MarketID).Observe(time.Since(start).Seconds())
	return rec, nil
}

// DecreasePosition closes size base units at the current curve price,
// realizing proportional PnL and releasing proportional margin. Decreasing
// to zero closes the position.
func (e *Engine) DecreasePosition(owner uuid.UUID, positionID, size int64, now time.Time) (position.Position, error) {
	if size <= 0 {
		return position.Position{}, fmt.Errorf("position %d: reduce size %d: %w",
			positionID, size, position.ErrInvalidMutation)
	}
	return e.reduce(owner, positionID, size, now)
}

// ClosePosition closes the full remaining size of an open position.
func (e *Engine) ClosePosition(owner uuid.UUID, positionID int64, now time.Time) (position.Position, error) {
	return e.reduce(owner, positionID, 0, now)
}

// reduce implements decrease and close; size zero means the full position.
func (e *Engine) reduce(owner uuid.UUID, positionID, size int64, now time.Time) (position.Position, error) {
	start := time.Now()

	m, p, err := e.lockPositionMarket(owner, positionID)
	if err != nil {
		return position.Position{}, err
	}
	defer m.Unlock()

	if err := e.settleFundingIfDue(m, now); err != nil {
		return position.Position{}, err
	}
	p, err = e.store.Get(positionID)
	if err != nil {
		return position.Position{}, err
	}

	if size == 0 {
		size = p.Size
	}
	if size < 0 || size > p.Size {
		return position.Position{}, fmt.Errorf("position %d: reduce %d of %d: %w",
			positionID, size, p.Size, position.ErrInvalidMutation)
	}

	ops, effMargin, owed, err := fundingLegs(p, m.GlobalFundingIndex)
	if err != nil {
		return position.Position{}, wrapPos(positionID, err)
	}

	fill, err := e.closeFill(m, p.Side, size)
	if err != nil {
		e.metrics.TradesRejected.WithLabelValues(m.MarketID, "quote").Inc()
		return position.Position{}, err
	}

	realized, err := fixedpoint.PnL(p.Side.Sign(), fill.FillPrice, p.EntryPrice, size)
	if err != nil {
		return position.Position{}, err
	}

	action := "decrease"
	release := effMargin
	if size < p.Size {
		release, err = fixedpoint.MulDiv(effMargin, size, p.Size)
		if err != nil {
			return position.Position{}, err
		}
	} else {
		action = "close"
	}

	plan := &tradePlan{
		action: action, owner: owner, side: p.Side,
		positionID: positionID, fill: fill,
		funding: owed, realized: realized,
	}
	plan.setOI(p.Side, -size)

	plan.notional, err = fixedpoint.Notional(size, fill.FillPrice)
	if err != nil {
		return position.Position{}, err
	}
	plan.fee, err = tradeFee(plan.notional, m.Params.TradeFeeBps)
	if err != nil {
		return position.Position{}, err
	}

	// Release margin first so it can absorb a realized loss in the same
	// atomic batch.
	ref := tradeRef(action, positionID)
	if release > 0 {
		ops = append(ops, ledger.Op{Kind: ledger.OpUnlock, Account: owner, Amount: release, Ref: ref})
	}
	if net := realized - plan.fee; net != 0 {
		ops = append(ops, ledger.Op{Kind: ledger.OpSettle, Account: owner, Amount: net, Ref: ref})
	}
	plan.ops = ops

	newState := position.StateOpen
	if size == p.Size {
		newState = position.StateClosed
	}
	plan.mutation = position.Mutation{
		Size:            p.Size - size,
		EntryPrice:      terminalZero(newState, p.EntryPrice),
		Margin:          effMargin - release,
		FundingSnapshot: m.GlobalFundingIndex,
		NewState:        newState,
	}

	rec, err := e.commit(m, plan, now)
	if err != nil {
		// A realized loss the released margin plus free balance cannot
		// absorb means the position should be liquidated, not closed.
		if errors.Is(err, ledger.ErrInsufficientFreeBalance) {
			return position.Position{}, fmt.Errorf("position %d: realized loss exceeds margin: %w",
				positionID, ErrInsufficientMargin)
		}
		return position.Position{}, err
	}

	e.metrics.TradeDuration.WithLabelValues(m.MarketID).Observe(time.Since(start).Seconds())
	return rec, nil
}

// TransferPosition moves custody of an open position to another account,
// moving its locked margin with it. Funding accrued up to the transfer is
// settled against the current holder first.
func (e *Engine) TransferPosition(from uuid.UUID, positionID int64, to uuid.UUID, now time.Time) error {
	pre, err := e.store.Get(positionID)
	if err != nil {
		return err
	}
	m, err := e.registry.Get(pre.MarketID)
	if err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	if err := e.settleFundingIfDue(m, now); err != nil {
		return err
	}
	p, err := e.store.Get(positionID)
	if err != nil {
		return err
	}
	if p.Owner != from {
		return fmt.Errorf("position %d: %w", positionID, position.ErrNotOwner)
	}
	if !p.IsOpen() {
		return fmt.Errorf("position %d: %w", positionID, position.ErrPositionClosed)
	}

	ops, effMargin, _, err := fundingLegs(p, m.GlobalFundingIndex)
	if err != nil {
		return wrapPos(positionID, err)
	}

	ref := tradeRef("transfer", positionID)
	ops = append(ops,
		ledger.Op{Kind: ledger.OpUnlock, Account: from, Amount: effMargin, Ref: ref},
		ledger.Op{Kind: ledger.OpTransfer, Account: from, To: to, Amount: effMargin, Ref: ref},
		ledger.Op{Kind: ledger.OpLock, Account: to, Amount: effMargin, Ref: ref},
	)

	entries, err := e.auth.Apply(ops, now)
	if err != nil {
		return err
	}
	e.record(entries)

	mut := position.Mutation{
		Size:            p.Size,
		EntryPrice:      p.EntryPrice,
		Margin:          effMargin,
		FundingSnapshot: m.GlobalFundingIndex,
		NewState:        position.StateOpen,
	}
	if err := e.store.Apply(positionID, mut, now); err != nil {
		panic(fmt.Sprintf("FATAL: ledger committed but position %d rejected transfer mutation: %v", positionID, err))
	}
	if err := e.store.Transfer(positionID, from, to); err != nil {
		panic(fmt.Sprintf("FATAL: ledger committed but position %d rejected transfer: %v", positionID, err))
	}

	e.emit(event.TypePositionTransferred, m.MarketID, event.PositionTransfer{
		PositionID: positionID,
		From:       from,
		To:         to,
	}, now)

	e.log.Info().
		Int64("position", positionID).
		Str("from", from.String()).
		Str("to", to.String()).
		Int64("margin", effMargin).
		Msg("position transferred")

	return nil
}

// lockPositionMarket resolves a position's market, takes the market lock and
// re-reads the record under it, validating custody.
func (e *Engine) lockPositionMarket(owner uuid.UUID, positionID int64) (*market.Market, position.Position, error) {
	pre, err := e.store.Get(positionID)
	if err != nil {
		return nil, position.Position{}, err
	}
	m, err := e.registry.Get(pre.MarketID)
	if err != nil {
		return nil, position.Position{}, err
	}

	m.Lock()

	p, err := e.store.Get(positionID)
	if err != nil {
		m.Unlock()
		return nil, position.Position{}, err
	}
	if p.Owner != owner {
		m.Unlock()
		return nil, position.Position{}, fmt.Errorf("position %d: %w", positionID, position.ErrNotOwner)
	}
	if !p.IsOpen() {
		m.Unlock()
		return nil, position.Position{}, fmt.Errorf("position %d: %w", positionID, position.ErrPositionClosed)
	}

	return m, p, nil
}

// openFill quotes adding exposure: longs take base from the pool, shorts
// add base to it.
func (e *Engine) openFill(m *market.Market, side position.Side, size int64) (vamm.Fill, error) {
	r := vamm.Reserves{Base: m.VirtualBase, Quote: m.VirtualQuote}
	if side == position.SideLong {
		return vamm.BuyBase(r, m.K, size)
	}
	return vamm.SellBase(r, m.K, size)
}

// closeFill quotes removing exposure: the mirror of openFill.
func (e *Engine) closeFill(m *market.Market, side position.Side, size int64) (vamm.Fill, error) {
	r := vamm.Reserves{Base: m.VirtualBase, Quote: m.VirtualQuote}
	if side == position.SideLong {
		return vamm.SellBase(r, m.K, size)
	}
	return vamm.BuyBase(r, m.K, size)
}

func terminalZero(s position.State, v int64) int64 {
	if s == position.StateOpen {
		return v
	}
	return 0
}
