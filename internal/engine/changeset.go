package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"synthperp/internal/event"
	"synthperp/internal/fixedpoint"
	"synthperp/internal/ledger"
	"synthperp/internal/market"
	"synthperp/internal/oracle"
	"synthperp/internal/position"
	"synthperp/internal/vamm"
)

// invariantTolerance bounds |base*quote - k| after a commit, in quote
// rounding units. The curve rounds at most once per fill.
const invariantTolerance = 1

// mintSpec describes a position to create during commit.
type mintSpec struct {
	Owner  uuid.UUID
	Side   position.Side
	Size   int64
	Entry  int64
	Margin int64
}

// tradePlan is the staged effect set of one orchestrated trade. Every field
// is computed and validated before commit touches anything; commit applies
// the ledger leg first (the only step that can still fail), then the
// position record, then market reserves and open interest.
type tradePlan struct {
	action string // open | increase | decrease | close | liquidate
	owner  uuid.UUID
	side   position.Side

	ops        []ledger.Op
	positionID int64
	mutation   position.Mutation
	mint       *mintSpec

	fill     vamm.Fill
	notional int64
	fee      int64
	funding  int64
	realized int64

	longOIDelta  int64
	shortOIDelta int64
}

// oiDeltas maps a trade's direction onto signed open-interest deltas.
func (p *tradePlan) setOI(side position.Side, sizeDelta int64) {
	if side == position.SideLong {
		p.longOIDelta = sizeDelta
	} else {
		p.shortOIDelta = sizeDelta
	}
}

// checkOICaps validates the post-commit open interest against the market's
// caps. A cap of zero means unlimited.
func (p *tradePlan) checkOICaps(m *market.Market) error {
	newLong := m.TotalLongOI + p.longOIDelta
	newShort := m.TotalShortOI + p.shortOIDelta

	if cap := m.Params.MaxOpenInterestLong; cap > 0 && newLong > cap {
		return fmt.Errorf("long OI %d exceeds cap %d: %w", newLong, cap, ErrOpenInterestCapExceeded)
	}
	if cap := m.Params.MaxOpenInterestShort; cap > 0 && newShort > cap {
		return fmt.Errorf("short OI %d exceeds cap %d: %w", newShort, cap, ErrOpenInterestCapExceeded)
	}
	return nil
}

// commit applies the plan. The caller holds the market lock. The ledger leg
// is all-or-nothing; once it lands, the remaining writes cannot fail short
// of an internal bug, which panics rather than leaving torn state.
func (e *Engine) commit(m *market.Market, p *tradePlan, now time.Time) (position.Position, error) {
	entries, err := e.auth.Apply(p.ops, now)
	if err != nil {
		e.metrics.TradesRejected.WithLabelValues(m.MarketID, "ledger").Inc()
		return position.Position{}, err
	}
	e.record(entries)

	var rec position.Position
	if p.mint != nil {
		minted := e.store.Mint(p.mint.Owner, m.MarketID, p.mint.Side, p.mint.Size,
			p.mint.Entry, p.mint.Margin, m.GlobalFundingIndex, now)
		rec = *minted
		p.positionID = minted.ID
	} else {
		if err := e.store.Apply(p.positionID, p.mutation, now); err != nil {
			panic(fmt.Sprintf("FATAL: ledger committed but position %d rejected mutation: %v", p.positionID, err))
		}
		rec, _ = e.store.Get(p.positionID)
	}

	m.VirtualBase = p.fill.NewBase
	m.VirtualQuote = p.fill.NewQuote
	m.TotalLongOI += p.longOIDelta
	m.TotalShortOI += p.shortOIDelta

	if !vamm.InvariantHolds(vamm.Reserves{Base: m.VirtualBase, Quote: m.VirtualQuote}, m.K, invariantTolerance) {
		panic(fmt.Sprintf("FATAL: market %s reserve invariant violated: base=%d quote=%d",
			m.MarketID, m.VirtualBase, m.VirtualQuote))
	}

	if p.fee > 0 {
		if err := e.fund.Deposit(p.fee); err != nil {
			panic(fmt.Sprintf("FATAL: fee deposit rejected: %v", err))
		}
		e.metrics.InsuranceBalance.Set(float64(e.fund.Balance()))
	}

	mark, err := vamm.MarkPrice(vamm.Reserves{Base: m.VirtualBase, Quote: m.VirtualQuote})
	if err == nil {
		e.metrics.MarkPrice.WithLabelValues(m.MarketID).Set(float64(mark))
	}
	e.gaugeMarket(m)
	e.metrics.TradesSettled.WithLabelValues(m.MarketID, p.action).Inc()
	e.metrics.TradeNotional.WithLabelValues(m.MarketID).Add(float64(p.notional))

	e.emit(event.TypeTradeSettled, m.MarketID, event.TradeSettled{
		PositionID:  p.positionID,
		Owner:       p.owner,
		Market:      m.MarketID,
		Side:        p.side.String(),
		Action:      p.action,
		Size:        p.fill.BaseDelta,
		FillPrice:   p.fill.FillPrice,
		Notional:    p.notional,
		Fee:         p.fee,
		RealizedPnL: p.realized,
		Funding:     p.funding,
	}, now)

	e.log.Info().
		Str("market", m.MarketID).
		Str("action", p.action).
		Int64("position", p.positionID).
		Int64("size", p.fill.BaseDelta).
		Int64("fill_price", p.fill.FillPrice).
		Int64("fee", p.fee).
		Int64("realized_pnl", p.realized).
		Msg("trade settled")

	return rec, nil
}

// fundingLegs computes a position's owed funding and the ledger ops that
// settle it against position margin. Paying funding unlocks margin and
// debits it; receiving credits free balance and locks it into margin. The
// returned margin is the position's margin after funding.
func fundingLegs(p position.Position, globalIndex int64) (ops []ledger.Op, effMargin, owed int64, err error) {
	owed, err = fundingOwed(globalIndex, p)
	if err != nil {
		return nil, 0, 0, err
	}

	effMargin = p.Margin - owed
	switch {
	case owed > 0:
		if effMargin <= 0 {
			return nil, 0, 0, fmt.Errorf("funding %d exceeds margin %d: %w", owed, p.Margin, ErrInsufficientMargin)
		}
		ops = []ledger.Op{
			{Kind: ledger.OpUnlock, Account: p.Owner, Amount: owed, Ref: fundingRef(p.ID)},
			{Kind: ledger.OpSettle, Account: p.Owner, Amount: -owed, Ref: fundingRef(p.ID)},
		}
	case owed < 0:
		ops = []ledger.Op{
			{Kind: ledger.OpSettle, Account: p.Owner, Amount: -owed, Ref: fundingRef(p.ID)},
			{Kind: ledger.OpLock, Account: p.Owner, Amount: -owed, Ref: fundingRef(p.ID)},
		}
	}

	return ops, effMargin, owed, nil
}

func fundingOwed(globalIndex int64, p position.Position) (int64, error) {
	return oracle.Owed(globalIndex, p.FundingIndexSnapshot, p.Size, p.Side.Sign())
}

func fundingRef(id int64) string {
	return fmt.Sprintf("funding:%d", id)
}

func tradeRef(action string, id int64) string {
	return fmt.Sprintf("%s:%d", action, id)
}

// requireInitialMargin validates margin against the market's initial margin
// ratio for the given notional.
func requireInitialMargin(margin, notional, imr int64) error {
	required, err := fixedpoint.MulDiv(notional, imr, fixedpoint.RatioConfig.Scale)
	if err != nil {
		return err
	}
	if margin < required {
		return fmt.Errorf("margin %d below initial requirement %d: %w", margin, required, ErrInsufficientMargin)
	}
	return nil
}

// tradeFee computes the fee on a fill's notional from the market's fee tier.
func tradeFee(notional, feeBps int64) (int64, error) {
	return fixedpoint.MulDiv(notional, feeBps, fixedpoint.BasisPointScale)
}
