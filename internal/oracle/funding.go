package oracle

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"synthperp/internal/fixedpoint"
	"synthperp/internal/market"
	"synthperp/internal/vamm"
)

// Update describes one applied funding step.
type Update struct {
	MarketID   string
	Rate       int64 // Clamped per-interval rate, rate scale
	IndexPrice int64
	MarkPrice  int64
	Intervals  int64
	IndexDelta int64 // Added to the market's global funding index
	NewIndex   int64
	At         time.Time
}

// FundingEngine computes lazy, snapshot-based funding. There is no
// background timer: the next interaction that touches a market settles all
// whole elapsed intervals in one step, so correctness never depends on a
// scheduler.
type FundingEngine struct {
	index *Index
	log   zerolog.Logger
}

func NewFundingEngine(index *Index, log zerolog.Logger) *FundingEngine {
	return &FundingEngine{index: index, log: log}
}

// SettleDue advances the market's global funding index by every whole
// funding interval elapsed since the last update. The caller must hold the
// market lock. A due update with no valid index price fails closed: the
// error propagates and no funding is applied.
//
// rate = clamp((mark - index) / index, ±maxFundingRate), per interval.
// The index accumulates rate * markPrice, i.e. quote-per-base units, so a
// position's owed funding is (index - snapshot) * size * sideSign.
func (f *FundingEngine) SettleDue(m *market.Market, now time.Time) (Update, bool, error) {
	interval := m.Params.FundingInterval
	elapsed := now.Sub(m.LastFundingUpdate)
	intervals := int64(elapsed / interval)
	if intervals < 1 {
		return Update{}, false, nil
	}

	indexPrice, err := f.index.IndexPrice(m.PriceFeedIDs, now)
	if err != nil {
		return Update{}, false, fmt.Errorf("funding update for %s: %w", m.MarketID, err)
	}

	markPrice, err := vamm.MarkPrice(vamm.Reserves{Base: m.VirtualBase, Quote: m.VirtualQuote})
	if err != nil {
		return Update{}, false, fmt.Errorf("funding update for %s: %w", m.MarketID, err)
	}

	// premium = (mark - index) / index at rate scale, clamped per interval.
	rate, err := fixedpoint.MulDiv(markPrice-indexPrice, fixedpoint.RateConfig.Scale, indexPrice)
	if err != nil {
		return Update{}, false, fmt.Errorf("funding update for %s: %w", m.MarketID, err)
	}
	rate = fixedpoint.Clamp(rate, -m.Params.MaxFundingRate, m.Params.MaxFundingRate)

	// Per-interval index increment in quote-per-base at rate scale.
	perInterval, err := fixedpoint.MulDiv(rate, markPrice, fixedpoint.PriceConfig.Scale)
	if err != nil {
		return Update{}, false, fmt.Errorf("funding update for %s: %w", m.MarketID, err)
	}
	delta, err := fixedpoint.MulDiv(perInterval, intervals, 1)
	if err != nil {
		return Update{}, false, fmt.Errorf("funding update for %s: %w", m.MarketID, err)
	}

	m.GlobalFundingIndex += delta
	m.LastFundingRate = rate
	// Advance in whole-interval steps only; the same interval is never
	// settled twice.
	m.LastFundingUpdate = m.LastFundingUpdate.Add(time.Duration(intervals) * interval)

	u := Update{
		MarketID:   m.MarketID,
		Rate:       rate,
		IndexPrice: indexPrice,
		MarkPrice:  markPrice,
		Intervals:  intervals,
		IndexDelta: delta,
		NewIndex:   m.GlobalFundingIndex,
		At:         now,
	}

	f.log.Debug().
		Str("market", m.MarketID).
		Int64("rate", rate).
		Int64("intervals", intervals).
		Int64("index", m.GlobalFundingIndex).
		Msg("funding settled")

	return u, true, nil
}

// Owed returns a position's accrued funding in quote units: positive means
// the position pays, negative means it receives. Long positions pay when
// the mark traded above the index since their snapshot; shorts mirror.
func Owed(globalIndex, snapshot, size, sideSign int64) (int64, error) {
	diff := globalIndex - snapshot
	return fixedpoint.MulDiv(diff*sideSign, size, fixedpoint.RateConfig.Scale)
}
