package oracle_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthperp/internal/fixedpoint"
	"synthperp/internal/market"
	"synthperp/internal/oracle"
)

var t0 = time.Unix(1_700_000_000, 0)

func newMarket(t *testing.T) *market.Market {
	t.Helper()
	_, admin := market.NewRegistry(zerolog.Nop())
	m, err := admin.Register(market.Config{
		MarketID:     "BTC-PERP",
		BaseAsset:    "BTC",
		QuoteAsset:   "USD",
		PriceFeedIDs: []string{"btc-a", "btc-b"},
		VirtualBase:  100 * fixedpoint.QuantityConfig.Scale,
		VirtualQuote: 10_000_000 * fixedpoint.QuoteConfig.Scale,
		Params: market.Params{
			InitialMarginRatio:     100_000,
			MaintenanceMarginRatio: 50_000,
			FundingInterval:        time.Hour,
			MaxFundingRate:         100_000,
			TradeFeeBps:            0,
			LiquidationRewardBps:   50,
		},
	}, t0)
	require.NoError(t, err)
	return m
}

func newIndex(t *testing.T) *oracle.Index {
	t.Helper()
	ix := oracle.NewIndex(zerolog.Nop())
	require.NoError(t, ix.Register("btc-a", 750_000, time.Minute, true))
	require.NoError(t, ix.Register("btc-b", 250_000, time.Minute, false))
	return ix
}

// ============================================================================
// Test: index aggregation
// ============================================================================

func TestIndexPrice_WeightedAggregate(t *testing.T) {
	ix := newIndex(t)
	require.NoError(t, ix.Publish("btc-a", 100_00, t0, t0))
	require.NoError(t, ix.Publish("btc-b", 104_00, t0, t0))

	price, err := ix.IndexPrice([]string{"btc-a", "btc-b"}, t0)
	require.NoError(t, err)
	// 0.75*100.00 + 0.25*104.00 = 101.00
	assert.Equal(t, int64(101_00), price)
}

func TestIndexPrice_SkipsStaleSource(t *testing.T) {
	ix := newIndex(t)
	require.NoError(t, ix.Publish("btc-a", 100_00, t0, t0))
	require.NoError(t, ix.Publish("btc-b", 104_00, t0, t0))

	// Two minutes later only a fresh btc-b remains within staleness.
	later := t0.Add(2 * time.Minute)
	require.NoError(t, ix.Publish("btc-b", 105_00, later, later))

	price, err := ix.IndexPrice([]string{"btc-a", "btc-b"}, later)
	require.NoError(t, err)
	assert.Equal(t, int64(105_00), price)
}

func TestIndexPrice_AllSourcesDark(t *testing.T) {
	ix := newIndex(t)
	_, err := ix.IndexPrice([]string{"btc-a", "btc-b"}, t0)
	assert.ErrorIs(t, err, oracle.ErrNoValidPriceSource)
}

func TestPublish_RejectsStaleUpdate(t *testing.T) {
	ix := newIndex(t)
	err := ix.Publish("btc-a", 100_00, t0.Add(-2*time.Minute), t0)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
}

func TestPublish_IgnoresRegression(t *testing.T) {
	ix := newIndex(t)
	require.NoError(t, ix.Publish("btc-a", 100_00, t0, t0))

	// An older publish time is a silent no-op, not an error.
	require.NoError(t, ix.Publish("btc-a", 999_00, t0.Add(-time.Second), t0))

	src, err := ix.Get("btc-a")
	require.NoError(t, err)
	assert.Equal(t, int64(100_00), src.LastPrice)
}

func TestPublish_UnknownFeed(t *testing.T) {
	ix := newIndex(t)
	err := ix.Publish("nope", 100_00, t0, t0)
	assert.ErrorIs(t, err, oracle.ErrUnknownFeed)
}

// ============================================================================
// Test: funding settlement
// ============================================================================

func TestSettleDue_NothingBeforeWholeInterval(t *testing.T) {
	m := newMarket(t)
	ix := newIndex(t)
	fe := oracle.NewFundingEngine(ix, zerolog.Nop())

	_, applied, err := fe.SettleDue(m, t0.Add(59*time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Zero(t, m.GlobalFundingIndex)
}

func TestSettleDue_WholeIntervalsOnly(t *testing.T) {
	m := newMarket(t)
	ix := newIndex(t)
	fe := oracle.NewFundingEngine(ix, zerolog.Nop())

	// Index below mark: longs pay, rate clamps at the per-interval max.
	now := t0.Add(150 * time.Minute)
	require.NoError(t, ix.Publish("btc-a", 99_000*100, now, now))
	require.NoError(t, ix.Publish("btc-b", 99_000*100, now, now))

	u, applied, err := fe.SettleDue(m, now)
	require.NoError(t, err)
	require.True(t, applied)

	assert.Equal(t, int64(2), u.Intervals)
	assert.Equal(t, m.Params.MaxFundingRate, u.Rate)
	assert.Equal(t, u.NewIndex, m.GlobalFundingIndex)

	// Two intervals accrue exactly twice the per-interval increment.
	perInterval, err := fixedpoint.MulDiv(u.Rate, u.MarkPrice, fixedpoint.PriceConfig.Scale)
	require.NoError(t, err)
	assert.Equal(t, 2*perInterval, u.IndexDelta)
	// The clock advances by whole intervals, leaving the half interval due.
	assert.Equal(t, t0.Add(2*time.Hour), m.LastFundingUpdate)

	// Same instant again: the remaining 30 minutes are not a whole interval.
	_, applied, err = fe.SettleDue(m, now)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSettleDue_FailsClosedWithoutIndexPrice(t *testing.T) {
	m := newMarket(t)
	ix := newIndex(t)
	fe := oracle.NewFundingEngine(ix, zerolog.Nop())

	_, _, err := fe.SettleDue(m, t0.Add(2*time.Hour))
	require.ErrorIs(t, err, oracle.ErrNoValidPriceSource)
	assert.Zero(t, m.GlobalFundingIndex)
	assert.Equal(t, t0, m.LastFundingUpdate)
}

func TestOwed_Signs(t *testing.T) {
	size := 1 * fixedpoint.QuantityConfig.Scale
	indexDelta := int64(10_000_000_000) // 100 quote per base at rate scale

	long, err := oracle.Owed(indexDelta, 0, size, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100*fixedpoint.QuoteConfig.Scale), long)

	short, err := oracle.Owed(indexDelta, 0, size, -1)
	require.NoError(t, err)
	assert.Equal(t, -long, short)

	// A position opened after the move owes nothing.
	flat, err := oracle.Owed(indexDelta, indexDelta, size, 1)
	require.NoError(t, err)
	assert.Zero(t, flat)
}
