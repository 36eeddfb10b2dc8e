package vamm_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthperp/internal/fixedpoint"
	"synthperp/internal/vamm"
)

// 100 base against 10,000,000 quote gives a mark of 100,000 quote/base.
func pool() (vamm.Reserves, *big.Int) {
	r := vamm.Reserves{
		Base:  100 * fixedpoint.QuantityConfig.Scale,
		Quote: 10_000_000 * fixedpoint.QuoteConfig.Scale,
	}
	k := new(big.Int).Mul(big.NewInt(r.Base), big.NewInt(r.Quote))
	return r, k
}

func TestMarkPrice(t *testing.T) {
	r, _ := pool()
	mark, err := vamm.MarkPrice(r)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000*fixedpoint.PriceConfig.Scale), mark)
}

func TestMarkPrice_EmptyBase(t *testing.T) {
	_, err := vamm.MarkPrice(vamm.Reserves{Base: 0, Quote: 1})
	assert.Error(t, err)
}

func TestBuyBase_MovesPriceUp(t *testing.T) {
	r, k := pool()
	size := 10 * fixedpoint.QuantityConfig.Scale

	fill, err := vamm.BuyBase(r, k, size)
	require.NoError(t, err)

	assert.Equal(t, size, fill.BaseDelta)
	assert.Equal(t, r.Base-size, fill.NewBase)
	assert.Positive(t, fill.QuoteDelta)

	// Buying pushes the pool price above the pre-trade mark; the average
	// fill price sits between the two.
	preMark, _ := vamm.MarkPrice(r)
	postMark, _ := vamm.MarkPrice(vamm.Reserves{Base: fill.NewBase, Quote: fill.NewQuote})
	assert.Greater(t, postMark, preMark)
	assert.Greater(t, fill.FillPrice, preMark)
	assert.Less(t, fill.FillPrice, postMark)

	assert.True(t, vamm.InvariantHolds(vamm.Reserves{Base: fill.NewBase, Quote: fill.NewQuote}, k, 1))
}

func TestSellBase_MovesPriceDown(t *testing.T) {
	r, k := pool()
	size := 10 * fixedpoint.QuantityConfig.Scale

	fill, err := vamm.SellBase(r, k, size)
	require.NoError(t, err)

	assert.Equal(t, r.Base+size, fill.NewBase)

	preMark, _ := vamm.MarkPrice(r)
	postMark, _ := vamm.MarkPrice(vamm.Reserves{Base: fill.NewBase, Quote: fill.NewQuote})
	assert.Less(t, postMark, preMark)
	assert.Less(t, fill.FillPrice, preMark)
	assert.Greater(t, fill.FillPrice, postMark)

	assert.True(t, vamm.InvariantHolds(vamm.Reserves{Base: fill.NewBase, Quote: fill.NewQuote}, k, 1))
}

func TestRoundTrip_PoolNeverLoses(t *testing.T) {
	r, k := pool()
	size := 7 * fixedpoint.QuantityConfig.Scale

	buy, err := vamm.BuyBase(r, k, size)
	require.NoError(t, err)

	sell, err := vamm.SellBase(vamm.Reserves{Base: buy.NewBase, Quote: buy.NewQuote}, k, size)
	require.NoError(t, err)

	// Rounding always favors the pool: selling back the same size never
	// returns more quote than the buy cost.
	assert.LessOrEqual(t, sell.QuoteDelta, buy.QuoteDelta)
	assert.Equal(t, r.Base, sell.NewBase)
}

func TestBuyBase_ExhaustsReserve(t *testing.T) {
	r, k := pool()

	_, err := vamm.BuyBase(r, k, r.Base)
	assert.ErrorIs(t, err, vamm.ErrInsufficientReserve)

	_, err = vamm.BuyBase(r, k, r.Base+1)
	assert.ErrorIs(t, err, vamm.ErrInsufficientReserve)
}

func TestNonPositiveSize(t *testing.T) {
	r, k := pool()

	_, err := vamm.BuyBase(r, k, 0)
	assert.ErrorIs(t, err, vamm.ErrNonPositiveSize)

	_, err = vamm.SellBase(r, k, -1)
	assert.ErrorIs(t, err, vamm.ErrNonPositiveSize)
}

func TestInvariantHolds_Tolerance(t *testing.T) {
	r, k := pool()
	assert.True(t, vamm.InvariantHolds(r, k, 0))

	// One quote unit off stays within tolerance 1 but not 0.
	off := vamm.Reserves{Base: r.Base, Quote: r.Quote + 1}
	assert.True(t, vamm.InvariantHolds(off, k, 1))
	assert.False(t, vamm.InvariantHolds(off, k, 0))
}
