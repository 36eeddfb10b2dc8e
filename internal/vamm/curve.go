// Package vamm implements the constant-product virtual pricing curve.
// Reserves are notional, never backed by real liquidity: the curve exists
// only to derive a mark price and price fills. All functions here are pure;
// the quote phase never mutates, the caller commits the returned reserve
// pair in its own atomic step.
package vamm

import (
	"errors"
	"fmt"
	"math/big"

	"synthperp/internal/fixedpoint"
)

var (
	ErrInsufficientReserve = errors.New("trade exceeds virtual base reserve")
	ErrNonPositiveSize     = errors.New("trade size must be positive")
)

// Reserves is a virtual reserve pair. Base uses quantity scale, Quote uses
// quote scale.
type Reserves struct {
	Base  int64
	Quote int64
}

// Fill is the computed effect of routing one trade through the curve.
// NewBase * NewQuote == k within one rounding unit; rounding always favors
// the pool.
type Fill struct {
	BaseDelta  int64 // Base units traded (always positive)
	QuoteDelta int64 // Quote units paid (buy) or received (sell), positive
	NewBase    int64
	NewQuote   int64
	FillPrice  int64 // QuoteDelta / BaseDelta in price scale
}

// MarkPrice derives the instantaneous mark price quote/base in price scale.
func MarkPrice(r Reserves) (int64, error) {
	if r.Base <= 0 {
		return 0, fmt.Errorf("mark price: non-positive base reserve %d", r.Base)
	}
	return fixedpoint.MulDiv(r.Quote, fixedpoint.PriceConfig.Scale, r.Base)
}

// BuyBase quotes removing size base units from the pool (a long open or a
// short close). The trader pays QuoteDelta; quote reserve rises.
func BuyBase(r Reserves, k *big.Int, size int64) (Fill, error) {
	if size <= 0 {
		return Fill{}, ErrNonPositiveSize
	}
	if size >= r.Base {
		return Fill{}, fmt.Errorf("buy %d of %d: %w", size, r.Base, ErrInsufficientReserve)
	}

	newBase := r.Base - size
	newQuote, err := quoteForBase(k, newBase)
	if err != nil {
		return Fill{}, err
	}

	quoteDelta := newQuote - r.Quote
	if quoteDelta <= 0 {
		return Fill{}, fmt.Errorf("buy %d: degenerate quote delta %d", size, quoteDelta)
	}

	return makeFill(size, quoteDelta, newBase, newQuote)
}

// SellBase quotes returning size base units to the pool (a short open or a
// long close). The trader receives QuoteDelta; quote reserve falls.
func SellBase(r Reserves, k *big.Int, size int64) (Fill, error) {
	if size <= 0 {
		return Fill{}, ErrNonPositiveSize
	}

	newBase := r.Base + size
	newQuote, err := quoteForBase(k, newBase)
	if err != nil {
		return Fill{}, err
	}

	quoteDelta := r.Quote - newQuote
	if quoteDelta < 0 {
		return Fill{}, fmt.Errorf("sell %d: degenerate quote delta %d", size, quoteDelta)
	}

	return makeFill(size, quoteDelta, newBase, newQuote)
}

// InvariantHolds reports whether base*quote matches k within tol rounding
// units of quote per the stored constant.
func InvariantHolds(r Reserves, k *big.Int, tol int64) bool {
	product := new(big.Int).Mul(big.NewInt(r.Base), big.NewInt(r.Quote))
	diff := new(big.Int).Sub(product, k)
	diff.Abs(diff)
	// One quote rounding unit corresponds to base reserve in product terms.
	bound := new(big.Int).Mul(big.NewInt(r.Base), big.NewInt(tol))
	return diff.Cmp(bound) <= 0
}

// quoteForBase solves quote = k / base, always rounding up so the trader
// never extracts the rounding residue: buys pay one unit more, sells
// receive one unit less.
func quoteForBase(k *big.Int, base int64) (int64, error) {
	num := new(big.Int).Set(k)
	q, r := new(big.Int).QuoRem(num, big.NewInt(base), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return 0, fixedpoint.ErrOverflow
	}
	return q.Int64(), nil
}

func makeFill(size, quoteDelta, newBase, newQuote int64) (Fill, error) {
	// fill price (price scale) = quoteDelta/size in real terms:
	// quoteDelta * priceScale * qtyScale / (quoteScale * size)
	num := fixedpoint.Mul128(quoteDelta, fixedpoint.PriceConfig.Scale*fixedpoint.QuantityConfig.Scale/fixedpoint.QuoteConfig.Scale)
	price, err := fixedpoint.Div128(num, size, fixedpoint.RoundHalfEven)
	if err != nil {
		return Fill{}, err
	}

	return Fill{
		BaseDelta:  size,
		QuoteDelta: quoteDelta,
		NewBase:    newBase,
		NewQuote:   newQuote,
		FillPrice:  price,
	}, nil
}
