package fixedpoint

import (
	"errors"
	"math/big"
	"sync"
)

// ErrOverflow is returned when a fixed-point result does not fit in int64.
var ErrOverflow = errors.New("arithmetic overflow")

// DecimalConfig defines fixed-point precision for one value class.
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	PriceConfig    = DecimalConfig{DecimalPrecision: 2, Scale: 100}         // 0.01 quote per base
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 0.000001 base
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 0.000001 quote
	RateConfig     = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001 (funding rate)
	RatioConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // margin ratios, weights
)

// BasisPointScale is the divisor for basis-point parameters (fees, rewards).
const BasisPointScale int64 = 10_000

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Intermediate products use big.Int so int64*int64 cannot overflow.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return intPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// Mul128 performs a * b into a big.Int. Callers must release with putBig
// or hand the value to Div128.
func Mul128(a, b int64) *big.Int {
	result := getBig()
	aa := getBig().SetInt64(a)
	bb := getBig().SetInt64(b)
	result.Mul(aa, bb)
	putBig(aa)
	putBig(bb)
	return result
}

// Div128 divides numerator by denominator with the given rounding mode and
// releases numerator back to the pool.
func Div128(numerator *big.Int, denominator int64, mode RoundingMode) (int64, error) {
	defer putBig(numerator)

	denom := big.NewInt(denominator)
	quotient := getBig()
	remainder := getBig()
	defer putBig(quotient)
	defer putBig(remainder)

	neg := numerator.Sign() < 0
	quotient.QuoRem(numerator, denom, remainder)

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		remainder.Abs(remainder)
		twice := getBig().Lsh(remainder, 1)
		cmp := twice.Cmp(big.NewInt(denominator))
		putBig(twice)
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			if neg {
				result--
			} else {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 && !neg {
			result++
		}
	case RoundDown:
		// Truncation already applied by QuoRem.
	}

	return result, nil
}

// MulDiv computes a * b / c with banker's rounding.
func MulDiv(a, b, c int64) (int64, error) {
	return Div128(Mul128(a, b), c, RoundHalfEven)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Notional converts size (quantity scale) at price (price scale) into
// quote units: size * price * quoteScale / (priceScale * qtyScale).
func Notional(size, price int64) (int64, error) {
	raw := Mul128(size, price)
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	return Div128(raw, PriceConfig.Scale*QuantityConfig.Scale, RoundHalfEven)
}

// PnL computes signed profit for closing closeQty at exitPrice against
// avgEntryPrice. sideSign is +1 for long, -1 for short. Result in quote units.
func PnL(sideSign, exitPrice, avgEntryPrice, closeQty int64) (int64, error) {
	priceDiff := exitPrice - avgEntryPrice
	raw := Mul128(sideSign*priceDiff, closeQty)
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	return Div128(raw, PriceConfig.Scale*QuantityConfig.Scale, RoundHalfEven)
}

// AvgEntryPrice returns the size-weighted average entry price after adding
// fillQty at fillPrice to an existing oldSize at oldAvgEntry.
func AvgEntryPrice(oldSize, oldAvgEntry, fillQty, fillPrice int64) (int64, error) {
	if oldSize == 0 {
		return fillPrice, nil
	}

	term1 := Mul128(oldSize, oldAvgEntry)
	term2 := Mul128(fillQty, fillPrice)
	term1.Add(term1, term2)
	putBig(term2)

	return Div128(term1, oldSize+fillQty, RoundHalfEven)
}
