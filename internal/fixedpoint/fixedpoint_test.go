package fixedpoint_test

import (
	"errors"
	"math"
	"testing"

	"synthperp/internal/fixedpoint"
)

// ============================================================================
// Test: rounding
// ============================================================================

func TestDiv128_HalfEvenRoundsToEven(t *testing.T) {
	cases := []struct {
		a, b, c int64
		want    int64
	}{
		{5, 1, 2, 2},   // 2.5 rounds to even 2
		{7, 1, 2, 4},   // 3.5 rounds to even 4
		{-5, 1, 2, -2}, // -2.5 rounds to even -2
		{-7, 1, 2, -4}, // -3.5 rounds to even -4
		{6, 1, 4, 2},   // 1.5 rounds to even 2
		{10, 1, 4, 2},  // 2.5 rounds to even 2
	}
	for _, tc := range cases {
		got, err := fixedpoint.Div128(fixedpoint.Mul128(tc.a, tc.b), tc.c, fixedpoint.RoundHalfEven)
		if err != nil {
			t.Fatalf("Div128(%d*%d/%d): %v", tc.a, tc.b, tc.c, err)
		}
		if got != tc.want {
			t.Errorf("Div128(%d*%d/%d) = %d, want %d", tc.a, tc.b, tc.c, got, tc.want)
		}
	}
}

func TestDiv128_RoundUpAndDown(t *testing.T) {
	up, err := fixedpoint.Div128(fixedpoint.Mul128(7, 1), 2, fixedpoint.RoundUp)
	if err != nil {
		t.Fatal(err)
	}
	if up != 4 {
		t.Errorf("RoundUp 7/2 = %d, want 4", up)
	}

	down, err := fixedpoint.Div128(fixedpoint.Mul128(7, 1), 2, fixedpoint.RoundDown)
	if err != nil {
		t.Fatal(err)
	}
	if down != 3 {
		t.Errorf("RoundDown 7/2 = %d, want 3", down)
	}
}

func TestDiv128_Overflow(t *testing.T) {
	_, err := fixedpoint.Div128(fixedpoint.Mul128(math.MaxInt64, 2), 1, fixedpoint.RoundHalfEven)
	if !errors.Is(err, fixedpoint.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMulDiv_Exact(t *testing.T) {
	got, err := fixedpoint.MulDiv(10, 100, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got != 250 {
		t.Errorf("MulDiv(10,100,4) = %d, want 250", got)
	}
}

func TestClamp(t *testing.T) {
	if got := fixedpoint.Clamp(5, 0, 10); got != 5 {
		t.Errorf("Clamp(5,0,10) = %d, want 5", got)
	}
	if got := fixedpoint.Clamp(-1, 0, 10); got != 0 {
		t.Errorf("Clamp(-1,0,10) = %d, want 0", got)
	}
	if got := fixedpoint.Clamp(11, 0, 10); got != 10 {
		t.Errorf("Clamp(11,0,10) = %d, want 10", got)
	}
}

// ============================================================================
// Test: domain helpers
// ============================================================================

func TestNotional(t *testing.T) {
	// 10 base at 100.00 quote/base = 1000 quote.
	size := 10 * fixedpoint.QuantityConfig.Scale
	price := 100 * fixedpoint.PriceConfig.Scale

	got, err := fixedpoint.Notional(size, price)
	if err != nil {
		t.Fatal(err)
	}
	want := 1000 * fixedpoint.QuoteConfig.Scale
	if got != want {
		t.Errorf("Notional = %d, want %d", got, want)
	}
}

func TestPnL_LongAndShort(t *testing.T) {
	entry := 100 * fixedpoint.PriceConfig.Scale
	exit := 110 * fixedpoint.PriceConfig.Scale
	qty := 10 * fixedpoint.QuantityConfig.Scale

	long, err := fixedpoint.PnL(1, exit, entry, qty)
	if err != nil {
		t.Fatal(err)
	}
	want := 100 * fixedpoint.QuoteConfig.Scale
	if long != want {
		t.Errorf("long PnL = %d, want %d", long, want)
	}

	short, err := fixedpoint.PnL(-1, exit, entry, qty)
	if err != nil {
		t.Fatal(err)
	}
	if short != -want {
		t.Errorf("short PnL = %d, want %d", short, -want)
	}
}

func TestAvgEntryPrice(t *testing.T) {
	qty := 10 * fixedpoint.QuantityConfig.Scale
	p1 := 100 * fixedpoint.PriceConfig.Scale
	p2 := 110 * fixedpoint.PriceConfig.Scale

	got, err := fixedpoint.AvgEntryPrice(qty, p1, qty, p2)
	if err != nil {
		t.Fatal(err)
	}
	want := 105 * fixedpoint.PriceConfig.Scale
	if got != want {
		t.Errorf("AvgEntryPrice = %d, want %d", got, want)
	}
}

func TestAvgEntryPrice_FreshPosition(t *testing.T) {
	got, err := fixedpoint.AvgEntryPrice(0, 0, 5, 4200)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4200 {
		t.Errorf("AvgEntryPrice from zero = %d, want 4200", got)
	}
}
