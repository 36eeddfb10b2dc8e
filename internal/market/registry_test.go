package market_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"synthperp/internal/market"
)

var now = time.Unix(1_700_000_000, 0)

func goodParams() market.Params {
	return market.Params{
		InitialMarginRatio:     100_000, // 10%
		MaintenanceMarginRatio: 50_000,  // 5%
		FundingInterval:        time.Hour,
		MaxFundingRate:         100_000, // 0.1% per interval
		TradeFeeBps:            10,
		LiquidationRewardBps:   50,
	}
}

func goodConfig(id string) market.Config {
	return market.Config{
		MarketID:     id,
		BaseAsset:    "BTC",
		QuoteAsset:   "USD",
		PriceFeedIDs: []string{"btc-usd"},
		VirtualBase:  100 * 1_000_000,
		VirtualQuote: 10_000_000 * 1_000_000,
		Params:       goodParams(),
	}
}

// ============================================================================
// Test: registration
// ============================================================================

func TestRegister_FixesInvariantConstant(t *testing.T) {
	_, admin := market.NewRegistry(zerolog.Nop())

	m, err := admin.Register(goodConfig("BTC-PERP"), now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	view := m.Snapshot()
	if !view.Active {
		t.Error("new market should be active")
	}
	want := new(big.Int).Mul(big.NewInt(view.VirtualBase), big.NewInt(view.VirtualQuote))
	if m.K.Cmp(want) != 0 {
		t.Errorf("k = %s, want %s", m.K, want)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	_, admin := market.NewRegistry(zerolog.Nop())

	if _, err := admin.Register(goodConfig("BTC-PERP"), now); err != nil {
		t.Fatal(err)
	}
	if _, err := admin.Register(goodConfig("BTC-PERP"), now); !errors.Is(err, market.ErrMarketExists) {
		t.Errorf("expected ErrMarketExists, got %v", err)
	}
}

func TestRegister_RequiresFeedAndReserves(t *testing.T) {
	_, admin := market.NewRegistry(zerolog.Nop())

	cfg := goodConfig("X-PERP")
	cfg.PriceFeedIDs = nil
	if _, err := admin.Register(cfg, now); err == nil {
		t.Error("register without price feeds should fail")
	}

	cfg = goodConfig("Y-PERP")
	cfg.VirtualBase = 0
	if _, err := admin.Register(cfg, now); err == nil {
		t.Error("register with zero virtual base should fail")
	}
}

// ============================================================================
// Test: lookup and activity
// ============================================================================

func TestGetActive_InactiveMarket(t *testing.T) {
	registry, admin := market.NewRegistry(zerolog.Nop())
	admin.Register(goodConfig("BTC-PERP"), now)

	if err := admin.SetActive("BTC-PERP", false); err != nil {
		t.Fatal(err)
	}

	if _, err := registry.GetActive("BTC-PERP"); !errors.Is(err, market.ErrMarketInactive) {
		t.Errorf("expected ErrMarketInactive, got %v", err)
	}
	// Plain Get still works for queries and closes.
	if _, err := registry.Get("BTC-PERP"); err != nil {
		t.Errorf("Get on inactive market: %v", err)
	}
}

func TestGet_Unknown(t *testing.T) {
	registry, _ := market.NewRegistry(zerolog.Nop())
	if _, err := registry.Get("NOPE"); !errors.Is(err, market.ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestList_Ordered(t *testing.T) {
	registry, admin := market.NewRegistry(zerolog.Nop())
	admin.Register(goodConfig("ETH-PERP"), now)
	admin.Register(goodConfig("BTC-PERP"), now)

	views := registry.List()
	if len(views) != 2 || views[0].MarketID != "BTC-PERP" || views[1].MarketID != "ETH-PERP" {
		t.Errorf("List order wrong: %+v", views)
	}
}

// ============================================================================
// Test: parameter validation
// ============================================================================

func TestValidateParams(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*market.Params)
		ok     bool
	}{
		{"valid", func(p *market.Params) {}, true},
		{"zero maintenance", func(p *market.Params) { p.MaintenanceMarginRatio = 0 }, false},
		{"im not above mm", func(p *market.Params) { p.InitialMarginRatio = p.MaintenanceMarginRatio }, false},
		{"im at 100 percent", func(p *market.Params) { p.InitialMarginRatio = 1_000_000 }, false},
		{"zero funding interval", func(p *market.Params) { p.FundingInterval = 0 }, false},
		{"zero funding clamp", func(p *market.Params) { p.MaxFundingRate = 0 }, false},
		{"fee too high", func(p *market.Params) { p.TradeFeeBps = 10_000 }, false},
		{"negative reward", func(p *market.Params) { p.LiquidationRewardBps = -1 }, false},
		{"negative oi cap", func(p *market.Params) { p.MaxOpenInterestLong = -1 }, false},
	}
	for _, tc := range cases {
		p := goodParams()
		tc.mutate(&p)
		err := market.ValidateParams(p)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected validation failure", tc.name)
		}
	}
}

func TestUpdateParams_RejectsInvalid(t *testing.T) {
	_, admin := market.NewRegistry(zerolog.Nop())
	admin.Register(goodConfig("BTC-PERP"), now)

	bad := goodParams()
	bad.MaintenanceMarginRatio = 0
	if err := admin.UpdateParams("BTC-PERP", bad); err == nil {
		t.Error("invalid params accepted")
	}
}
