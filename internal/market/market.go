package market

import (
	"math/big"
	"sync"
	"time"
)

// Params holds the mutable risk/pricing parameters of a market.
// Ratios use RatioConfig scale (1_000_000), rates use RateConfig scale
// (100_000_000), fees and rewards are basis points.
type Params struct {
	InitialMarginRatio     int64 // e.g. 100_000 = 10%
	MaintenanceMarginRatio int64 // e.g. 50_000 = 5%
	FundingInterval        time.Duration
	MaxFundingRate         int64 // Per-interval clamp, rate scale
	TradeFeeBps            int64
	LiquidationRewardBps   int64
	MaxOpenInterestLong    int64 // Base units (quantity scale)
	MaxOpenInterestShort   int64
}

// Config is the immutable-at-creation part of a market definition.
type Config struct {
	MarketID   string
	BaseAsset  string
	QuoteAsset string
	// PriceFeedIDs reference the oracle sources whose weighted aggregate is
	// this market's index price.
	PriceFeedIDs []string
	// Initial virtual reserves; their product fixes the invariant constant k.
	VirtualBase  int64
	VirtualQuote int64
	Params       Params
}

// Market is one synthetic perpetual market: static identity plus runtime
// virtual-reserve, open-interest and funding state. The registry exclusively
// owns this state; all mutation happens under the market's lock, which the
// orchestrator holds for the full duration of any state transition.
type Market struct {
	mu sync.Mutex

	MarketID     string
	BaseAsset    string
	QuoteAsset   string
	PriceFeedIDs []string

	VirtualBase  int64
	VirtualQuote int64
	K            *big.Int // VirtualBase * VirtualQuote, fixed at creation

	TotalLongOI  int64
	TotalShortOI int64

	// GlobalFundingIndex accumulates rate * indexPrice per settled interval,
	// in quote-per-base units at rate scale. Positions snapshot it on every
	// write so funding settles lazily via snapshot difference.
	GlobalFundingIndex int64
	LastFundingRate    int64
	LastFundingUpdate  time.Time

	// SocializedLoss accrues liquidation shortfall not covered by the
	// insurance fund. Tracked explicitly, never silently dropped.
	SocializedLoss int64

	Active bool
	Params Params

	CreatedAt time.Time
}

// Lock serializes all mutating operations on this market. One exclusive
// lock per market; readers must never observe a reserve pair mid-update.
func (m *Market) Lock() { m.mu.Lock() }

func (m *Market) Unlock() { m.mu.Unlock() }

// Snapshot returns a copy of the market's runtime state. Callers that need
// a consistent view without holding the lock use this.
func (m *Market) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	return View{
		MarketID:           m.MarketID,
		BaseAsset:          m.BaseAsset,
		QuoteAsset:         m.QuoteAsset,
		VirtualBase:        m.VirtualBase,
		VirtualQuote:       m.VirtualQuote,
		TotalLongOI:        m.TotalLongOI,
		TotalShortOI:       m.TotalShortOI,
		GlobalFundingIndex: m.GlobalFundingIndex,
		LastFundingRate:    m.LastFundingRate,
		LastFundingUpdate:  m.LastFundingUpdate,
		SocializedLoss:     m.SocializedLoss,
		Active:             m.Active,
		Params:             m.Params,
	}
}

// View is an immutable copy of market runtime state for queries and events.
type View struct {
	MarketID           string    `json:"market_id"`
	BaseAsset          string    `json:"base_asset"`
	QuoteAsset         string    `json:"quote_asset"`
	VirtualBase        int64     `json:"virtual_base"`
	VirtualQuote       int64     `json:"virtual_quote"`
	TotalLongOI        int64     `json:"total_long_oi"`
	TotalShortOI       int64     `json:"total_short_oi"`
	GlobalFundingIndex int64     `json:"global_funding_index"`
	LastFundingRate    int64     `json:"last_funding_rate"`
	LastFundingUpdate  time.Time `json:"last_funding_update"`
	SocializedLoss     int64     `json:"socialized_loss"`
	Active             bool      `json:"active"`
	Params             Params    `json:"params"`
}
