package market

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrMarketInactive = errors.New("market inactive")
	ErrUnknownMarket  = errors.New("unknown market")
	ErrMarketExists   = errors.New("market already registered")
)

// Registry owns all market records. Markets are registered once by the
// administrative handle, mutated by every trade and funding update, and may
// be deactivated but never destroyed.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
	log     zerolog.Logger
}

// NewRegistry creates the registry and its single administrative handle.
// The Admin handle is the only capability that can register markets or
// change parameters; it is returned exactly once.
func NewRegistry(log zerolog.Logger) (*Registry, *Admin) {
	r := &Registry{
		markets: make(map[string]*Market),
		log:     log,
	}
	return r, &Admin{registry: r}
}

// Get returns the market record for id.
func (r *Registry) Get(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %q: %w", id, ErrUnknownMarket)
	}
	return m, nil
}

// GetActive returns the market and fails with ErrMarketInactive when it is
// deactivated. Trading paths use this; queries use Get.
func (r *Registry) GetActive(id string) (*Market, error) {
	m, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if !m.Snapshot().Active {
		return nil, fmt.Errorf("market %q: %w", id, ErrMarketInactive)
	}
	return m, nil
}

// List returns snapshots of all markets ordered by id.
func (r *Registry) List() []View {
	r.mu.RLock()
	markets := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, m)
	}
	r.mu.RUnlock()

	views := make([]View, 0, len(markets))
	for _, m := range markets {
		views = append(views, m.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].MarketID < views[j].MarketID })
	return views
}

// Admin is the administrative capability for the registry.
type Admin struct {
	registry *Registry
}

// Register creates a new market from cfg. The virtual-reserve product fixes
// the constant-product invariant k for the market's lifetime.
func (a *Admin) Register(cfg Config, now time.Time) (*Market, error) {
	if cfg.MarketID == "" {
		return nil, fmt.Errorf("market id required")
	}
	if cfg.VirtualBase <= 0 || cfg.VirtualQuote <= 0 {
		return nil, fmt.Errorf("virtual reserves must be positive: base=%d quote=%d",
			cfg.VirtualBase, cfg.VirtualQuote)
	}
	if len(cfg.PriceFeedIDs) == 0 {
		return nil, fmt.Errorf("market %q: at least one price feed required", cfg.MarketID)
	}
	if err := ValidateParams(cfg.Params); err != nil {
		return nil, fmt.Errorf("market %q: %w", cfg.MarketID, err)
	}

	r := a.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.markets[cfg.MarketID]; ok {
		return nil, fmt.Errorf("market %q: %w", cfg.MarketID, ErrMarketExists)
	}

	m := &Market{
		MarketID:          cfg.MarketID,
		BaseAsset:         cfg.BaseAsset,
		QuoteAsset:        cfg.QuoteAsset,
		PriceFeedIDs:      append([]string(nil), cfg.PriceFeedIDs...),
		VirtualBase:       cfg.VirtualBase,
		VirtualQuote:      cfg.VirtualQuote,
		K:                 new(big.Int).Mul(big.NewInt(cfg.VirtualBase), big.NewInt(cfg.VirtualQuote)),
		LastFundingUpdate: now,
		Active:            true,
		Params:            cfg.Params,
		CreatedAt:         now,
	}
	r.markets[cfg.MarketID] = m

	r.log.Info().
		Str("market", cfg.MarketID).
		Int64("virtual_base", cfg.VirtualBase).
		Int64("virtual_quote", cfg.VirtualQuote).
		Msg("market registered")

	return m, nil
}

// SetActive toggles trading on the market. Deactivation blocks new trades
// but leaves existing positions closable through the orchestrator.
func (a *Admin) SetActive(id string, active bool) error {
	m, err := a.registry.Get(id)
	if err != nil {
		return err
	}

	m.Lock()
	m.Active = active
	m.Unlock()

	a.registry.log.Info().Str("market", id).Bool("active", active).Msg("market activity changed")
	return nil
}

// UpdateParams replaces the market's mutable parameters after validation.
func (a *Admin) UpdateParams(id string, p Params) error {
	if err := ValidateParams(p); err != nil {
		return fmt.Errorf("market %q: %w", id, err)
	}

	m, err := a.registry.Get(id)
	if err != nil {
		return err
	}

	m.Lock()
	m.Params = p
	m.Unlock()

	a.registry.log.Info().Str("market", id).Msg("market params updated")
	return nil
}

// ValidateParams checks parameter ranges: mm > 0, im > mm, im < 100%,
// funding interval and clamp positive, caps non-negative.
func ValidateParams(p Params) error {
	if p.MaintenanceMarginRatio <= 0 {
		return fmt.Errorf("maintenance margin ratio must be > 0, got %d", p.MaintenanceMarginRatio)
	}
	if p.InitialMarginRatio <= p.MaintenanceMarginRatio {
		return fmt.Errorf("initial margin ratio (%d) must be > maintenance (%d)",
			p.InitialMarginRatio, p.MaintenanceMarginRatio)
	}
	if p.InitialMarginRatio >= 1_000_000 {
		return fmt.Errorf("initial margin ratio must be < 1_000_000, got %d", p.InitialMarginRatio)
	}
	if p.FundingInterval <= 0 {
		return fmt.Errorf("funding interval must be > 0, got %v", p.FundingInterval)
	}
	if p.MaxFundingRate <= 0 {
		return fmt.Errorf("max funding rate must be > 0, got %d", p.MaxFundingRate)
	}
	if p.TradeFeeBps < 0 || p.TradeFeeBps >= 10_000 {
		return fmt.Errorf("trade fee bps out of range: %d", p.TradeFeeBps)
	}
	if p.LiquidationRewardBps < 0 || p.LiquidationRewardBps >= 10_000 {
		return fmt.Errorf("liquidation reward bps out of range: %d", p.LiquidationRewardBps)
	}
	if p.MaxOpenInterestLong < 0 || p.MaxOpenInterestShort < 0 {
		return fmt.Errorf("open interest caps must be >= 0")
	}
	return nil
}
