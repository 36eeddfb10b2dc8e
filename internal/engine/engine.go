// Package engine composes the margin ledger, market registry, position store,
// funding oracle and insurance fund into the atomic trade, transfer and
// liquidation operations. Every operation runs to completion under the
// market's exclusive lock: compute the full effect set, validate it, commit
// in one step. Any failing step aborts with zero state mutation.
package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"synthperp/internal/event"
	"synthperp/internal/insurance"
	"synthperp/internal/ledger"
	"synthperp/internal/market"
	"synthperp/internal/observability"
	"synthperp/internal/oracle"
	"synthperp/internal/position"
)

var (
	ErrInsufficientMargin      = errors.New("insufficient margin")
	ErrOpenInterestCapExceeded = errors.New("open interest cap exceeded")
	ErrPositionNotLiquidatable = errors.New("position not liquidatable")
	ErrRealLiquidityForbidden  = errors.New("real liquidity forbidden on synthetic market")
)

// Engine is the position orchestrator and liquidation engine. It holds the
// capability handles granted at construction: the ledger Authority for margin
// movement and the insurance Claimant for shortfall draws. No other component
// can exercise either.
type Engine struct {
	registry *market.Registry
	store    *position.Store
	ledger   *ledger.MarginLedger
	auth     *ledger.Authority
	funding  *oracle.FundingEngine
	fund     *insurance.Fund
	claims   *insurance.Claimant
	metrics  *observability.Metrics
	log      zerolog.Logger

	seq atomic.Int64

	// persistChan is blocking: the engine applies backpressure rather than
	// lose an event destined for durable storage. streamChan is best-effort.
	persistChan chan event.Envelope
	streamChan  chan event.Envelope
	journalChan chan []ledger.Entry
}

func New(
	registry *market.Registry,
	store *position.Store,
	lgr *ledger.MarginLedger,
	funding *oracle.FundingEngine,
	fund *insurance.Fund,
	claims *insurance.Claimant,
	metrics *observability.Metrics,
	log zerolog.Logger,
	persistBuffer, streamBuffer int,
) *Engine {
	return &Engine{
		registry:    registry,
		store:       store,
		ledger:      lgr,
		auth:        lgr.Grant("engine"),
		funding:     funding,
		fund:        fund,
		claims:      claims,
		metrics:     metrics,
		log:         log,
		persistChan: make(chan event.Envelope, persistBuffer),
		streamChan:  make(chan event.Envelope, streamBuffer),
		journalChan: make(chan []ledger.Entry, persistBuffer),
	}
}

// Events is the blocking feed consumed by the persistence worker.
func (e *Engine) Events() <-chan event.Envelope { return e.persistChan }

// Stream is the best-effort feed consumed by the NATS publisher and the
// websocket hub. Slow consumers drop, they never stall settlement.
func (e *Engine) Stream() <-chan event.Envelope { return e.streamChan }

// Journal is the blocking feed of committed ledger entry batches.
func (e *Engine) Journal() <-chan []ledger.Entry { return e.journalChan }

// Close releases the outbound feeds. Call only after all operations have
// drained; workers treat channel close as shutdown.
func (e *Engine) Close() {
	close(e.persistChan)
	close(e.streamChan)
	close(e.journalChan)
}

// Deposit credits collateral to an account and emits a balance event.
func (e *Engine) Deposit(owner uuid.UUID, amount int64, now time.Time) (ledger.Entry, error) {
	entry, err := e.ledger.Deposit(owner, amount, now)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.record([]ledger.Entry{entry})
	e.emit(event.TypeDeposit, "", balanceChange(entry), now)
	return entry, nil
}

// Withdraw debits free collateral. Locked margin is never withdrawable.
func (e *Engine) Withdraw(owner uuid.UUID, amount int64, now time.Time) (ledger.Entry, error) {
	entry, err := e.ledger.Withdraw(owner, amount, now)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.record([]ledger.Entry{entry})
	e.emit(event.TypeWithdrawal, "", balanceChange(entry), now)
	return entry, nil
}

// RegisterMarket creates a market through the registry admin handle and
// emits the registration event. The admin handle stays with the caller;
// the engine only observes the result.
func (e *Engine) RegisterMarket(admin *market.Admin, cfg market.Config, now time.Time) (*market.Market, error) {
	m, err := admin.Register(cfg, now)
	if err != nil {
		return nil, err
	}
	e.emit(event.TypeMarketRegistered, cfg.MarketID, m.Snapshot(), now)
	return m, nil
}

// UpdateMarketParams applies a parameter change and emits the update event.
func (e *Engine) UpdateMarketParams(admin *market.Admin, id string, p market.Params, now time.Time) error {
	if err := admin.UpdateParams(id, p); err != nil {
		return err
	}
	m, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	e.emit(event.TypeMarketParamsUpdated, id, m.Snapshot(), now)
	return nil
}

// Position returns a copy of the position record.
func (e *Engine) Position(id int64) (position.Position, error) {
	return e.store.Get(id)
}

// PositionsByOwner returns copies of all positions held by owner.
func (e *Engine) PositionsByOwner(owner uuid.UUID) []position.Position {
	return e.store.ByOwner(owner)
}

// Account returns the account's ledger record.
func (e *Engine) Account(owner uuid.UUID) (ledger.Account, bool) {
	return e.ledger.GetAccount(owner)
}

// Markets returns snapshots of all registered markets.
func (e *Engine) Markets() []market.View {
	return e.registry.List()
}

// Market returns a snapshot of one market.
func (e *Engine) Market(id string) (market.View, error) {
	m, err := e.registry.Get(id)
	if err != nil {
		return market.View{}, err
	}
	return m.Snapshot(), nil
}

// emit assigns the next sequence number and fans the envelope out: blocking
// to the persist feed, best-effort to the stream feed.
func (e *Engine) emit(t event.Type, marketID string, payload interface{}, now time.Time) {
	env := event.Envelope{
		Sequence:  e.seq.Add(1),
		EventID:   uuid.New(),
		Type:      t,
		Timestamp: now,
		Payload:   payload,
	}
	if marketID != "" {
		id := marketID
		env.MarketID = &id
	}

	e.metrics.EventsEmitted.WithLabelValues(t.String()).Inc()

	e.persistChan <- env
	e.metrics.PersistBacklog.Set(float64(len(e.persistChan)))

	select {
	case e.streamChan <- env:
	default:
		e.metrics.StreamDrops.Inc()
	}
}

// record forwards a committed ledger entry batch to the journal feed.
func (e *Engine) record(entries []ledger.Entry) {
	if len(entries) == 0 {
		return
	}
	for _, en := range entries {
		e.metrics.LedgerEntries.WithLabelValues(en.Kind.String()).Inc()
	}
	e.journalChan <- entries
}

// settleFundingIfDue applies any whole elapsed funding intervals to the
// market. The caller holds the market lock. A due update with no valid
// oracle price fails closed and aborts the surrounding operation.
func (e *Engine) settleFundingIfDue(m *market.Market, now time.Time) error {
	u, applied, err := e.funding.SettleDue(m, now)
	if err != nil {
		e.metrics.FundingUpdateSkips.WithLabelValues(m.MarketID, "no_valid_price").Inc()
		return err
	}
	if !applied {
		return nil
	}

	e.metrics.FundingUpdates.WithLabelValues(m.MarketID).Inc()
	e.metrics.FundingRate.WithLabelValues(m.MarketID).Set(float64(u.Rate))
	e.metrics.IndexPrice.WithLabelValues(m.MarketID).Set(float64(u.IndexPrice))

	e.emit(event.TypeFundingUpdate, m.MarketID, event.FundingUpdate{
		Market:     u.MarketID,
		Rate:       u.Rate,
		IndexPrice: u.IndexPrice,
		MarkPrice:  u.MarkPrice,
		Intervals:  u.Intervals,
		NewIndex:   u.NewIndex,
	}, now)

	return nil
}

// TouchFunding settles due funding on a market outside of a trade, for
// callers (keepers, admin surface) that want rates current.
func (e *Engine) TouchFunding(marketID string, now time.Time) error {
	m, err := e.registry.GetActive(marketID)
	if err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	return e.settleFundingIfDue(m, now)
}

func balanceChange(en ledger.Entry) event.BalanceChange {
	return event.BalanceChange{
		EntryID:     en.EntryID,
		Account:     en.Account,
		Kind:        en.Kind.String(),
		Amount:      en.Amount,
		FreeAfter:   en.FreeAfter,
		LockedAfter: en.LockedAfter,
		Ref:         en.Ref,
	}
}

// gaugeMarket refreshes the per-market gauges after a committed transition.
// The caller holds the market lock.
func (e *Engine) gaugeMarket(m *market.Market) {
	e.metrics.OpenInterest.WithLabelValues(m.MarketID, "long").Set(float64(m.TotalLongOI))
	e.metrics.OpenInterest.WithLabelValues(m.MarketID, "short").Set(float64(m.TotalShortOI))
	e.metrics.VirtualReserves.WithLabelValues(m.MarketID, "base").Set(float64(m.VirtualBase))
	e.metrics.VirtualReserves.WithLabelValues(m.MarketID, "quote").Set(float64(m.VirtualQuote))
	e.metrics.SocializedLoss.WithLabelValues(m.MarketID).Set(float64(m.SocializedLoss))
}

func wrapPos(id int64, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("position %d: %w", id, err)
}
