// Package insurance implements the capped reserve of last resort for
// liquidation shortfalls.
package insurance

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrBelowMinReserve   = errors.New("withdrawal would breach minimum reserve")
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Fund is the insurance reserve. Deposits are open; withdrawals require the
// owner handle; claims require the claimant handle held by the liquidation
// engine. Balance never goes negative: claims exceeding the balance are
// truncated and the unpaid remainder reported to the caller, never
// swallowed.
type Fund struct {
	mu                  sync.Mutex
	balance             int64
	minReserve          int64
	maxCoveragePerEvent int64
	totalClaims         int64
	log                 zerolog.Logger
}

// Owner is the administrative capability for withdrawals.
type Owner struct {
	fund *Fund
}

// Claimant is the capability granted to the liquidation engine.
type Claimant struct {
	fund *Fund
}

// NewFund creates the fund and its two capability handles. Each handle is
// returned exactly once; possession is the authorization.
func NewFund(minReserve, maxCoveragePerEvent int64, log zerolog.Logger) (*Fund, *Owner, *Claimant) {
	f := &Fund{
		minReserve:          minReserve,
		maxCoveragePerEvent: maxCoveragePerEvent,
		log:                 log,
	}
	return f, &Owner{fund: f}, &Claimant{fund: f}
}

// Deposit credits the fund.
func (f *Fund) Deposit(amount int64) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.balance += amount
	return nil
}

// Balance returns the current reserve.
func (f *Fund) Balance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

// TotalClaims returns the cumulative amount paid out to liquidations.
func (f *Fund) TotalClaims() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalClaims
}

// MaxCoveragePerEvent returns the per-claim cap.
func (f *Fund) MaxCoveragePerEvent() int64 {
	return f.maxCoveragePerEvent
}

// Withdraw debits the fund, refusing to cross the minimum reserve.
func (o *Owner) Withdraw(amount int64) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}

	f := o.fund

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.balance-amount < f.minReserve {
		return fmt.Errorf("withdraw %d (balance=%d, min_reserve=%d): %w",
			amount, f.balance, f.minReserve, ErrBelowMinReserve)
	}

	f.balance -= amount
	return nil
}

// PayClaim covers up to amount of a liquidation shortfall, truncated at both
// the per-event cap and the remaining balance. It returns the amount paid
// and the unpaid shortfall; exhaustion is an outcome, not an error, so the
// surrounding liquidation still completes.
func (c *Claimant) PayClaim(amount int64) (paid, shortfall int64, err error) {
	if amount <= 0 {
		return 0, 0, ErrNonPositiveAmount
	}

	f := c.fund

	f.mu.Lock()
	defer f.mu.Unlock()

	capped := amount
	if capped > f.maxCoveragePerEvent {
		capped = f.maxCoveragePerEvent
	}

	paid = capped
	if paid > f.balance {
		paid = f.balance
	}

	f.balance -= paid
	f.totalClaims += paid
	shortfall = amount - paid

	if shortfall > 0 {
		f.log.Warn().
			Int64("claim", amount).
			Int64("paid", paid).
			Int64("shortfall", shortfall).
			Int64("balance", f.balance).
			Msg("insurance claim truncated")
	}

	return paid, shortfall, nil
}
