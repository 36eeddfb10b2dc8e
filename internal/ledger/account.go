package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Account holds one owner's collateral split into free and margin-locked
// balances. Accounts are created on first deposit and never deleted, only
// zeroed. Both balances are fixed-point quote units (QuoteConfig scale).
type Account struct {
	Owner     uuid.UUID
	Free      int64
	Locked    int64
	CreatedAt time.Time
}

// Total returns free + locked collateral.
func (a *Account) Total() int64 {
	return a.Free + a.Locked
}
