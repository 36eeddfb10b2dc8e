package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInsufficientFreeBalance = errors.New("insufficient free balance")
	ErrInsufficientLocked      = errors.New("insufficient locked balance")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrNonPositiveAmount       = errors.New("amount must be positive")
)

// MarginLedger is the exclusive owner of collateral balance state.
// Deposit and Withdraw are open to account owners; lock/unlock and PnL
// settlement are reachable only through an Authority handle granted at
// construction time. All methods are safe for concurrent use.
type MarginLedger struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*Account
	log      zerolog.Logger
}

func NewMarginLedger(log zerolog.Logger) *MarginLedger {
	return &MarginLedger{
		accounts: make(map[uuid.UUID]*Account),
		log:      log,
	}
}

// Grant returns a capability handle for the named engine. Possession of the
// handle is the authorization; there is no runtime-mutable allowlist.
func (l *MarginLedger) Grant(name string) *Authority {
	l.log.Info().Str("grantee", name).Msg("ledger authority granted")
	return &Authority{name: name, ledger: l}
}

// Deposit credits amount to the account's free balance, creating the
// account on first use.
func (l *MarginLedger) Deposit(owner uuid.UUID, amount int64, now time.Time) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrNonPositiveAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.getOrCreate(owner, now)
	acct.Free += amount

	return l.entry(acct, EntryDeposit, amount, "deposit", now), nil
}

// Withdraw debits amount from the account's free balance. Locked margin is
// never withdrawable.
func (l *MarginLedger) Withdraw(owner uuid.UUID, amount int64, now time.Time) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrNonPositiveAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[owner]
	if !ok {
		return Entry{}, ErrUnknownAccount
	}
	if acct.Free < amount {
		return Entry{}, fmt.Errorf("withdraw %d: %w (free=%d)", amount, ErrInsufficientFreeBalance, acct.Free)
	}

	acct.Free -= amount
	return l.entry(acct, EntryWithdraw, amount, "withdraw", now), nil
}

// FreeBalance returns the account's free balance (0 for unknown accounts).
func (l *MarginLedger) FreeBalance(owner uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok := l.accounts[owner]; ok {
		return acct.Free
	}
	return 0
}

// LockedBalance returns the account's margin-locked balance.
func (l *MarginLedger) LockedBalance(owner uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok := l.accounts[owner]; ok {
		return acct.Locked
	}
	return 0
}

// GetAccount returns a copy of the account record.
func (l *MarginLedger) GetAccount(owner uuid.UUID) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[owner]
	if !ok {
		return Account{}, false
	}
	return *acct, true
}

func (l *MarginLedger) getOrCreate(owner uuid.UUID, now time.Time) *Account {
	acct, ok := l.accounts[owner]
	if !ok {
		acct = &Account{Owner: owner, CreatedAt: now}
		l.accounts[owner] = acct
	}
	return acct
}

func (l *MarginLedger) entry(acct *Account, kind EntryKind, amount int64, ref string, now time.Time) Entry {
	l.checkInvariants(acct)
	return Entry{
		EntryID:     uuid.New(),
		Account:     acct.Owner,
		Kind:        kind,
		Amount:      amount,
		FreeAfter:   acct.Free,
		LockedAfter: acct.Locked,
		Ref:         ref,
		Timestamp:   now.UnixMicro(),
	}
}

// checkInvariants enforces free >= 0 and locked >= 0 after every mutation.
// A violation means a validation bug upstream, never a caller error.
func (l *MarginLedger) checkInvariants(acct *Account) {
	if acct.Free < 0 || acct.Locked < 0 {
		panic(fmt.Sprintf("FATAL: account %s balance invariant violated: free=%d locked=%d",
			acct.Owner, acct.Free, acct.Locked))
	}
}

// Authority is the capability handle for lock/unlock and PnL settlement.
// It is handed to the position orchestrator and liquidation engine at
// construction; no other component can move locked collateral.
type Authority struct {
	name   string
	ledger *MarginLedger
}

// Name identifies the grantee (used in journal refs and logs).
func (a *Authority) Name() string {
	return a.name
}

// Lock moves amount from free to locked on the account.
func (a *Authority) Lock(owner uuid.UUID, amount int64, ref string, now time.Time) (Entry, error) {
	entries, err := a.Apply([]Op{{Kind: OpLock, Account: owner, Amount: amount, Ref: ref}}, now)
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// Unlock moves amount from locked back to free.
func (a *Authority) Unlock(owner uuid.UUID, amount int64, ref string, now time.Time) (Entry, error) {
	entries, err := a.Apply([]Op{{Kind: OpUnlock, Account: owner, Amount: amount, Ref: ref}}, now)
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// SettlePnL applies signed delta to the account's free balance. A loss that
// would drive the balance negative is rejected, not clamped; the liquidation
// path pre-computes a feasible sequence of ops instead.
func (a *Authority) SettlePnL(owner uuid.UUID, delta int64, ref string, now time.Time) (Entry, error) {
	entries, err := a.Apply([]Op{{Kind: OpSettle, Account: owner, Amount: delta, Ref: ref}}, now)
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// Apply executes a staged op sequence all-or-nothing: every op is validated
// against the projected balances under one lock acquisition, then all are
// applied. On any validation failure nothing is written.
func (a *Authority) Apply(ops []Op, now time.Time) ([]Entry, error) {
	l := a.ledger

	l.mu.Lock()
	defer l.mu.Unlock()

	// Validation pass over projected balances.
	type projected struct{ free, locked int64 }
	proj := make(map[uuid.UUID]projected)

	load := func(owner uuid.UUID) projected {
		if p, ok := proj[owner]; ok {
			return p
		}
		var p projected
		if acct, ok := l.accounts[owner]; ok {
			p = projected{free: acct.Free, locked: acct.Locked}
		}
		proj[owner] = p
		return p
	}

	for i, op := range ops {
		switch op.Kind {
		case OpLock:
			if op.Amount <= 0 {
				return nil, ErrNonPositiveAmount
			}
			p := load(op.Account)
			if p.free < op.Amount {
				return nil, fmt.Errorf("op %d lock %d: %w (free=%d)", i, op.Amount, ErrInsufficientFreeBalance, p.free)
			}
			p.free -= op.Amount
			p.locked += op.Amount
			proj[op.Account] = p

		case OpUnlock:
			if op.Amount <= 0 {
				return nil, ErrNonPositiveAmount
			}
			p := load(op.Account)
			if p.locked < op.Amount {
				return nil, fmt.Errorf("op %d unlock %d: %w (locked=%d)", i, op.Amount, ErrInsufficientLocked, p.locked)
			}
			p.free += op.Amount
			p.locked -= op.Amount
			proj[op.Account] = p

		case OpSettle:
			p := load(op.Account)
			if p.free+op.Amount < 0 {
				return nil, fmt.Errorf("op %d settle %d: %w (free=%d)", i, op.Amount, ErrInsufficientFreeBalance, p.free)
			}
			p.free += op.Amount
			proj[op.Account] = p

		case OpTransfer:
			if op.Amount <= 0 {
				return nil, ErrNonPositiveAmount
			}
			p := load(op.Account)
			if p.free < op.Amount {
				return nil, fmt.Errorf("op %d transfer %d: %w (free=%d)", i, op.Amount, ErrInsufficientFreeBalance, p.free)
			}
			p.free -= op.Amount
			proj[op.Account] = p
			q := load(op.To)
			q.free += op.Amount
			proj[op.To] = q

		default:
			return nil, fmt.Errorf("op %d: unknown op kind %d", i, op.Kind)
		}
	}

	// Commit pass — cannot fail after validation.
	entries := make([]Entry, 0, len(ops))

	for _, op := range ops {
		switch op.Kind {
		case OpLock:
			acct := l.getOrCreate(op.Account, now)
			acct.Free -= op.Amount
			acct.Locked += op.Amount
			entries = append(entries, l.entry(acct, EntryLock, op.Amount, op.Ref, now))

		case OpUnlock:
			acct := l.accounts[op.Account]
			acct.Free += op.Amount
			acct.Locked -= op.Amount
			entries = append(entries, l.entry(acct, EntryUnlock, op.Amount, op.Ref, now))

		case OpSettle:
			acct := l.getOrCreate(op.Account, now)
			acct.Free += op.Amount
			kind := EntryPnLCredit
			amount := op.Amount
			if op.Amount < 0 {
				kind = EntryPnLDebit
				amount = -op.Amount
			}
			entries = append(entries, l.entry(acct, kind, amount, op.Ref, now))

		case OpTransfer:
			from := l.accounts[op.Account]
			from.Free -= op.Amount
			entries = append(entries, l.entry(from, EntryTransferOut, op.Amount, op.Ref, now))

			to := l.getOrCreate(op.To, now)
			to.Free += op.Amount
			entries = append(entries, l.entry(to, EntryTransferIn, op.Amount, op.Ref, now))
		}
	}

	return entries, nil
}
