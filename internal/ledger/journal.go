package ledger

import (
	"github.com/google/uuid"
)

// EntryKind classifies a balance journal entry.
type EntryKind int32

const (
	EntryDeposit EntryKind = iota
	EntryWithdraw
	EntryLock
	EntryUnlock
	EntryPnLCredit
	EntryPnLDebit
	EntryTransferOut
	EntryTransferIn
)

func (k EntryKind) String() string {
	switch k {
	case EntryDeposit:
		return "Deposit"
	case EntryWithdraw:
		return "Withdraw"
	case EntryLock:
		return "Lock"
	case EntryUnlock:
		return "Unlock"
	case EntryPnLCredit:
		return "PnLCredit"
	case EntryPnLDebit:
		return "PnLDebit"
	case EntryTransferOut:
		return "TransferOut"
	case EntryTransferIn:
		return "TransferIn"
	default:
		return "Unknown"
	}
}

// Entry is an immutable record of one balance mutation. Amount is always
// positive; the kind carries the direction. FreeAfter/LockedAfter snapshot
// the account immediately after the mutation so the journal alone can
// reconstruct balance history.
type Entry struct {
	EntryID     uuid.UUID
	Account     uuid.UUID
	Kind        EntryKind
	Amount      int64
	FreeAfter   int64
	LockedAfter int64
	Ref         string // Operation reference (position id, liquidation id, ...)
	Timestamp   int64  // Versioned input timestamp (epoch microseconds)
}

// OpKind discriminates staged ledger operations.
type OpKind int32

const (
	OpLock OpKind = iota
	OpUnlock
	OpSettle // Signed PnL against free balance
	OpTransfer
)

// Op is a staged capability-gated mutation. A slice of Ops is applied
// all-or-nothing by Authority.Apply.
type Op struct {
	Kind    OpKind
	Account uuid.UUID
	To      uuid.UUID // OpTransfer only
	Amount  int64     // Signed for OpSettle, positive otherwise
	Ref     string
}
