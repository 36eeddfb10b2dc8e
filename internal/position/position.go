package position

import (
	"time"

	"github.com/google/uuid"
)

// Side is a position direction.
type Side int32

const (
	SideLong Side = iota + 1
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// State is a position lifecycle state. Closed and Liquidated are terminal;
// no mutation is permitted once size reaches zero.
type State int32

const (
	StateOpen State = iota
	StateClosed
	StateLiquidated
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	case StateLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// Position is one perpetual exposure, identified by a unique transferable
// handle. The holder of the handle — not necessarily the account that opened
// it — receives margin release and PnL settlement. Fixed-point scales follow
// the engine conventions (size: quantity, entry price: price, margin: quote,
// funding snapshot: rate).
type Position struct {
	ID                   int64
	Owner                uuid.UUID
	MarketID             string
	Side                 Side
	Size                 int64
	EntryPrice           int64 // Size-weighted average virtual fill price
	Margin               int64 // Collateral locked against this position
	FundingIndexSnapshot int64 // Market GlobalFundingIndex at last write
	State                State
	OpenedAt             time.Time
	ClosedAt             time.Time
	Version              int64
}

// IsOpen reports whether the position can still be mutated.
func (p *Position) IsOpen() bool {
	return p.State == StateOpen && p.Size > 0
}
