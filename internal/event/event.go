// Package event defines the engine's outbound event envelope and payloads.
// Every committed state transition produces exactly one envelope, consumed
// by the persistence worker, the NATS publisher and the websocket hub.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposit
	TypeWithdrawal
	TypeTradeSettled
	TypePositionTransferred
	TypeLiquidation
	TypeFundingUpdate
	TypeMarketRegistered
	TypeMarketParamsUpdated
	TypeInsuranceClaim
)

func (t Type) String() string {
	switch t {
	case TypeDeposit:
		return "Deposit"
	case TypeWithdrawal:
		return "Withdrawal"
	case TypeTradeSettled:
		return "TradeSettled"
	case TypePositionTransferred:
		return "PositionTransferred"
	case TypeLiquidation:
		return "Liquidation"
	case TypeFundingUpdate:
		return "FundingUpdate"
	case TypeMarketRegistered:
		return "MarketRegistered"
	case TypeMarketParamsUpdated:
		return "MarketParamsUpdated"
	case TypeInsuranceClaim:
		return "InsuranceClaim"
	default:
		return "Unknown"
	}
}

// Envelope wraps every event with its position in the global log.
type Envelope struct {
	Sequence  int64       `json:"sequence"`
	EventID   uuid.UUID   `json:"event_id"`
	Type      Type        `json:"type"`
	MarketID  *string     `json:"market_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TradeSettled is emitted for every fill routed through the settlement hook
// or the orchestrator directly.
type TradeSettled struct {
	PositionID  int64     `json:"position_id"`
	Owner       uuid.UUID `json:"owner"`
	Market      string    `json:"market"`
	Side        string    `json:"side"`
	Action      string    `json:"action"` // open | increase | decrease | close | liquidate
	Size        int64     `json:"size"`
	FillPrice   int64     `json:"fill_price"`
	Notional    int64     `json:"notional"`
	Fee         int64     `json:"fee"`
	RealizedPnL int64     `json:"realized_pnl"`
	Funding     int64     `json:"funding"`
}

// FundingUpdate mirrors oracle.Update for downstream consumers.
type FundingUpdate struct {
	Market     string `json:"market"`
	Rate       int64  `json:"rate"`
	IndexPrice int64  `json:"index_price"`
	MarkPrice  int64  `json:"mark_price"`
	Intervals  int64  `json:"intervals"`
	NewIndex   int64  `json:"new_index"`
}

// Liquidation reports a completed forced close, including how the seized
// margin was redistributed and any uncovered shortfall.
type Liquidation struct {
	LiquidationID uuid.UUID `json:"liquidation_id"`
	PositionID    int64     `json:"position_id"`
	Owner         uuid.UUID `json:"owner"`
	Liquidator    uuid.UUID `json:"liquidator"`
	Market        string    `json:"market"`
	Size          int64     `json:"size"`
	MarkPrice     int64     `json:"mark_price"`
	SeizedMargin  int64     `json:"seized_margin"`
	Reward        int64     `json:"reward"`
	RealizedLoss  int64     `json:"realized_loss"`
	InsuranceDraw int64     `json:"insurance_draw"`
	Shortfall     int64     `json:"shortfall"` // Socialized residual
}

// BalanceChange mirrors a ledger journal entry for the event log.
type BalanceChange struct {
	EntryID     uuid.UUID `json:"entry_id"`
	Account     uuid.UUID `json:"account"`
	Kind        string    `json:"kind"`
	Amount      int64     `json:"amount"`
	FreeAfter   int64     `json:"free_after"`
	LockedAfter int64     `json:"locked_after"`
	Ref         string    `json:"ref"`
}

// InsuranceClaim records a draw on the insurance fund during liquidation,
// including any unpaid remainder that was socialized.
type InsuranceClaim struct {
	LiquidationID uuid.UUID `json:"liquidation_id"`
	Requested     int64     `json:"requested"`
	Paid          int64     `json:"paid"`
	Shortfall     int64     `json:"shortfall"`
	BalanceAfter  int64     `json:"balance_after"`
}

// PositionTransfer records a custody change of a position handle.
type PositionTransfer struct {
	PositionID int64     `json:"position_id"`
	From       uuid.UUID `json:"from"`
	To         uuid.UUID `json:"to"`
}
