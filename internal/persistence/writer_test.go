package persistence_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"synthperp/internal/event"
	"synthperp/internal/ledger"
	"synthperp/internal/persistence"
)

func TestToEventRow(t *testing.T) {
	marketID := "BTC-PERP"
	env := event.Envelope{
		Sequence:  7,
		EventID:   uuid.New(),
		Type:      event.TypeTradeSettled,
		MarketID:  &marketID,
		Timestamp: time.Unix(1_700_000_000, 0),
		Payload:   event.TradeSettled{PositionID: 3, Size: 1_000_000},
	}

	row, err := persistence.ToEventRow(env)
	if err != nil {
		t.Fatalf("to event row: %v", err)
	}
	if row.Sequence != 7 || row.EventType != "TradeSettled" {
		t.Errorf("row = %+v", row)
	}
	if row.MarketID == nil || *row.MarketID != "BTC-PERP" {
		t.Errorf("market id = %v", row.MarketID)
	}

	var decoded event.TradeSettled
	if err := json.Unmarshal(row.Payload, &decoded); err != nil {
		t.Fatalf("payload not valid json: %v", err)
	}
	if decoded.PositionID != 3 || decoded.Size != 1_000_000 {
		t.Errorf("payload round trip = %+v", decoded)
	}
}

func TestToEventRow_NoMarket(t *testing.T) {
	row, err := persistence.ToEventRow(event.Envelope{
		Sequence: 1,
		EventID:  uuid.New(),
		Type:     event.TypeDeposit,
		Payload:  event.BalanceChange{Amount: 42},
	})
	if err != nil {
		t.Fatal(err)
	}
	if row.MarketID != nil {
		t.Errorf("market id should stay nil, got %v", *row.MarketID)
	}
}

func TestToJournalRow(t *testing.T) {
	en := ledger.Entry{
		EntryID:     uuid.New(),
		Account:     uuid.New(),
		Kind:        ledger.EntryLock,
		Amount:      500,
		FreeAfter:   100,
		LockedAfter: 500,
		Ref:         "position:9",
		Timestamp:   1_700_000_000_000_000,
	}

	row := persistence.ToJournalRow(en)
	if row.EntryID != en.EntryID || row.Kind != "Lock" || row.Amount != 500 {
		t.Errorf("row = %+v", row)
	}
	if row.FreeAfter != 100 || row.LockedAfter != 500 || row.Ref != "position:9" {
		t.Errorf("row = %+v", row)
	}
}
