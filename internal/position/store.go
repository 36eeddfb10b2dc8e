package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownPosition = errors.New("unknown position")
	ErrPositionClosed  = errors.New("position is closed")
	ErrNotOwner        = errors.New("caller does not own position")
	ErrInvalidMutation = errors.New("invalid position mutation")
)

// Store exclusively owns position records: an arena keyed by monotonically
// assigned int64 ids with transferable-token ownership semantics (OwnerOf,
// Transfer) and per-owner enumeration. The store performs no margin or
// pricing logic; the orchestrator drives every mutation.
type Store struct {
	mu        sync.Mutex
	positions map[int64]*Position
	byOwner   map[uuid.UUID]map[int64]struct{}
	nextID    int64
}

func NewStore() *Store {
	return &Store{
		positions: make(map[int64]*Position),
		byOwner:   make(map[uuid.UUID]map[int64]struct{}),
		nextID:    1,
	}
}

// Mint creates a new open position and returns its handle id.
func (s *Store) Mint(owner uuid.UUID, marketID string, side Side, size, entryPrice, margin, fundingSnapshot int64, now time.Time) *Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Position{
		ID:                   s.nextID,
		Owner:                owner,
		MarketID:             marketID,
		Side:                 side,
		Size:                 size,
		EntryPrice:           entryPrice,
		Margin:               margin,
		FundingIndexSnapshot: fundingSnapshot,
		State:                StateOpen,
		OpenedAt:             now,
	}
	s.nextID++

	s.positions[p.ID] = p
	s.indexOwner(owner, p.ID)

	return p
}

// Get returns a copy of the position record.
func (s *Store) Get(id int64) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("position %d: %w", id, ErrUnknownPosition)
	}
	return *p, nil
}

// OwnerOf returns the current holder of the position handle.
func (s *Store) OwnerOf(id int64) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return uuid.Nil, fmt.Errorf("position %d: %w", id, ErrUnknownPosition)
	}
	return p.Owner, nil
}

// Transfer moves custody of an open position from its current holder to
// another account. Future margin release and PnL flow to the new holder.
func (s *Store) Transfer(id int64, from, to uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %d: %w", id, ErrUnknownPosition)
	}
	if p.Owner != from {
		return fmt.Errorf("position %d: %w", id, ErrNotOwner)
	}
	if !p.IsOpen() {
		return fmt.Errorf("position %d: %w", id, ErrPositionClosed)
	}

	delete(s.byOwner[from], id)
	p.Owner = to
	p.Version++
	s.indexOwner(to, id)

	return nil
}

// ByOwner returns copies of all positions currently held by owner, ordered
// by id.
func (s *Store) ByOwner(owner uuid.UUID) []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byOwner[owner]
	result := make([]Position, 0, len(ids))
	for id := range ids {
		result = append(result, *s.positions[id])
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ByMarket returns copies of all open positions in a market, ordered by id.
func (s *Store) ByMarket(marketID string) []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Position, 0)
	for _, p := range s.positions {
		if p.MarketID == marketID && p.IsOpen() {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Mutation is a staged rewrite of an open position computed by the
// orchestrator: new size, entry price, margin and funding snapshot, plus an
// optional terminal state.
type Mutation struct {
	Size            int64
	EntryPrice      int64
	Margin          int64
	FundingSnapshot int64
	NewState        State // StateOpen keeps the position live
}

// Apply commits a mutation to an open position. Terminal transitions require
// size zero; live rewrites require positive size. After a terminal
// transition the record is retained (size zero) but removed from the owner
// index once closed.
func (s *Store) Apply(id int64, m Mutation, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %d: %w", id, ErrUnknownPosition)
	}
	if !p.IsOpen() {
		return fmt.Errorf("position %d in state %s: %w", id, p.State, ErrPositionClosed)
	}

	switch m.NewState {
	case StateOpen:
		if m.Size <= 0 {
			return fmt.Errorf("position %d: open rewrite with size %d: %w", id, m.Size, ErrInvalidMutation)
		}
	case StateClosed, StateLiquidated:
		if m.Size != 0 {
			return fmt.Errorf("position %d: terminal state with size %d: %w", id, m.Size, ErrInvalidMutation)
		}
	default:
		return fmt.Errorf("position %d: unknown target state %d: %w", id, m.NewState, ErrInvalidMutation)
	}

	p.Size = m.Size
	p.EntryPrice = m.EntryPrice
	p.Margin = m.Margin
	p.FundingIndexSnapshot = m.FundingSnapshot
	p.State = m.NewState
	p.Version++

	if m.NewState != StateOpen {
		p.ClosedAt = now
		delete(s.byOwner[p.Owner], id)
	}

	return nil
}

func (s *Store) indexOwner(owner uuid.UUID, id int64) {
	set, ok := s.byOwner[owner]
	if !ok {
		set = make(map[int64]struct{})
		s.byOwner[owner] = set
	}
	set[id] = struct{}{}
}
