package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"synthperp/internal/fixedpoint"
)

var (
	ErrStalePrice         = errors.New("stale price")
	ErrNoValidPriceSource = errors.New("no valid price source")
	ErrUnknownFeed        = errors.New("unknown feed")
)

// Source is one external price feed record. Multiple weighted sources per
// market are aggregated so a single feed outage or manipulation cannot move
// the index alone.
type Source struct {
	FeedID          string
	Weight          int64 // Ratio scale (1_000_000)
	MaxStaleness    time.Duration
	Primary         bool
	LastPrice       int64 // Price scale
	LastPublishTime time.Time
}

// Index owns all price source records and computes weighted index prices.
type Index struct {
	mu      sync.RWMutex
	sources map[string]*Source
	log     zerolog.Logger
}

func NewIndex(log zerolog.Logger) *Index {
	return &Index{
		sources: make(map[string]*Source),
		log:     log,
	}
}

// Register adds a feed record. Weight zero sources are kept but never
// contribute to aggregation.
func (ix *Index) Register(feedID string, weight int64, maxStaleness time.Duration, primary bool) error {
	if feedID == "" {
		return fmt.Errorf("feed id required")
	}
	if weight < 0 {
		return fmt.Errorf("feed %q: weight must be >= 0, got %d", feedID, weight)
	}
	if maxStaleness <= 0 {
		return fmt.Errorf("feed %q: max staleness must be > 0, got %v", feedID, maxStaleness)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.sources[feedID] = &Source{
		FeedID:       feedID,
		Weight:       weight,
		MaxStaleness: maxStaleness,
		Primary:      primary,
	}
	ix.log.Info().Str("feed", feedID).Int64("weight", weight).Bool("primary", primary).Msg("price feed registered")
	return nil
}

// Publish records a verified price for a feed. Updates older than the
// feed's staleness window, or older than the last accepted publish, are
// rejected — the engine fails rather than silently proceeding on stale data.
func (ix *Index) Publish(feedID string, price int64, publishTime, now time.Time) error {
	if price <= 0 {
		return fmt.Errorf("feed %q: non-positive price %d", feedID, price)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	src, ok := ix.sources[feedID]
	if !ok {
		return fmt.Errorf("feed %q: %w", feedID, ErrUnknownFeed)
	}
	if now.Sub(publishTime) > src.MaxStaleness {
		return fmt.Errorf("feed %q: published %v ago: %w", feedID, now.Sub(publishTime), ErrStalePrice)
	}
	if !publishTime.After(src.LastPublishTime) {
		// Duplicate or regression — idempotent skip, same as the mark-price
		// sequence handling upstream.
		return nil
	}

	src.LastPrice = price
	src.LastPublishTime = publishTime
	return nil
}

// Get returns a copy of a feed record.
func (ix *Index) Get(feedID string) (Source, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	src, ok := ix.sources[feedID]
	if !ok {
		return Source{}, fmt.Errorf("feed %q: %w", feedID, ErrUnknownFeed)
	}
	return *src, nil
}

// IndexPrice aggregates the given feeds into one weighted index price,
// skipping stale and zero-weight sources. With no valid source left the
// aggregation fails closed with ErrNoValidPriceSource.
func (ix *Index) IndexPrice(feedIDs []string, now time.Time) (int64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	weightedSum := new(big.Int)
	var totalWeight int64

	for _, id := range feedIDs {
		src, ok := ix.sources[id]
		if !ok {
			return 0, fmt.Errorf("feed %q: %w", id, ErrUnknownFeed)
		}
		if src.Weight == 0 || src.LastPrice <= 0 {
			continue
		}
		if now.Sub(src.LastPublishTime) > src.MaxStaleness {
			continue
		}

		weightedSum.Add(weightedSum, fixedpoint.Mul128(src.LastPrice, src.Weight))
		totalWeight += src.Weight
	}

	if totalWeight == 0 {
		return 0, fmt.Errorf("aggregate over %d feeds: %w", len(feedIDs), ErrNoValidPriceSource)
	}

	price, err := fixedpoint.Div128(weightedSum, totalWeight, fixedpoint.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("aggregate price %d: %w", price, ErrNoValidPriceSource)
	}
	return price, nil
}
