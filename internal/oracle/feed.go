package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"synthperp/internal/fixedpoint"
)

// FeedUpdate is one raw price tuple from the external feed provider:
// price * 10^exponent with a confidence interval, as published at
// PublishTime. Conversion to engine fixed point happens in FixedPrice.
type FeedUpdate struct {
	FeedID      string
	Price       int64
	Confidence  int64
	Exponent    int32
	PublishTime time.Time
}

// FixedPrice converts the raw exponent-scaled price into the engine's price
// scale. Decimal arithmetic keeps the conversion exact regardless of the
// provider's exponent.
func (u FeedUpdate) FixedPrice() (int64, error) {
	d := decimal.New(u.Price, u.Exponent)
	scaled := d.Mul(decimal.NewFromInt(fixedpoint.PriceConfig.Scale)).Round(0)
	if scaled.BigInt().BitLen() > 62 {
		return 0, fmt.Errorf("feed %q: price %s: %w", u.FeedID, d, fixedpoint.ErrOverflow)
	}
	v := scaled.IntPart()
	if v <= 0 {
		return 0, fmt.Errorf("feed %q: non-positive price %s", u.FeedID, d)
	}
	return v, nil
}

// FeedClient is the pull-based provider contract: fetch and verify an
// update, then act on it. UpdateFee is the per-update fee the provider
// charges; the poller pays it out of its configured fee budget.
type FeedClient interface {
	FetchUpdate(ctx context.Context, feedID string) (FeedUpdate, error)
	UpdateFee() int64
}

// Poller pulls feed updates on an interval and publishes verified prices
// into the Index. It is the only component allowed to call the provider.
type Poller struct {
	client   FeedClient
	index    *Index
	feedIDs  []string
	interval time.Duration
	log      zerolog.Logger

	feesPaid int64
}

func NewPoller(client FeedClient, index *Index, feedIDs []string, interval time.Duration, log zerolog.Logger) *Poller {
	return &Poller{
		client:   client,
		index:    index,
		feedIDs:  append([]string(nil), feedIDs...),
		interval: interval,
		log:      log,
	}
}

// Run polls until ctx is cancelled. Individual feed failures are logged and
// skipped; the staleness window in the Index is what ultimately fails
// trading closed if every source goes dark.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce(ctx, time.Now())
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, now time.Time) {
	for _, feedID := range p.feedIDs {
		update, err := p.client.FetchUpdate(ctx, feedID)
		if err != nil {
			p.log.Warn().Str("feed", feedID).Err(err).Msg("feed fetch failed")
			continue
		}

		price, err := update.FixedPrice()
		if err != nil {
			p.log.Warn().Str("feed", feedID).Err(err).Msg("feed price rejected")
			continue
		}

		if err := p.index.Publish(feedID, price, update.PublishTime, now); err != nil {
			p.log.Warn().Str("feed", feedID).Err(err).Msg("feed publish rejected")
			continue
		}

		p.feesPaid += p.client.UpdateFee()
	}
}

// FeesPaid returns the cumulative provider fees paid by this poller.
func (p *Poller) FeesPaid() int64 {
	return p.feesPaid
}
