package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPFeedClient fetches price updates from a JSON feed endpoint. The
// endpoint serves GET {base}/latest?feed={id} with a body of the form
// {"feed_id":..,"price":..,"conf":..,"expo":..,"publish_time":..} where
// publish_time is a unix timestamp in seconds.
type HTTPFeedClient struct {
	base      string
	updateFee int64
	client    *http.Client
}

func NewHTTPFeedClient(base string, updateFee int64) *HTTPFeedClient {
	return &HTTPFeedClient{
		base:      base,
		updateFee: updateFee,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

type feedResponse struct {
	FeedID      string `json:"feed_id"`
	Price       int64  `json:"price"`
	Conf        int64  `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func (c *HTTPFeedClient) FetchUpdate(ctx context.Context, feedID string) (FeedUpdate, error) {
	endpoint := fmt.Sprintf("%s/latest?feed=%s", c.base, url.QueryEscape(feedID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FeedUpdate{}, fmt.Errorf("build feed request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return FeedUpdate{}, fmt.Errorf("fetch feed %q: %w", feedID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FeedUpdate{}, fmt.Errorf("fetch feed %q: status %d", feedID, resp.StatusCode)
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return FeedUpdate{}, fmt.Errorf("decode feed %q: %w", feedID, err)
	}

	return FeedUpdate{
		FeedID:      feedID,
		Price:       body.Price,
		Confidence:  body.Conf,
		Exponent:    body.Expo,
		PublishTime: time.Unix(body.PublishTime, 0),
	}, nil
}

func (c *HTTPFeedClient) UpdateFee() int64 {
	return c.updateFee
}
