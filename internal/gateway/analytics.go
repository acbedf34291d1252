// Analytics sinks: the order sink receives conversion orders, the event
// sink receives pixel-style events. Both are flaky third parties: failures
// surface as errors and the tracking service decides whether to queue a
// retry.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OrderSink accepts a serialized conversion order.
type OrderSink interface {
	SendOrder(ctx context.Context, payload json.RawMessage) error
}

// EventSink accepts a serialized analytics event.
type EventSink interface {
	SendEvent(ctx context.Context, payload json.RawMessage) error
}

// OrderClient posts orders to an attribution API authenticated by token
// header.
type OrderClient struct {
	URL        string
	APIToken   string
	HTTPClient *http.Client
}

// NewOrderClient builds the order sink client.
func NewOrderClient(url, token string) *OrderClient {
	return &OrderClient{
		URL:      url,
		APIToken: token,
		HTTPClient: &http.Client{
			Timeout: 12 * time.Second,
		},
	}
}

// SendOrder posts one order; any status >= 400 is a failure.
func (c *OrderClient) SendOrder(ctx context.Context, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-token", c.APIToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("order sink: status %d", resp.StatusCode)
	}
	return nil
}

// EventClient posts events to a graph-style conversions API.
type EventClient struct {
	BaseURL     string
	PixelID     string
	AccessToken string
	HTTPClient  *http.Client
}

// NewEventClient builds the event sink client.
func NewEventClient(baseURL, pixelID, accessToken string) *EventClient {
	return &EventClient{
		BaseURL:     baseURL,
		PixelID:     pixelID,
		AccessToken: accessToken,
		HTTPClient: &http.Client{
			Timeout: 12 * time.Second,
		},
	}
}

// SendEvent posts one event batch. When the client is not configured
// (missing pixel or token) it silently succeeds, since tracking is optional.
func (c *EventClient) SendEvent(ctx context.Context, payload json.RawMessage) error {
	if c.PixelID == "" || c.AccessToken == "" {
		return nil
	}
	url := fmt.Sprintf("%s/%s/events?access_token=%s", c.BaseURL, c.PixelID, c.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("event sink: status %d", resp.StatusCode)
	}
	return nil
}
