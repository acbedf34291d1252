// Package gateway holds the HTTP clients for the engine's external
// collaborators: the hosted-checkout payment gateway, the chat platform
// sender, and the analytics sinks. The rest of the engine depends only on
// the small interfaces defined here, so tests substitute fakes and nothing
// upstream knows which provider is wired in.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CheckoutSession is the result of creating a hosted checkout.
type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
	RawStatus   string
}

// CreateSessionRequest carries everything the provider needs to open a
// hosted checkout for one subject.
type CreateSessionRequest struct {
	SubjectID   int64
	Identifier  string // our order identifier, echoed back in callbacks
	AmountCents int64
	Currency    string
	ProductName string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// CheckoutGateway is the payment-provider surface the reconciler depends on.
type CheckoutGateway interface {
	// CreateSession opens a hosted checkout and returns its identifiers.
	CreateSession(ctx context.Context, req CreateSessionRequest) (CheckoutSession, error)
	// SessionStatus returns the provider's raw status string for a session.
	SessionStatus(ctx context.Context, sessionID string) (string, error)
}

// CheckoutClient talks to a Stripe-style checkout API: form-encoded session
// creation, bearer auth, JSON responses.
type CheckoutClient struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewCheckoutClient builds a client with a bounded request timeout.
func NewCheckoutClient(baseURL, secretKey string) *CheckoutClient {
	return &CheckoutClient{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// CreateSession opens a checkout session. Sessions expire server-side after
// 30 minutes so abandoned checkouts do not pile up.
func (c *CheckoutClient) CreateSession(ctx context.Context, req CreateSessionRequest) (CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.ProductName)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("client_reference_id", strconv.FormatInt(req.SubjectID, 10))
	form.Set("metadata[subject_id]", strconv.FormatInt(req.SubjectID, 10))
	form.Set("metadata[event_id]", req.Identifier)
	form.Set("expires_at", strconv.FormatInt(time.Now().Add(30*time.Minute).Unix(), 10))
	for k, v := range req.Metadata {
		if v != "" {
			form.Set("metadata["+k+"]", truncate(v, 400))
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return CheckoutSession{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return CheckoutSession{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CheckoutSession{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return CheckoutSession{}, fmt.Errorf("checkout create: status %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var payload struct {
		ID            string `json:"id"`
		URL           string `json:"url"`
		PaymentStatus string `json:"payment_status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return CheckoutSession{}, fmt.Errorf("checkout create: decode: %w", err)
	}
	if payload.ID == "" || payload.URL == "" {
		return CheckoutSession{}, fmt.Errorf("checkout create: incomplete session in response")
	}
	return CheckoutSession{
		SessionID:   payload.ID,
		CheckoutURL: payload.URL,
		RawStatus:   payload.PaymentStatus,
	}, nil
}

// SessionStatus fetches the provider's view of a session.
func (c *CheckoutClient) SessionStatus(ctx context.Context, sessionID string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checkout status: status %d", resp.StatusCode)
	}
	var payload struct {
		PaymentStatus string `json:"payment_status"`
		Status        string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("checkout status: decode: %w", err)
	}
	if payload.PaymentStatus != "" {
		return payload.PaymentStatus, nil
	}
	return payload.Status, nil
}

// truncate caps s at max bytes; logging and metadata limits only, so byte
// truncation is fine.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
