// Package handlers – webhook endpoints
//
// The ingress webhook is the write path of the whole engine: it
// authenticates the relay by shared secret and appends the raw body to the
// durable FIFO, nothing more. The gateway webhook is the push half of
// payment reconciliation: it verifies the timestamped HMAC signature,
// extracts the status and identifiers, and feeds them to the reconciler.
//
// Both endpoints answer 200 for every request that reaches the handler.
// A non-2xx would make the sender retry, and a request that failed
// authentication will fail it on the retry too; real processing failures
// are recovered by the poll loop, not by webhook redelivery.
package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-outreach-engine/internal/http/middleware"
	"github.com/tbourn/go-outreach-engine/internal/services"
)

const (
	// headerWebhookSecret authenticates the ingress relay.
	headerWebhookSecret = "X-Webhook-Secret"
	// headerGatewaySignature carries the gateway's "t=<ts>,v1=<hex>" signature.
	headerGatewaySignature = "X-Gateway-Signature"

	// maxEventBytes caps accepted webhook bodies.
	maxEventBytes = 64 << 10
	// signatureTolerance bounds the accepted clock skew on signed callbacks.
	signatureTolerance = 5 * time.Minute
)

// PostIngress accepts one raw inbound event and appends it to the FIFO.
// The body is not parsed here: decoding and routing happen in the worker,
// so a malformed event costs a worker task, not an ingress failure.
func (h *Handler) PostIngress(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	secret := c.GetHeader(headerWebhookSecret)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.WebhookSecret)) != 1 {
		lg.Warn().Msg("ingress: secret mismatch")
		ack(c, false)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes))
	if err != nil || len(body) == 0 {
		lg.Warn().Err(err).Msg("ingress: unreadable or empty body")
		ack(c, false)
		return
	}

	if err := h.Queue.Push(c.Request.Context(), string(body)); err != nil {
		lg.Error().Err(err).Msg("ingress: enqueue failed")
		ack(c, false)
		return
	}
	ack(c, true)
}

// gatewayEvent is the signed callback payload, checkout-session shaped.
type gatewayEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			PaymentStatus     string            `json:"payment_status"`
			Status            string            `json:"status"`
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// PostGatewayWebhook handles signed payment-gateway callbacks. Invalid
// signatures, unknown subjects, and reconciliation failures all still
// answer 200: the poll loop is the safety net, not gateway redelivery.
func (h *Handler) PostGatewayWebhook(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes))
	if err != nil {
		lg.Warn().Err(err).Msg("gateway webhook: unreadable body")
		ack(c, false)
		return
	}
	if err := verifyGatewaySignature(c.GetHeader(headerGatewaySignature), body, h.GatewaySecret, time.Now()); err != nil {
		lg.Warn().Err(err).Msg("gateway webhook: signature rejected")
		ack(c, false)
		return
	}

	var ev gatewayEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		lg.Warn().Err(err).Msg("gateway webhook: malformed payload")
		ack(c, false)
		return
	}
	obj := ev.Data.Object

	raw := obj.PaymentStatus
	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		if raw == "" {
			raw = "paid"
		}
	case "checkout.session.expired":
		raw = "expired"
	case "checkout.session.async_payment_failed":
		raw = "failed"
	default:
		if raw == "" {
			raw = obj.Status
		}
	}

	var hint int64
	if v := obj.Metadata["subject_id"]; v != "" {
		hint, _ = strconv.ParseInt(v, 10, 64)
	}
	if hint == 0 && obj.ClientReferenceID != "" {
		hint, _ = strconv.ParseInt(obj.ClientReferenceID, 10, 64)
	}

	subjectID, err := h.Payments.ResolveSubject(c.Request.Context(), hint, obj.ID, obj.Metadata["event_id"])
	if errors.Is(err, services.ErrUnknownSubject) {
		lg.Warn().Str("session", obj.ID).Str("type", ev.Type).
			Msg("gateway webhook: no subject for callback, acknowledged")
		ack(c, true)
		return
	}
	if err != nil {
		lg.Error().Err(err).Msg("gateway webhook: subject resolve failed")
		ack(c, false)
		return
	}

	if err := h.Payments.Reconcile(c.Request.Context(), subjectID, raw); err != nil {
		lg.Error().Err(err).Int64("subject", subjectID).Msg("gateway webhook: reconcile failed")
		ack(c, false)
		return
	}
	ack(c, true)
}

// verifyGatewaySignature checks a "t=<unix>,v1=<hex>" header against
// HMAC-SHA256 of "<t>.<body>" under secret, rejecting stale timestamps.
// Comparison is constant time.
func verifyGatewaySignature(header string, body []byte, secret string, now time.Time) error {
	if header == "" {
		return fmt.Errorf("missing signature header")
	}
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, _ = strconv.ParseInt(v, 10, 64)
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return fmt.Errorf("malformed signature header")
	}
	if d := now.Sub(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	given, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("signature is not hex")
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(given, want) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
