// Package services – TrackingService
//
// This file implements conversion analytics and the capped retry queue.
// A completed payment emits two reports: an order to the attribution sink
// and a purchase event to the pixel sink. Order-sink failures are queued as
// retry items and drained on a fixed interval; each failed drain attempt
// re-enqueues with an incremented counter until the cap, after which the
// item is dropped with a log line. Pixel-event failures are log-and-forget.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-outreach-engine/internal/domain"
	"github.com/tbourn/go-outreach-engine/internal/gateway"
	"github.com/tbourn/go-outreach-engine/internal/repo"
)

// TrackingService reports conversions to the analytics sinks.
type TrackingService struct {
	Store       repo.Store
	Attribution *repo.Attribution
	Orders      gateway.OrderSink
	Events      gateway.EventSink

	// MaxAttempts caps total delivery attempts per order before the item
	// is dropped.
	MaxAttempts int
	// DrainBatch caps how many retry items one drain cycle pops.
	DrainBatch int
	// DrainInterval is the pause between drain cycles.
	DrainInterval time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *TrackingService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *TrackingService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 3
}

func (s *TrackingService) drainBatch() int {
	if s.DrainBatch > 0 {
		return s.DrainBatch
	}
	return 10
}

// orderReport is the JSON shape sent to the attribution sink.
type orderReport struct {
	OrderID            string            `json:"orderId"`
	Platform           string            `json:"platform"`
	PaymentMethod      string            `json:"paymentMethod"`
	Status             string            `json:"status"`
	CreatedAt          string            `json:"createdAt"`
	ApprovedAt         string            `json:"approvedDate"`
	PriceCents         int64             `json:"totalPriceInCents"`
	Currency           string            `json:"currency"`
	SubjectID          string            `json:"customerId"`
	TrackingParameters map[string]string `json:"trackingParameters"`
}

// purchaseEvent is the pixel-style conversions payload. Customer
// identifiers are sha256-hashed before leaving the process.
type purchaseEvent struct {
	Data []purchaseEventEntry `json:"data"`
}

type purchaseEventEntry struct {
	EventName    string `json:"event_name"`
	EventTime    int64  `json:"event_time"`
	ActionSource string `json:"action_source"`
	UserData     struct {
		ExternalID []string `json:"external_id"`
	} `json:"user_data"`
	CustomData struct {
		Currency string  `json:"currency"`
		Value    float64 `json:"value"`
	} `json:"custom_data"`
}

// ReportPurchase emits the order and the purchase event for a completed
// payment. The order is the durable report: on sink failure it enters the
// retry queue; the pixel event is best effort.
func (s *TrackingService) ReportPurchase(ctx context.Context, subjectID int64, rec domain.PaymentRecord) error {
	utms, err := s.Attribution.ForSubject(ctx, subjectID)
	if err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("tracking: attribution load failed")
		utms = map[string]string{}
	}

	now := s.now().UTC()
	order := orderReport{
		OrderID:            rec.Identifier,
		Platform:           "outreach-engine",
		PaymentMethod:      "checkout",
		Status:             "paid",
		CreatedAt:          rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		ApprovedAt:         now.Format("2006-01-02 15:04:05"),
		PriceCents:         int64(rec.Amount*100 + 0.5),
		Currency:           rec.Currency,
		SubjectID:          strconv.FormatInt(subjectID, 10),
		TrackingParameters: utms,
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	if err := s.Orders.SendOrder(ctx, payload); err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("tracking: order sink failed, queued for retry")
		if qerr := s.EnqueueRetry(ctx, payload, err.Error()); qerr != nil {
			return qerr
		}
	}

	s.sendPurchaseEvent(ctx, subjectID, rec)
	return nil
}

func (s *TrackingService) sendPurchaseEvent(ctx context.Context, subjectID int64, rec domain.PaymentRecord) {
	entry := purchaseEventEntry{
		EventName:    "Purchase",
		EventTime:    s.now().Unix(),
		ActionSource: "chat",
	}
	entry.UserData.ExternalID = []string{hashField(strconv.FormatInt(subjectID, 10))}
	entry.CustomData.Currency = rec.Currency
	entry.CustomData.Value = rec.Amount

	payload, err := json.Marshal(purchaseEvent{Data: []purchaseEventEntry{entry}})
	if err != nil {
		log.Warn().Err(err).Msg("tracking: event marshal failed")
		return
	}
	if err := s.Events.SendEvent(ctx, payload); err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("tracking: event sink failed")
	}
}

// hashField normalizes-and-hashes a customer identifier for the pixel sink.
func hashField(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// EnqueueRetry appends a first-attempt retry item for an order payload.
func (s *TrackingService) EnqueueRetry(ctx context.Context, payload json.RawMessage, reason string) error {
	item := domain.RetryItem{Payload: payload, Reason: reason, Attempt: 1}
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.Store.RPush(ctx, repo.KeyRetryOrders, string(raw))
}

// DrainRetries pops up to one batch of retry items and re-sends each.
// Failures below the attempt cap go back to the queue tail to wait for the
// next cycle; at the cap the item is dropped. Returns how many were sent
// and dropped.
func (s *TrackingService) DrainRetries(ctx context.Context) (sent, dropped int, err error) {
	// The cycle is bounded by the depth at entry: a failed item lands on
	// the tail and must not be popped again until the next interval, or a
	// single cycle would burn the whole attempt budget.
	depth, err := s.Store.LLen(ctx, repo.KeyRetryOrders)
	if err != nil {
		return 0, 0, err
	}
	n := s.drainBatch()
	if int64(n) > depth {
		n = int(depth)
	}

	for i := 0; i < n; i++ {
		raw, err := s.Store.LPop(ctx, repo.KeyRetryOrders)
		if errors.Is(err, repo.ErrEmpty) {
			break
		}
		if err != nil {
			return sent, dropped, err
		}

		var item domain.RetryItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			log.Warn().Msg("tracking: malformed retry item dropped")
			dropped++
			continue
		}

		sendErr := s.Orders.SendOrder(ctx, item.Payload)
		if sendErr == nil {
			sent++
			continue
		}
		if item.Attempt >= s.maxAttempts() {
			retryDropped.Inc()
			dropped++
			log.Warn().Int("attempts", item.Attempt).Str("reason", item.Reason).
				Msg("tracking: retry item dropped after attempt cap")
			continue
		}
		item.Attempt++
		item.Reason = sendErr.Error()
		requeued, err := json.Marshal(item)
		if err != nil {
			return sent, dropped, err
		}
		if err := s.Store.RPush(ctx, repo.KeyRetryOrders, string(requeued)); err != nil {
			return sent, dropped, err
		}
	}
	return sent, dropped, nil
}

// RetryDepth reports the retry-queue length for the admin surface.
func (s *TrackingService) RetryDepth(ctx context.Context) (int64, error) {
	return s.Store.LLen(ctx, repo.KeyRetryOrders)
}

// RunRetryLoop drains the retry queue on a fixed interval until ctx is
// canceled.
func (s *TrackingService) RunRetryLoop(ctx context.Context) {
	interval := s.DrainInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log.Info().Dur("interval", interval).Msg("retry drain loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retry drain loop stopped")
			return
		case <-time.After(interval):
		}
		if sent, dropped, err := s.DrainRetries(ctx); err != nil {
			log.Error().Err(err).Msg("tracking: drain failed")
		} else if sent > 0 || dropped > 0 {
			log.Info().Int("sent", sent).Int("dropped", dropped).Msg("retry queue drained")
		}
	}
}
