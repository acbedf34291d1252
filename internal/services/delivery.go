// Package services – DeliveryService
//
// This file implements the idempotent access delivery. Every paid subject
// gets exactly one portal access key; the key is minted lazily, persisted
// before any send, and the record's sent flag flips only after the chat
// platform accepted the message. Re-running delivery for an already-sent
// subject is a no-op unless the caller forces a resend, so the reconciler
// can invoke it from both paths without double-sending.
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tbourn/go-outreach-engine/internal/gateway"
	"github.com/tbourn/go-outreach-engine/internal/repo"
)

// DeliveryService sends the purchased portal access to a subject's chat.
type DeliveryService struct {
	Subjects   *repo.Subjects
	Deliveries *repo.Deliveries
	Payments   *repo.Payments
	Funnel     *repo.Funnel
	Sender     gateway.Sender

	// PortalBaseURL is the base of the access portal link in the copy.
	PortalBaseURL string

	// NewKey mints access keys; defaults to uuid.NewString. Injectable so
	// tests get stable keys.
	NewKey func() string
}

func (s *DeliveryService) newKey() string {
	if s.NewKey != nil {
		return s.NewKey()
	}
	return uuid.NewString()
}

// DeliverIfNeeded ensures the subject holds their access and has been told
// about it. Returns the access key and whether a message went out in this
// call. A failed send leaves the sent flag clear so the next reconciliation
// retries with the same key.
func (s *DeliveryService) DeliverIfNeeded(ctx context.Context, subjectID int64, forceResend bool) (string, bool, error) {
	tr := otel.Tracer("services/DeliveryService")
	ctx, span := tr.Start(ctx, "DeliverIfNeeded",
		trace.WithAttributes(
			attribute.Int64("subject.id", subjectID),
			attribute.Bool("force", forceResend),
		),
	)
	defer span.End()

	rec, err := s.Deliveries.Record(ctx, subjectID)
	if err != nil {
		return "", false, err
	}
	if rec.Sent && !forceResend {
		return rec.AccessKey, false, nil
	}

	key := rec.AccessKey
	if key == "" {
		key = s.newKey()
		if err := s.Deliveries.SaveKey(ctx, subjectID, key); err != nil {
			return "", false, err
		}
	}

	sub, err := s.Subjects.Get(ctx, subjectID)
	if err != nil {
		return key, false, err
	}
	if sub.ChatID == 0 {
		return key, false, ErrNoChannel
	}

	if err := s.Sender.SendMessage(ctx, sub.ChatID, s.accessCopy(ctx, subjectID, key)); err != nil {
		return key, false, err
	}
	if err := s.Deliveries.MarkSent(ctx, subjectID); err != nil {
		return key, true, err
	}
	if err := s.Funnel.RecordEvent(ctx, "access_delivered", subjectID, nil); err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("delivery: funnel record failed")
	}
	deliveriesSent.Inc()
	log.Info().Int64("subject", subjectID).Msg("access delivered")
	return key, true, nil
}

// accessCopy builds the delivery message: portal link, key, and the paid
// amount when a payment record exists.
func (s *DeliveryService) accessCopy(ctx context.Context, subjectID int64, key string) string {
	text := fmt.Sprintf("Your access is ready.\n%s/access?key=%s", s.PortalBaseURL, key)
	pay, err := s.Payments.Record(ctx, subjectID)
	if err != nil || pay.Amount <= 0 {
		return text
	}
	return text + fmt.Sprintf("\nPayment received: %s", formatAmount(pay.Amount, pay.Currency))
}

// formatAmount renders an amount with its currency symbol; unparseable
// currency codes fall back to a plain numeric rendering.
func formatAmount(amount float64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%.2f %s", amount, code)
	}
	p := message.NewPrinter(language.English)
	return p.Sprintf("%v", currency.NarrowSymbol(unit.Amount(amount)))
}
