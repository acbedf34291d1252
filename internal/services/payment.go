// Package services – PaymentService
//
// This file implements the payment reconciler. Checkout creation, the
// gateway webhook push path, and the background poll path all converge on
// Reconcile, which maps raw gateway statuses onto the internal vocabulary
// and applies the idempotent, monotone state change: a subject observed OK
// is marked paid exactly once, delivered to exactly once, and never
// downgraded by a later stale observation.
//
// Public methods are OpenTelemetry-instrumented; spans carry the subject id
// and the normalized outcome so traces line up with the reconciliation
// counters.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-outreach-engine/internal/domain"
	"github.com/tbourn/go-outreach-engine/internal/gateway"
	"github.com/tbourn/go-outreach-engine/internal/repo"
)

// AccessDeliverer delivers the purchased access to a subject. Implemented
// by DeliveryService; the indirection keeps reconciliation testable with a
// recording fake.
type AccessDeliverer interface {
	// DeliverIfNeeded reports whether a send actually happened this call,
	// which is the exactly-once guard for the analytics emission below.
	DeliverIfNeeded(ctx context.Context, subjectID int64, forceResend bool) (key string, sentNow bool, err error)
}

// PurchaseReporter emits conversion analytics for a completed payment.
// Implemented by TrackingService.
type PurchaseReporter interface {
	ReportPurchase(ctx context.Context, subjectID int64, rec domain.PaymentRecord) error
}

// PaymentService owns checkout creation and both reconciliation paths.
type PaymentService struct {
	Subjects    *repo.Subjects
	Payments    *repo.Payments
	Attribution *repo.Attribution
	Funnel      *repo.Funnel
	Gateway     gateway.CheckoutGateway
	Followups   *FollowupService
	Delivery    AccessDeliverer
	Tracking    PurchaseReporter

	Currency    string
	ProductName string
	SuccessURL  string
	CancelURL   string

	// ReuseWindow bounds how long a still-pending checkout is handed back
	// instead of opening a duplicate session.
	ReuseWindow time.Duration
	// PollBatch caps how many pending subjects one sweep samples.
	PollBatch int
	// PollWorkers bounds concurrent gateway status queries per sweep.
	PollWorkers int
	// PollInterval is the pause between poll sweeps.
	PollInterval time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *PaymentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *PaymentService) reuseWindow() time.Duration {
	if s.ReuseWindow > 0 {
		return s.ReuseWindow
	}
	return 30 * time.Minute
}

// CreateCheckout opens (or reuses) a hosted checkout for the subject and
// returns the stored payment record. A still-pending checkout younger than
// the reuse window is handed back as-is so double-tapping the plan button
// never produces two sessions. Gateway failures are recorded in the
// diagnostics hash and surface as ErrCheckoutFailed.
func (s *PaymentService) CreateCheckout(ctx context.Context, subjectID int64, amountCents int64) (domain.PaymentRecord, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "CreateCheckout",
		trace.WithAttributes(attribute.Int64("subject.id", subjectID)),
	)
	defer span.End()

	if rec, ok := s.reusablePending(ctx, subjectID); ok {
		span.SetAttributes(attribute.Bool("checkout.reused", true))
		return rec, nil
	}

	now := s.now()
	identifier := fmt.Sprintf("ob-%d-%d", subjectID, now.Unix())
	utms, err := s.Attribution.ForSubject(ctx, subjectID)
	if err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("checkout: attribution load failed")
		utms = nil
	}

	session, err := s.Gateway.CreateSession(ctx, gateway.CreateSessionRequest{
		SubjectID:   subjectID,
		Identifier:  identifier,
		AmountCents: amountCents,
		Currency:    s.Currency,
		ProductName: s.ProductName,
		SuccessURL:  s.SuccessURL,
		CancelURL:   s.CancelURL,
		Metadata:    utms,
	})
	if err != nil {
		_ = s.Payments.SaveError(ctx, subjectID, "create_session", err.Error())
		_ = s.Funnel.RecordEvent(ctx, "checkout_failed", subjectID, nil)
		log.Error().Err(err).Int64("subject", subjectID).Msg("checkout: gateway create failed")
		return domain.PaymentRecord{}, ErrCheckoutFailed
	}

	rec := domain.PaymentRecord{
		SessionID:   session.SessionID,
		Identifier:  identifier,
		CheckoutURL: session.CheckoutURL,
		Amount:      float64(amountCents) / 100,
		Currency:    s.Currency,
		Status:      domain.NormalizeGatewayStatus(session.RawStatus),
		CreatedAt:   now,
	}
	if err := s.Payments.SaveRecord(ctx, subjectID, rec); err != nil {
		return domain.PaymentRecord{}, err
	}
	// Both our identifier and the gateway's session id resolve back to the
	// subject, whichever one a callback happens to carry.
	if err := s.Payments.MapIdentifier(ctx, identifier, subjectID); err != nil {
		return domain.PaymentRecord{}, err
	}
	if err := s.Payments.MapIdentifier(ctx, session.SessionID, subjectID); err != nil {
		return domain.PaymentRecord{}, err
	}
	if err := s.Funnel.RecordEvent(ctx, "checkout_created", subjectID, nil); err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("checkout: funnel record failed")
	}
	checkoutsCreated.Inc()
	log.Info().Int64("subject", subjectID).Str("session", session.SessionID).Msg("checkout created")
	return rec, nil
}

// reusablePending returns the stored checkout when it is still pending,
// younger than the reuse window, and carries a usable URL.
func (s *PaymentService) reusablePending(ctx context.Context, subjectID int64) (domain.PaymentRecord, bool) {
	rec, err := s.Payments.Record(ctx, subjectID)
	if err != nil {
		return domain.PaymentRecord{}, false
	}
	if domain.NormalizeGatewayStatus(rec.Status) != domain.StatusPending {
		return domain.PaymentRecord{}, false
	}
	if rec.CheckoutURL == "" || s.now().Sub(rec.CreatedAt) >= s.reuseWindow() {
		return domain.PaymentRecord{}, false
	}
	return rec, true
}

// ResolveSubject maps a gateway callback to its subject: the explicit hint
// wins, otherwise each identifier is tried against the identifier map.
func (s *PaymentService) ResolveSubject(ctx context.Context, hint int64, identifiers ...string) (int64, error) {
	if hint != 0 {
		return hint, nil
	}
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		subjectID, err := s.Payments.ResolveIdentifier(ctx, id)
		if err == nil {
			return subjectID, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return 0, err
		}
	}
	return 0, ErrUnknownSubject
}

// Reconcile applies one observed gateway status to the subject's payment
// state. Safe to call from both paths concurrently and with stale data:
// every write is idempotent and OK is monotone.
func (s *PaymentService) Reconcile(ctx context.Context, subjectID int64, rawStatus string) error {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "Reconcile",
		trace.WithAttributes(attribute.Int64("subject.id", subjectID)),
	)
	defer span.End()

	status := domain.NormalizeGatewayStatus(rawStatus)
	span.SetAttributes(attribute.String("payment.status", status))

	rec, err := s.Payments.Record(ctx, subjectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	switch {
	case status == domain.StatusOK:
		return s.markPaid(ctx, subjectID, rec)

	case rec.Status == domain.StatusOK:
		// Stale observation after success: never downgrade.
		_ = s.Payments.RemovePending(ctx, subjectID)
		return nil

	case domain.IsTerminalFailure(status):
		paymentsReconciled.WithLabelValues("failed").Inc()
		if err := s.Payments.SetStatus(ctx, subjectID, status); err != nil {
			return err
		}
		if err := s.Payments.RemovePending(ctx, subjectID); err != nil {
			return err
		}
		if err := s.Funnel.RecordEvent(ctx, "payment_failed", subjectID, map[string]string{"status": status}); err != nil {
			log.Warn().Err(err).Int64("subject", subjectID).Msg("reconcile: funnel record failed")
		}
		log.Info().Int64("subject", subjectID).Str("status", status).Msg("payment failed terminally")
		return nil

	default: // PENDING
		paymentsReconciled.WithLabelValues("pending").Inc()
		return s.Payments.SetStatus(ctx, subjectID, domain.StatusPending)
	}
}

// markPaid performs the success side of reconciliation. Each step is
// idempotent on its own; the delivery record's sent flag is what keeps the
// analytics emission to exactly once.
func (s *PaymentService) markPaid(ctx context.Context, subjectID int64, rec domain.PaymentRecord) error {
	paymentsReconciled.WithLabelValues("ok").Inc()

	alreadyPaid, err := s.Subjects.IsPaid(ctx, subjectID)
	if err != nil {
		return err
	}
	if err := s.Subjects.MarkPaid(ctx, subjectID); err != nil {
		return err
	}
	if err := s.Payments.SetStatus(ctx, subjectID, domain.StatusOK); err != nil {
		return err
	}
	if err := s.Payments.RemovePending(ctx, subjectID); err != nil {
		return err
	}
	if s.Followups != nil {
		if err := s.Followups.Cancel(ctx, subjectID); err != nil {
			log.Warn().Err(err).Int64("subject", subjectID).Msg("reconcile: followup cancel failed")
		}
	}
	if !alreadyPaid {
		if err := s.Funnel.RecordEvent(ctx, "payment_ok", subjectID, nil); err != nil {
			log.Warn().Err(err).Int64("subject", subjectID).Msg("reconcile: funnel record failed")
		}
	}

	if s.Delivery == nil {
		return nil
	}
	// The delivery record gates analytics: a replayed OK after a completed
	// delivery sends nothing and reports nothing.
	_, sentNow, err := s.Delivery.DeliverIfNeeded(ctx, subjectID, false)
	if err != nil {
		log.Error().Err(err).Int64("subject", subjectID).Msg("reconcile: access delivery failed")
		return nil
	}
	if sentNow && s.Tracking != nil {
		rec.Status = domain.StatusOK
		if err := s.Tracking.ReportPurchase(ctx, subjectID, rec); err != nil {
			log.Warn().Err(err).Int64("subject", subjectID).Msg("reconcile: purchase report failed")
		}
	}
	log.Info().Int64("subject", subjectID).Msg("payment reconciled as paid")
	return nil
}

// PollPending queries the gateway for one sample of pending subjects,
// bounded by the worker semaphore, and feeds every answer through
// Reconcile.
func (s *PaymentService) PollPending(ctx context.Context) error {
	batch := s.PollBatch
	if batch <= 0 {
		batch = 50
	}
	workers := s.PollWorkers
	if workers <= 0 {
		workers = 10
	}

	ids, err := s.Payments.PendingSample(ctx, batch)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(subjectID int64) {
			defer wg.Done()
			defer func() { <-sem }()
			s.pollOne(ctx, subjectID)
		}(id)
	}
	wg.Wait()
	return nil
}

func (s *PaymentService) pollOne(ctx context.Context, subjectID int64) {
	rec, err := s.Payments.Record(ctx, subjectID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && rec.SessionID == "") {
		// Pending membership without a record is leftover state.
		_ = s.Payments.RemovePending(ctx, subjectID)
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("subject", subjectID).Msg("poll: record load failed")
		return
	}
	if rec.Status == domain.StatusOK {
		_ = s.Payments.RemovePending(ctx, subjectID)
		return
	}

	raw, err := s.Gateway.SessionStatus(ctx, rec.SessionID)
	if err != nil {
		_ = s.Payments.SaveError(ctx, subjectID, "poll_status", err.Error())
		log.Warn().Err(err).Int64("subject", subjectID).Msg("poll: status query failed")
		return
	}
	if err := s.Reconcile(ctx, subjectID, raw); err != nil {
		log.Error().Err(err).Int64("subject", subjectID).Msg("poll: reconcile failed")
	}
}

// RunPollLoop sweeps pending checkouts until ctx is canceled.
func (s *PaymentService) RunPollLoop(ctx context.Context) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	log.Info().Dur("interval", interval).Msg("payment poll loop started")
	for {
		if err := s.PollPending(ctx); err != nil {
			log.Error().Err(err).Msg("poll: sweep failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("payment poll loop stopped")
			return
		case <-time.After(interval):
		}
	}
}
