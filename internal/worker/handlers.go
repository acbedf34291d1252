// Package worker – built-in event handlers
//
// The handlers stay thin: decode what the event carries, delegate the
// actual state change to the services, reply with a fixed short text. The
// funnel trail gets one event per handled kind so the admin counters line
// up with the dispatch counters.
package worker

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-outreach-engine/internal/domain"
	"github.com/tbourn/go-outreach-engine/internal/gateway"
	"github.com/tbourn/go-outreach-engine/internal/repo"
	"github.com/tbourn/go-outreach-engine/internal/services"
)

// Handlers wires the built-in event kinds to the orchestration services.
type Handlers struct {
	Subjects    *repo.Subjects
	Funnel      *repo.Funnel
	Attribution *repo.Attribution
	Sender      gateway.Sender
	Followups   *services.FollowupService
	Payments    *services.PaymentService

	// WelcomeMessage is sent on first contact.
	WelcomeMessage string
	// CheckoutRetryMessage is sent when the gateway refused a session.
	CheckoutRetryMessage string
}

// Register attaches every built-in handler to the dispatcher.
func (h *Handlers) Register(d *Dispatcher) {
	d.Handle(domain.EventStart, h.HandleStart)
	d.Handle(domain.EventPlanSelected, h.HandlePlanSelected)
	d.Handle(domain.EventBlocked, h.HandleBlocked)
	d.Handle(domain.EventMessage, h.HandleMessage)
}

// HandleStart begins a fresh funnel cycle: the subject record is reset,
// campaign attribution from the deeplink token is pinned, and the one-shot
// followup is rescheduled from scratch.
func (h *Handlers) HandleStart(ctx context.Context, ev domain.Event) error {
	if err := h.Subjects.Upsert(ctx, ev.SubjectID, ev.ChatID); err != nil {
		return err
	}
	if err := h.Subjects.MarkUnpaid(ctx, ev.SubjectID, true); err != nil {
		return err
	}

	if tok := ev.Payload["token"]; tok != "" {
		utms, err := h.Attribution.ResolveToken(ctx, tok)
		if err != nil {
			log.Warn().Err(err).Str("token", tok).Msg("start: token resolve failed")
		} else if err := h.Attribution.Pin(ctx, ev.SubjectID, utms); err != nil {
			log.Warn().Err(err).Int64("subject", ev.SubjectID).Msg("start: attribution pin failed")
		}
	}

	if err := h.Followups.Cancel(ctx, ev.SubjectID); err != nil {
		return err
	}
	if err := h.Followups.Schedule(ctx, ev.SubjectID, 0); err != nil {
		return err
	}
	if h.WelcomeMessage != "" {
		if err := h.Sender.SendMessage(ctx, ev.ChatID, h.WelcomeMessage); err != nil {
			log.Warn().Err(err).Int64("subject", ev.SubjectID).Msg("start: welcome send failed")
		}
	}
	return h.Funnel.RecordEvent(ctx, "start", ev.SubjectID, nil)
}

// HandlePlanSelected opens (or reuses) a checkout for the amount the event
// carries and replies with the payment link. A gateway refusal turns into
// the retry text instead of an error so the event is not retried.
func (h *Handlers) HandlePlanSelected(ctx context.Context, ev domain.Event) error {
	if blocked, err := h.Subjects.IsBlocked(ctx, ev.SubjectID); err != nil {
		return err
	} else if blocked {
		// No checkout for a subject the reply cannot reach.
		log.Info().Int64("subject", ev.SubjectID).Msg("plan: blocked subject, dropped")
		return nil
	}
	if err := h.Subjects.Upsert(ctx, ev.SubjectID, ev.ChatID); err != nil {
		return err
	}
	h.markInteraction(ctx, ev.SubjectID)

	amountCents, err := strconv.ParseInt(ev.Payload["amount_cents"], 10, 64)
	if err != nil || amountCents <= 0 {
		log.Warn().Str("amount", ev.Payload["amount_cents"]).Int64("subject", ev.SubjectID).
			Msg("plan: event without a usable amount, dropped")
		return nil
	}
	if err := h.Funnel.RecordEvent(ctx, "plan_selected", ev.SubjectID, nil); err != nil {
		log.Warn().Err(err).Int64("subject", ev.SubjectID).Msg("plan: funnel record failed")
	}

	rec, err := h.Payments.CreateCheckout(ctx, ev.SubjectID, amountCents)
	if errors.Is(err, services.ErrCheckoutFailed) {
		return h.Sender.SendMessage(ctx, ev.ChatID, h.CheckoutRetryMessage)
	}
	if err != nil {
		return err
	}
	return h.Sender.SendMessage(ctx, ev.ChatID, "Complete your payment here:\n"+rec.CheckoutURL)
}

// HandleBlocked records the block and unschedules any pending followup so
// the subject is never contacted again.
func (h *Handlers) HandleBlocked(ctx context.Context, ev domain.Event) error {
	if err := h.Subjects.MarkBlocked(ctx, ev.SubjectID); err != nil {
		return err
	}
	if err := h.Followups.Cancel(ctx, ev.SubjectID); err != nil {
		return err
	}
	return h.Funnel.RecordEvent(ctx, "blocked", ev.SubjectID, nil)
}

// HandleMessage refreshes the subject record and the interaction marker for
// free-form chat; it sends nothing.
func (h *Handlers) HandleMessage(ctx context.Context, ev domain.Event) error {
	if err := h.Subjects.Upsert(ctx, ev.SubjectID, ev.ChatID); err != nil {
		return err
	}
	h.markInteraction(ctx, ev.SubjectID)
	return nil
}

// markInteraction refreshes the post-start interaction marker and records
// the funnel event on the first interaction of the window, so the counter
// tracks subjects rather than taps.
func (h *Handlers) markInteraction(ctx context.Context, subjectID int64) {
	seen, err := h.Subjects.HasStartInteraction(ctx, subjectID)
	if err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("interaction: marker read failed")
	} else if !seen {
		if err := h.Funnel.RecordEvent(ctx, "start_interacted", subjectID, nil); err != nil {
			log.Warn().Err(err).Int64("subject", subjectID).Msg("interaction: funnel record failed")
		}
	}
	if err := h.Subjects.MarkStartInteraction(ctx, subjectID); err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("interaction: marker write failed")
	}
}
