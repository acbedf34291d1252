package handlers

import (
	"github.com/tbourn/go-outreach-engine/internal/queue"
	"github.com/tbourn/go-outreach-engine/internal/repo"
	"github.com/tbourn/go-outreach-engine/internal/services"
)

// Handler bundles the dependencies of every HTTP endpoint. The router
// constructs one and mounts its methods.
type Handler struct {
	Queue       *queue.Updates
	Payments    *services.PaymentService
	Followups   *services.FollowupService
	Tracking    *services.TrackingService
	Funnel      *repo.Funnel
	Attribution *repo.Attribution
	Deliveries  *repo.Deliveries

	// WebhookSecret authenticates the ingress relay.
	WebhookSecret string
	// GatewaySecret signs payment-gateway callbacks.
	GatewaySecret string
	// AdminToken guards the admin reporting endpoints.
	AdminToken string
	// DeeplinkBase is where tracking redirects land, e.g. the bot deeplink.
	DeeplinkBase string
}
