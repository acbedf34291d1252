// Package services implements the orchestration logic of the outreach
// engine: the due-time followup scheduler, the payment reconciler, the
// idempotent access delivery, and the analytics tracking with its retry
// queue. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer; handlers
// and background loops decide per call site whether an error is user-facing
// ("try again") or log-and-continue.
package services

import "errors"

var (
	// ErrCheckoutFailed is returned when the payment gateway could not open
	// a checkout session. The concrete gateway error is recorded in the
	// per-subject diagnostics hash, not propagated.
	ErrCheckoutFailed = errors.New("checkout session could not be created")

	// ErrNoChannel is returned when a delivery is requested for a subject
	// whose chat address is unknown, so there is nowhere to send anything.
	ErrNoChannel = errors.New("subject has no delivery channel")

	// ErrUnknownSubject is returned when a gateway callback carries no
	// subject hint and none of its identifiers resolve through the map.
	ErrUnknownSubject = errors.New("subject could not be resolved")
)
