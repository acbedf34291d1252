// Gateway status normalization.
//
// Both reconciliation paths (webhook push and poller) feed raw gateway
// status strings through NormalizeGatewayStatus before any state change.
// The vocabulary is table-driven and gateway-agnostic so swapping payment
// providers does not touch the reconciler.
package domain

import "strings"

// Normalized payment statuses. StatusOK is terminal-success and monotone:
// a subject marked OK is never downgraded by a later PENDING observation.
const (
	StatusOK      = "OK"
	StatusPending = "PENDING"
	StatusFailed  = "FAILED"
)

var paidStatuses = map[string]struct{}{
	"OK": {}, "PAID": {}, "COMPLETE": {}, "COMPLETED": {}, "APPROVED": {},
	"TRANSACTION_PAID": {},
}

var pendingStatuses = map[string]struct{}{
	"PENDING": {}, "UNPAID": {}, "OPEN": {}, "CREATED": {}, "PROCESSING": {},
	"WAITING_PAYMENT": {}, "TRANSACTION_CREATED": {},
}

var failedStatuses = map[string]struct{}{
	"FAILED": {}, "CANCELED": {}, "CANCELLED": {}, "EXPIRED": {},
	"REFUNDED": {}, "CHARGEBACK": {}, "ERROR": {},
}

// NormalizeGatewayStatus maps a raw provider status onto the internal
// vocabulary. Empty input normalizes to StatusPending; unknown terminal
// statuses pass through uppercased so they still stop polling.
func NormalizeGatewayStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return StatusPending
	}
	if _, ok := paidStatuses[s]; ok {
		return StatusOK
	}
	if _, ok := pendingStatuses[s]; ok {
		return StatusPending
	}
	if _, ok := failedStatuses[s]; ok {
		return s
	}
	return s
}

// IsTerminalFailure reports whether a normalized status should remove the
// subject from the pending index without marking it paid.
func IsTerminalFailure(status string) bool {
	return status != StatusOK && status != StatusPending
}
