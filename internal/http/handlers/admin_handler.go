// Package handlers – admin reporting surface
//
// Read-only operational views over the store: queue and retry depths, the
// pending-payment index, the due-time index, and the funnel counters. All
// of it is token-guarded and none of it mutates anything.
package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-outreach-engine/internal/http/middleware"
)

// headerAdminToken guards the admin endpoints.
const headerAdminToken = "X-Admin-Token"

// AdminAuth rejects requests without the configured admin token. An
// unconfigured token closes the surface entirely rather than opening it.
func (h *Handler) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(headerAdminToken)
		if h.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid admin token")
			return
		}
		c.Next()
	}
}

// GetOps reports the live sizes of every work-holding structure.
func (h *Handler) GetOps(c *gin.Context) {
	ctx := c.Request.Context()
	lg := middleware.LoggerFrom(c)

	depth, err := h.Queue.Depth(ctx)
	if err != nil {
		lg.Error().Err(err).Msg("ops: queue depth failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "store unavailable")
		return
	}
	pending, err := h.Payments.Payments.PendingCount(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "store unavailable")
		return
	}
	due, err := h.Followups.DueCount(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "store unavailable")
		return
	}
	retries, err := h.Tracking.RetryDepth(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "store unavailable")
		return
	}

	ok(c, http.StatusOK, gin.H{
		"queue_depth":      depth,
		"pending_payments": pending,
		"scheduled":        due,
		"retry_depth":      retries,
	})
}

// GetFunnel reports the lifetime and today's (UTC) funnel counters.
func (h *Handler) GetFunnel(c *gin.Context) {
	ctx := c.Request.Context()

	lifetime, err := h.Funnel.Counters(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "store unavailable")
		return
	}
	today, err := h.Funnel.DayCounters(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "store unavailable")
		return
	}

	ok(c, http.StatusOK, gin.H{
		"lifetime": lifetime,
		"today":    today,
	})
}
