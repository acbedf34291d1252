// Package handlers implements the HTTP endpoints of the outreach engine:
// the event-ingress webhook, the payment-gateway webhook, the tracking
// redirect, and the admin reporting surface.
//
// This file defines the standard response utilities shared by all
// endpoints. Error responses always carry an ErrorResponse with a stable
// `code`; fail() centralizes formatting and logs 5xx responses with request
// context. Note that the webhook endpoints intentionally bypass fail():
// they acknowledge with 200 regardless of outcome so the sender never
// retries into a crash loop.
//
// Example error response:
//
//	HTTP/1.1 401 Unauthorized
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "unauthorized",
//	  "message": "missing or invalid admin token"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-outreach-engine/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
// RequestID correlates server logs with client-side errors; Code is a
// stable machine-readable string (see errors.go); Message is safe to show.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts the request with a structured error and logs server-side
// errors using the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail(), for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ack writes the webhook acknowledgment body. Webhook endpoints answer 200
// with {"ok": <accepted>} in every case that reached the handler.
func ack(c *gin.Context, accepted bool) {
	c.JSON(http.StatusOK, gin.H{"ok": accepted})
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
