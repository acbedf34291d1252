// Package handlers – tracking redirect
//
// Campaign links point here instead of at the chat deeplink directly. The
// UTM parameters are parked under a short token (deeplink payloads are
// length-limited, a full UTM set is not going to fit) and the visitor is
// redirected onward carrying only the token; the start handler resolves and
// pins the set when the subject arrives.
package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-outreach-engine/internal/http/middleware"
)

// trackedParams are the query parameters captured under the token.
var trackedParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
	"src", "sck",
}

// GetRedirect captures campaign attribution and redirects to the deeplink.
// With no tracked parameters present the redirect goes out bare; a storage
// failure also falls back to the bare redirect, losing attribution rather
// than the visitor.
func (h *Handler) GetRedirect(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	utms := make(map[string]string)
	for _, p := range trackedParams {
		if v := c.Query(p); v != "" {
			utms[p] = v
		}
	}

	target := h.DeeplinkBase
	if len(utms) > 0 {
		token := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
		if err := h.Attribution.SaveToken(c.Request.Context(), token, utms); err != nil {
			lg.Error().Err(err).Msg("redirect: token save failed")
		} else {
			target += "?start=" + url.QueryEscape(token)
		}
	}

	if err := h.Funnel.RecordEvent(c.Request.Context(), "redirect", 0, utms); err != nil {
		lg.Warn().Err(err).Msg("redirect: funnel record failed")
	}
	c.Redirect(http.StatusFound, target)
}
