// Package handlers – portal access verification
//
// The portal pages themselves live elsewhere; before serving anything they
// exchange the access key from the delivered link for its owning subject
// here. Unknown and expired keys are a plain 404, no oracle beyond that.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-outreach-engine/internal/http/middleware"
	"github.com/tbourn/go-outreach-engine/internal/repo"
)

// GetAccessStatus verifies a delivered access key.
func (h *Handler) GetAccessStatus(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "missing access key")
		return
	}

	subjectID, err := h.Deliveries.ResolveAccessKey(c.Request.Context(), key)
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown access key")
		return
	}
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("portal: key resolve failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "store unavailable")
		return
	}
	ok(c, http.StatusOK, gin.H{"valid": true, "subject_id": subjectID})
}
