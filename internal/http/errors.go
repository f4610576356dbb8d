package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"piquante-api/internal/service"
)

var errPayloadTooLarge = fmt.Errorf("%w: upload exceeds size limit", service.ErrInvalidRequest)

// statusFor maps a service error onto a status code and a client safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid email or password"
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, service.ErrForbidden):
		// not distinguished from other bad requests so ownership is not revealed
		return http.StatusBadRequest, "unauthorized request"
	case errors.Is(err, errPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errPayloadTooLarge.Error()
	case errors.Is(err, service.ErrEmailTaken):
		return http.StatusBadRequest, "email already registered"
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "sauce not found"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "sauce is being modified, try again"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	entry := h.log.WithError(err).WithFields(logFields(c, status))
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// badRequest reports a payload that failed binding or validation.
func (h *Handler) badRequest(c *gin.Context, err error) {
	h.writeError(c, fmt.Errorf("%w: %s", service.ErrInvalidRequest, err.Error()))
}
