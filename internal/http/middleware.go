package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"piquante-api/internal/auth"
)

const userIDKey = "userID"

// requireAuth resolves the bearer token to an existing account and stores its
// id on the context.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		userID, err := h.tokens.Authenticate(token)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if _, err := h.users.Lookup(c.Request.Context(), userID); err != nil {
			h.writeError(c, err)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "SAMEORIGIN")
		header.Set("X-DNS-Prefetch-Control", "off")
		header.Set("Referrer-Policy", "no-referrer")
		// images are embedded by a front-end served from another origin
		header.Set("Cross-Origin-Resource-Policy", "cross-origin")
		c.Next()
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := h.log.WithFields(logFields(c, status)).WithField("latency", time.Since(start).String())
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request completed")
		case status >= http.StatusBadRequest:
			entry.Warn("request completed")
		default:
			entry.Info("request completed")
		}
	}
}

func logFields(c *gin.Context, status int) logrus.Fields {
	fields := logrus.Fields{
		"method":    c.Request.Method,
		"path":      c.Request.URL.Path,
		"status":    status,
		"client_ip": c.ClientIP(),
	}
	if userID := currentUserID(c); userID != "" {
		fields["user_id"] = userID
	}
	return fields
}
