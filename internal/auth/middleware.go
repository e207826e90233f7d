package auth

import (
	"net/http"
	"strings"
	"time"

	"voice-survey/pkg/logger"

	"github.com/gin-gonic/gin"
)

// bearerToken extracts the token from "Authorization: Bearer <token>".
// The scheme is matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAccessToken guards the read-only attempt API. Role checks happen
// later in internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := m.Verify(token, time.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := Identity{OperatorID: claims.OperatorID, Role: claims.Role}
		reqLogger := logger.FromGin(c).With("operator_id", id.OperatorID)
		c.Set("logger", reqLogger)
		ctx := logger.With(WithIdentity(c.Request.Context(), id), reqLogger)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
