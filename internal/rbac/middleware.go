package rbac

import (
	"net/http"

	"voice-survey/internal/auth"
	"voice-survey/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole runs after auth.RequireAccessToken. Admins pass every check.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]bool, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = true
	}

	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c.Request.Context())
		switch {
		case !ok:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
		case IsAdmin(id.Role) || allowedSet[id.Role]:
			c.Next()
		default:
			logger.FromGin(c).Info("role denied", "role", id.Role, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		}
	}
}
