package main

import (
	"net/http"

	"voice-survey/internal/config"
	"voice-survey/internal/httpapi"
	"voice-survey/internal/rbac"
	"voice-survey/internal/telemetry"

	"github.com/gin-gonic/gin"
)

func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// health checks
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))

	// Provider webhooks. Signatures are checked by the provider adapter.
	r.POST(config.WebhookEventsPath, h.TelephonyEvents)
	r.POST(config.TwilioVoicePath, h.TwilioVoice)

	// operator API
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		attempts := v1.Group("/attempts")
		attempts.Use(rbac.RequireAnyRole(rbac.AttemptReaders...))
		attempts.GET("/:call_id", h.GetAttempt)
	}
}
