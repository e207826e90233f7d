package httpapi

import (
	"context"
	"errors"
	"net/http"

	"voice-survey/internal/calls"
	"voice-survey/internal/store"
	"voice-survey/internal/telephony"
	"voice-survey/internal/webhooks"
	"voice-survey/pkg/logger"

	"github.com/gin-gonic/gin"
)

// EventHandler is the webhook processor as seen by the transport.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev calls.CallEvent) (webhooks.Result, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Provider  telephony.TelephonyProvider
	Processor EventHandler
	Attempts  store.CallAttemptStore

	// PublicBaseURL is the scheme+host providers sign webhook URLs against.
	PublicBaseURL string
	// MediaStreamURL is handed to answered calls; empty hangs up.
	MediaStreamURL string

	// Ready checks backing services for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Readyz answers 503 while a dependency is unreachable.
func (h Handlers) Readyz(c *gin.Context) {
	if h.Ready != nil {
		if err := h.Ready(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("not ready", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// --- Provider webhooks ---

// TelephonyEvents ingests one provider status callback.
// 401 bad signature, 400 malformed payload, 500 persistence failure (the
// provider redelivers), 200 for applied and skipped events alike.
func (h Handlers) TelephonyEvents(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Provider == nil || h.Processor == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhooks not configured"})
		return
	}

	req, ok := h.readWebhook(c)
	if !ok {
		return
	}

	ev, err := h.Provider.ParseWebhookEvent(req)
	if err != nil {
		log.Warn("webhook rejected", "provider", h.Provider.Name(), "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": parseErrorCode(err)})
		return
	}

	res, err := h.Processor.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		log.Error("webhook processing failed", "call_id", ev.CallID, "event_type", ev.Type, "error", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	body := gin.H{"status": res.Status, "event_type": res.EventType}
	if res.Reason != "" {
		body["reason"] = res.Reason
	}
	c.JSON(http.StatusOK, body)
}

// TwilioVoice returns the TwiML Twilio fetches once the callee answers.
func (h Handlers) TwilioVoice(c *gin.Context) {
	if h.Provider == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "telephony not configured"})
		return
	}
	req, ok := h.readWebhook(c)
	if !ok {
		return
	}

	callID := req.Query.Get("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	session := telephony.VoiceSession{CallID: callID, StreamURL: h.MediaStreamURL}
	if h.Attempts != nil {
		a, err := h.Attempts.GetByCallID(c.Request.Context(), callID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			session.StreamURL = ""
		case err != nil:
			logger.FromGin(c).Error("voice attempt lookup failed", "call_id", callID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		default:
			session.CampaignID = a.CampaignID
			session.ContactID = a.ContactID
		}
	}

	doc, err := telephony.RenderVoiceTwiML(session)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml render failed"})
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(doc))
}

func (h Handlers) readWebhook(c *gin.Context) (telephony.WebhookRequest, bool) {
	req, err := telephony.NewWebhookRequest(c.Request, h.PublicBaseURL)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": parseErrorCode(err)})
		return telephony.WebhookRequest{}, false
	}
	if err := h.Provider.ValidateWebhookSignature(req); err != nil {
		logger.FromGin(c).Warn("webhook signature rejected", "provider", h.Provider.Name(), "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return telephony.WebhookRequest{}, false
	}
	return req, true
}

func parseErrorCode(err error) string {
	var pe *telephony.WebhookParseError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "invalid_payload"
}

// --- Operator API ---

// GetAttempt returns one call attempt including its idempotency ledger.
func (h Handlers) GetAttempt(c *gin.Context) {
	if h.Attempts == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "store not configured"})
		return
	}
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	a, err := h.Attempts.GetByCallID(c.Request.Context(), callID)
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "attempt lookup failed"})
		return
	}
	c.JSON(http.StatusOK, a)
}
