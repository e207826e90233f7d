package telephony

import (
	"context"
	"net/http"
	"net/url"

	"voice-survey/internal/calls"
)

// TelephonyProvider defines the provider-agnostic interface used by the
// scheduler and the webhook endpoint.
//
// Rules:
// - No provider SDK or REST calls outside telephony adapters.
// - Signature validation happens before parsing; parsed events are trusted.
// - Keep request/response types provider-agnostic; provider raw status goes into metadata.
type TelephonyProvider interface {
	Name() string

	// InitiateCall places an outbound call. Rejections are returned as
	// *CallInitiationError.
	InitiateCall(ctx context.Context, req CallRequest) (CallResponse, error)

	// ValidateWebhookSignature returns ErrInvalidSignature when the request
	// was not signed by the provider.
	ValidateWebhookSignature(req WebhookRequest) error

	// ParseWebhookEvent returns *WebhookParseError on malformed input.
	ParseWebhookEvent(req WebhookRequest) (calls.CallEvent, error)
}

// CallRequest is one outbound dial.
type CallRequest struct {
	To   string `json:"to"`
	From string `json:"from"`

	// CallbackURL receives status events. Adapters append correlation ids.
	CallbackURL string `json:"callback_url"`

	// CallID is the internal correlation key echoed back on every event.
	CallID     string `json:"call_id"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`

	Language string            `json:"language,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CallResponse is the provider acceptance.
type CallResponse struct {
	ProviderCallID string `json:"provider_call_id"`
	// Status is the provider's raw accepted status (e.g. "queued").
	Status string `json:"status"`
}

// WebhookRequest is the transport-neutral view of an inbound provider webhook.
type WebhookRequest struct {
	// URL is the full public URL the provider called, including the query.
	URL     string
	Headers http.Header
	// Form holds POST body parameters only.
	Form  url.Values
	Query url.Values
	Body  []byte
}
