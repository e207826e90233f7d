package telephony

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"voice-survey/internal/calls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProvider_InitiateCall(t *testing.T) {
	p := NewMockProvider("")
	resp, err := p.InitiateCall(context.Background(), CallRequest{CallID: "call-1", To: "+1555"})
	require.NoError(t, err)
	assert.Equal(t, "mock-000001", resp.ProviderCallID)

	p.Hook = func(ctx context.Context, req CallRequest) error {
		return &CallInitiationError{Code: "21211", Message: "invalid number"}
	}
	_, err = p.InitiateCall(context.Background(), CallRequest{CallID: "call-2"})
	var ie *CallInitiationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "21211", ie.Code)

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "call-2", reqs[1].CallID)
}

func TestMockProvider_ParseWebhookEvent(t *testing.T) {
	p := NewMockProvider("")
	ev, err := p.ParseWebhookEvent(WebhookRequest{Body: []byte(`{"event_type":"no_answer","call_id":"call-1","error_code":"480"}`)})
	require.NoError(t, err)
	assert.Equal(t, calls.EventNoAnswer, ev.Type)
	assert.Equal(t, "480", ev.ErrorCode)
	assert.False(t, ev.Timestamp.IsZero())

	_, err = p.ParseWebhookEvent(WebhookRequest{Body: []byte(`{"event_type":"no_answer"}`)})
	var pe *WebhookParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "missing_correlation", pe.Code)

	_, err = p.ParseWebhookEvent(WebhookRequest{Body: []byte(`{"event_type":"exploded","call_id":"x"}`)})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "unknown_event", pe.Code)

	_, err = p.ParseWebhookEvent(WebhookRequest{Body: []byte(`not json`)})
	require.ErrorAs(t, err, &pe)
}

func TestMockProvider_Signature(t *testing.T) {
	p := NewMockProvider("secret")
	body := []byte(`{"event_type":"answered","call_id":"call-1"}`)

	err := p.ValidateWebhookSignature(WebhookRequest{Headers: http.Header{}, Body: body})
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	h := http.Header{}
	h.Set(mockSignatureHeader, MockSignature("secret", body))
	assert.NoError(t, p.ValidateWebhookSignature(WebhookRequest{Headers: h, Body: body}))
}
