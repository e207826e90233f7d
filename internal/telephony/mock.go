package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"voice-survey/internal/calls"
)

const mockSignatureHeader = "X-Mock-Signature"

// MockProvider is an in-process provider for local runs and tests.
// Webhooks are canonical JSON CallEvents, optionally signed with
// hex(HMAC-SHA256(secret, body)).
type MockProvider struct {
	// Hook, when set, runs before every InitiateCall; a non-nil error
	// rejects the call.
	Hook func(ctx context.Context, req CallRequest) error

	// Secret enables signature validation when non-empty.
	Secret string

	Now func() time.Time

	mu    sync.Mutex
	seq   int
	calls []CallRequest
}

var _ TelephonyProvider = (*MockProvider)(nil)

func NewMockProvider(secret string) *MockProvider {
	return &MockProvider{Secret: secret}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) InitiateCall(ctx context.Context, req CallRequest) (CallResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	if p.Hook != nil {
		if err := p.Hook(ctx, req); err != nil {
			return CallResponse{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return CallResponse{}, AsInitiationError(err)
	}
	return CallResponse{ProviderCallID: fmt.Sprintf("mock-%06d", seq), Status: "queued"}, nil
}

// Requests returns every InitiateCall request received, in order.
func (p *MockProvider) Requests() []CallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CallRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *MockProvider) ValidateWebhookSignature(req WebhookRequest) error {
	if p.Secret == "" {
		return nil
	}
	got := strings.TrimSpace(req.Headers.Get(mockSignatureHeader))
	if got == "" || !hmac.Equal([]byte(got), []byte(MockSignature(p.Secret, req.Body))) {
		return ErrInvalidSignature
	}
	return nil
}

func MockSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *MockProvider) ParseWebhookEvent(req WebhookRequest) (calls.CallEvent, error) {
	var ev calls.CallEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return calls.CallEvent{}, &WebhookParseError{Code: "invalid_json", Message: err.Error()}
	}
	if !ev.Type.Valid() {
		return calls.CallEvent{}, &WebhookParseError{Code: "unknown_event", Message: fmt.Sprintf("unsupported event_type %q", ev.Type)}
	}
	if ev.CallID == "" && ev.ProviderCallID == "" {
		return calls.CallEvent{}, &WebhookParseError{Code: "missing_correlation", Message: "call_id or provider_call_id is required"}
	}
	if ev.Timestamp.IsZero() {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		ev.Timestamp = now().UTC()
	}
	return ev, nil
}
