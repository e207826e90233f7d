package telephony

import (
	"strconv"
	"strings"
	"time"

	"voice-survey/internal/calls"

	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioStatusForm captures the subset of status callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid             string
	AccountSid          string
	From                string
	To                  string
	CallStatus          string
	StatusCallbackEvent string
	CallDuration        string
	Timestamp           string
	ErrorCode           string
	ErrorMessage        string
	SipResponseCode     string
}

const twilioSignatureHeader = "X-Twilio-Signature"

// twilioStatusEvents maps Twilio CallStatus values to canonical events.
var twilioStatusEvents = map[string]calls.EventType{
	"queued":      calls.EventInitiated,
	"initiated":   calls.EventInitiated,
	"ringing":     calls.EventRinging,
	"in-progress": calls.EventAnswered,
	"answered":    calls.EventAnswered,
	"completed":   calls.EventCompleted,
	"busy":        calls.EventBusy,
	"no-answer":   calls.EventNoAnswer,
	"failed":      calls.EventFailed,
	"canceled":    calls.EventFailed,
}

func parseTwilioStatusForm(req WebhookRequest) TwilioStatusForm {
	f := req.Form
	return TwilioStatusForm{
		CallSid:             strings.TrimSpace(f.Get("CallSid")),
		AccountSid:          f.Get("AccountSid"),
		From:                normalizePhone(f.Get("From")),
		To:                  normalizePhone(f.Get("To")),
		CallStatus:          strings.ToLower(strings.TrimSpace(f.Get("CallStatus"))),
		StatusCallbackEvent: f.Get("StatusCallbackEvent"),
		CallDuration:        f.Get("CallDuration"),
		Timestamp:           f.Get("Timestamp"),
		ErrorCode:           f.Get("ErrorCode"),
		ErrorMessage:        f.Get("ErrorMessage"),
		SipResponseCode:     f.Get("SipResponseCode"),
	}
}

// ParseTwilioStatusEvent converts a Twilio status callback into a CallEvent.
// Correlation ids come from the callback query string set at dial time.
func ParseTwilioStatusEvent(req WebhookRequest, now func() time.Time) (calls.CallEvent, error) {
	f := parseTwilioStatusForm(req)

	callID := strings.TrimSpace(req.Query.Get("call_id"))
	if callID == "" && f.CallSid == "" {
		return calls.CallEvent{}, &WebhookParseError{Code: "missing_correlation", Message: "call_id and CallSid are both empty"}
	}
	if f.CallStatus == "" {
		return calls.CallEvent{}, &WebhookParseError{Code: "missing_status", Message: "CallStatus is required"}
	}
	evType, ok := twilioStatusEvents[f.CallStatus]
	if !ok {
		return calls.CallEvent{}, &WebhookParseError{Code: "unknown_status", Message: "unsupported CallStatus " + strconv.Quote(f.CallStatus)}
	}

	ev := calls.CallEvent{
		Type:           evType,
		CallID:         callID,
		ProviderCallID: f.CallSid,
		CampaignID:     req.Query.Get("campaign_id"),
		ContactID:      req.Query.Get("contact_id"),
		Timestamp:      now().UTC(),
		OutcomeHint:    f.CallStatus,
		ErrorCode:      f.ErrorCode,
		ErrorMessage:   f.ErrorMessage,
	}
	if ts, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
		ev.Timestamp = ts.UTC()
	}
	if ev.ErrorCode == "" && evType.Retryable() && f.SipResponseCode != "" {
		ev.ErrorCode = "SIP_" + f.SipResponseCode
	}
	if d, err := strconv.Atoi(f.CallDuration); err == nil && d >= 0 {
		ev.DurationSeconds = &d
	}
	return ev, nil
}

// ValidateTwilioSignature checks X-Twilio-Signature against the public URL
// and the posted form.
func ValidateTwilioSignature(authToken string, req WebhookRequest) error {
	return validateTwilioSignature(twilioclient.NewRequestValidator(authToken), req)
}

func validateTwilioSignature(v twilioclient.RequestValidator, req WebhookRequest) error {
	got := strings.TrimSpace(req.Headers.Get(twilioSignatureHeader))
	if got == "" {
		return ErrInvalidSignature
	}
	params := make(map[string]string, len(req.Form))
	for k := range req.Form {
		params[k] = req.Form.Get(k)
	}
	if !v.Validate(req.URL, params, got) {
		return ErrInvalidSignature
	}
	return nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}
