package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voice-survey/internal/calls"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOptions configures the Twilio REST adapter.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string

	// APIBaseURL redirects REST traffic (scheme+host) to another endpoint,
	// e.g. a local Twilio mock. Empty means api.twilio.com.
	APIBaseURL string

	// VoiceURL is fetched by Twilio when the callee answers.
	VoiceURL    string
	RingTimeout time.Duration

	ValidateSignatures bool
}

// TwilioProvider places calls through the Twilio Programmable Voice API.
type TwilioProvider struct {
	opts      TwilioOptions
	rest      *twilio.RestClient
	validator twilioclient.RequestValidator
}

var _ TelephonyProvider = (*TwilioProvider)(nil)

func NewTwilioProvider(opts TwilioOptions, httpClient *http.Client) (*TwilioProvider, error) {
	if strings.TrimSpace(opts.AccountSID) == "" || opts.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token are required")
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(opts.APIBaseURL, "/"))
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("telephony: invalid twilio api base url %q", opts.APIBaseURL)
		}
		redirected := *httpClient
		redirected.Transport = &baseURLTransport{base: base, next: httpClient.Transport}
		httpClient = &redirected
	}

	rc := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(opts.AccountSID, opts.AuthToken),
		HTTPClient:  httpClient,
	}
	rc.SetAccountSid(opts.AccountSID)

	return &TwilioProvider{
		opts:      opts,
		rest:      twilio.NewRestClientWithParams(twilio.ClientParams{Client: rc}),
		validator: twilioclient.NewRequestValidator(opts.AuthToken),
	}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

// twilioStatusCallbackEvents are the progress events Twilio posts to StatusCallback.
// Final statuses (busy, no-answer, failed) arrive on the "completed" callback.
var twilioStatusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

func (p *TwilioProvider) InitiateCall(ctx context.Context, req CallRequest) (CallResponse, error) {
	params, err := p.createCallParams(req)
	if err != nil {
		return CallResponse{}, err
	}

	type created struct {
		call *twilioapi.ApiV2010Call
		err  error
	}
	// CreateCall takes no context; the result channel is buffered so a call
	// abandoned on ctx expiry finishes on the HTTP client timeout.
	done := make(chan created, 1)
	go func() {
		call, err := p.rest.Api.CreateCall(params)
		done <- created{call: call, err: err}
	}()

	var res created
	select {
	case <-ctx.Done():
		return CallResponse{}, AsInitiationError(ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return CallResponse{}, twilioInitiationError(res.err)
	}
	if res.call == nil || res.call.Sid == nil || *res.call.Sid == "" {
		return CallResponse{}, &CallInitiationError{Code: calls.ErrorCodeCallInitFailed, Message: "unexpected twilio response"}
	}
	out := CallResponse{ProviderCallID: *res.call.Sid}
	if res.call.Status != nil {
		out.Status = fmt.Sprint(*res.call.Status)
	}
	return out, nil
}

func (p *TwilioProvider) createCallParams(req CallRequest) (*twilioapi.CreateCallParams, error) {
	correlation := url.Values{}
	correlation.Set("call_id", req.CallID)
	correlation.Set("campaign_id", req.CampaignID)
	correlation.Set("contact_id", req.ContactID)

	statusCallback, err := withQuery(req.CallbackURL, correlation)
	if err != nil {
		return nil, &CallInitiationError{Code: calls.ErrorCodeCallInitFailed, Message: "invalid callback url", Err: err}
	}

	params := &twilioapi.CreateCallParams{}
	params.SetPathAccountSid(p.opts.AccountSID)
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetStatusCallback(statusCallback)
	params.SetStatusCallbackMethod(http.MethodPost)
	params.SetStatusCallbackEvent(twilioStatusCallbackEvents)
	params.SetTimeout(int(p.opts.RingTimeout.Seconds()))
	if p.opts.VoiceURL != "" {
		voiceURL, err := withQuery(p.opts.VoiceURL, url.Values{"call_id": {req.CallID}})
		if err != nil {
			return nil, &CallInitiationError{Code: calls.ErrorCodeCallInitFailed, Message: "invalid voice url", Err: err}
		}
		params.SetUrl(voiceURL)
	} else {
		params.SetTwiml(`<Response><Pause length="1"/></Response>`)
	}
	return params, nil
}

// twilioInitiationError keeps Twilio's numeric error code (e.g. 21211) as the
// attempt error code.
func twilioInitiationError(err error) *CallInitiationError {
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return AsInitiationError(err)
	}
	ie := &CallInitiationError{
		Code:       calls.ErrorCodeCallInitFailed,
		Message:    restErr.Message,
		StatusCode: restErr.Status,
		Err:        err,
	}
	if restErr.Code != 0 {
		ie.Code = strconv.Itoa(restErr.Code)
	}
	if ie.Message == "" {
		ie.Message = http.StatusText(restErr.Status)
	}
	return ie
}

func (p *TwilioProvider) ValidateWebhookSignature(req WebhookRequest) error {
	if !p.opts.ValidateSignatures {
		return nil
	}
	return validateTwilioSignature(p.validator, req)
}

func (p *TwilioProvider) ParseWebhookEvent(req WebhookRequest) (calls.CallEvent, error) {
	return ParseTwilioStatusEvent(req, time.Now)
}

// baseURLTransport rewrites the scheme and host of outgoing requests.
type baseURLTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (t *baseURLTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.URL.Scheme = t.base.Scheme
	out.URL.Host = t.base.Host
	out.Host = t.base.Host
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(out)
}

func withQuery(raw string, extra url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("absolute url required, got %q", raw)
	}
	q := u.Query()
	for k, vs := range extra {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
