package telephony

import (
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const maxWebhookBody = 1 << 20

// NewWebhookRequest reads an inbound webhook into a WebhookRequest.
// publicBaseURL is the externally visible scheme+host the provider signed
// against; when empty the request's own Host is used.
func NewWebhookRequest(r *http.Request, publicBaseURL string) (WebhookRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return WebhookRequest{}, &WebhookParseError{Code: "read_body", Message: err.Error()}
	}

	out := WebhookRequest{
		URL:     publicURL(r, publicBaseURL),
		Headers: r.Header.Clone(),
		Query:   r.URL.Query(),
		Form:    url.Values{},
		Body:    body,
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return WebhookRequest{}, &WebhookParseError{Code: "invalid_form", Message: err.Error()}
		}
		out.Form = form
	}
	return out, nil
}

func publicURL(r *http.Request, publicBaseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}
