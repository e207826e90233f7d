package telephony

import (
	"fmt"
	"net/http"

	"voice-survey/internal/config"
)

// New selects the provider adapter from configuration.
func New(cfg config.Config, client *http.Client) (TelephonyProvider, error) {
	switch cfg.Telephony.Provider {
	case config.ProviderTwilio, "":
		return NewTwilioProvider(TwilioOptions{
			AccountSID:         cfg.Telephony.TwilioAccountSID,
			AuthToken:          cfg.Telephony.TwilioAuthToken,
			APIBaseURL:         cfg.Telephony.TwilioAPIBaseURL,
			VoiceURL:           cfg.TwilioVoiceURL(),
			RingTimeout:        cfg.Telephony.RingTimeout,
			ValidateSignatures: cfg.Telephony.ValidateSignatures,
		}, client)
	case config.ProviderMock:
		return NewMockProvider(cfg.Telephony.MockWebhookSecret), nil
	default:
		return nil, fmt.Errorf("telephony: unknown provider %q", cfg.Telephony.Provider)
	}
}
