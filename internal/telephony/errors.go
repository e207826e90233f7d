package telephony

import (
	"context"
	"errors"
	"fmt"

	"voice-survey/internal/calls"
)

var (
	ErrProviderTimeout  = errors.New("telephony: provider timeout")
	ErrInvalidSignature = errors.New("telephony: invalid webhook signature")
)

// CallInitiationError is a provider rejection of an outbound call.
// The scheduler rolls the contact back; it stays eligible for the next tick.
type CallInitiationError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *CallInitiationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("telephony: call initiation failed (%s, http %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("telephony: call initiation failed (%s): %s", e.Code, e.Message)
}

func (e *CallInitiationError) Unwrap() error { return e.Err }

// WebhookParseError rejects a webhook payload at the boundary.
type WebhookParseError struct {
	Code    string
	Message string
}

func (e *WebhookParseError) Error() string {
	return fmt.Sprintf("telephony: webhook parse failed (%s): %s", e.Code, e.Message)
}

// AsInitiationError normalizes any InitiateCall failure.
// Deadline errors become code TIMEOUT and match ErrProviderTimeout.
func AsInitiationError(err error) *CallInitiationError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProviderTimeout) {
		return &CallInitiationError{
			Code:    calls.ErrorCodeTimeout,
			Message: err.Error(),
			Err:     errors.Join(ErrProviderTimeout, err),
		}
	}
	var ie *CallInitiationError
	if errors.As(err, &ie) {
		return ie
	}
	return &CallInitiationError{Code: calls.ErrorCodeCallInitFailed, Message: err.Error(), Err: err}
}
