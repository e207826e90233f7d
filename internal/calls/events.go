package calls

import "time"

// EventType is the canonical provider event vocabulary.
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventRinging   EventType = "ringing"
	EventAnswered  EventType = "answered"
	EventCompleted EventType = "completed"
	EventRefused   EventType = "refused"
	EventNoAnswer  EventType = "no_answer"
	EventBusy      EventType = "busy"
	EventFailed    EventType = "failed"
)

var allEvents = map[EventType]struct{}{
	EventInitiated: {}, EventRinging: {}, EventAnswered: {}, EventCompleted: {},
	EventRefused: {}, EventNoAnswer: {}, EventBusy: {}, EventFailed: {},
}

func (t EventType) Valid() bool {
	_, ok := allEvents[t]
	return ok
}

// Outcome maps an ending event to the attempt outcome.
// ok is false for events that do not end the call.
func (t EventType) Outcome() (Outcome, bool) {
	switch t {
	case EventCompleted:
		return OutcomeCompleted, true
	case EventRefused:
		return OutcomeRefused, true
	case EventNoAnswer:
		return OutcomeNoAnswer, true
	case EventBusy:
		return OutcomeBusy, true
	case EventFailed:
		return OutcomeFailed, true
	}
	return OutcomeNone, false
}

// Terminal reports whether the event ends the call.
func (t EventType) Terminal() bool {
	_, ok := t.Outcome()
	return ok
}

// TerminalEvents lists every event type that ends a call.
var TerminalEvents = []EventType{EventCompleted, EventRefused, EventNoAnswer, EventBusy, EventFailed}

// Retryable reports whether the event leaves the contact re-eligible
// (subject to the attempt ceiling).
func (t EventType) Retryable() bool {
	return t == EventNoAnswer || t == EventBusy || t == EventFailed
}

// CallEvent is a provider webhook payload after parsing and signature validation.
type CallEvent struct {
	Type EventType `json:"event_type"`

	CallID         string `json:"call_id,omitempty"`
	ProviderCallID string `json:"provider_call_id,omitempty"`
	CampaignID     string `json:"campaign_id,omitempty"`
	ContactID      string `json:"contact_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// OutcomeHint is the raw provider status (e.g. Twilio CallStatus).
	OutcomeHint string `json:"outcome_hint,omitempty"`

	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
}
