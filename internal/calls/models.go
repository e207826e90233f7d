package calls

import (
	"slices"
	"time"
)

// Attempt is one outbound call try for a contact.
//
// Invariants:
// - exactly one Attempt exists per (ContactID, AttemptNumber)
// - Outcome == "" means the call is in flight and counts against the concurrency cap
// - AppliedEvents is the idempotency ledger: an event type is applied at most once,
//   and at most one terminal event is ever applied
//
// CallID is generated internally and is the provider correlation key.
// ProviderCallID stays empty until the provider accepts the call.
type Attempt struct {
	ID             string `json:"id" db:"id"`
	CallID         string `json:"call_id" db:"call_id"`
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	ContactID     string `json:"contact_id" db:"contact_id"`
	CampaignID    string `json:"campaign_id" db:"campaign_id"`
	AttemptNumber int    `json:"attempt_number" db:"attempt_number"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	Outcome   Outcome `json:"outcome,omitempty" db:"outcome"`
	ErrorCode string  `json:"error_code,omitempty" db:"error_code"`

	AppliedEvents []EventType    `json:"applied_event_types" db:"applied_event_types"`
	Metadata      map[string]any `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeRefused   Outcome = "refused"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
)

// Error codes written by this service (provider codes are stored verbatim).
const (
	ErrorCodeCallInitFailed  = "CALL_INIT_FAILED"
	ErrorCodeTimeout         = "TIMEOUT"
	ErrorCodeContactConflict = "CONTACT_CONFLICT"
	ErrorCodeStaleAttempt    = "STALE_ATTEMPT"
)

// Metadata keys.
const (
	MetaProviderRawStatus  = "provider_raw_status"
	MetaDurationSeconds    = "duration_seconds"
	MetaErrorMessage       = "error_message"
	MetaDispatchError      = "dispatch_error"
	MetaPreviousDispatches = "previous_dispatches"
)

// Open reports whether the attempt is still in flight.
func (a Attempt) Open() bool { return a.Outcome == OutcomeNone }

// HasApplied reports whether the ledger already records t.
func (a Attempt) HasApplied(t EventType) bool {
	return slices.Contains(a.AppliedEvents, t)
}

// IsDuplicate reports whether applying t again would double-process the
// attempt: the ledger holds t, or t is terminal and the ledger already holds
// a terminal event. A call ends once.
func (a Attempt) IsDuplicate(t EventType) bool {
	if a.HasApplied(t) {
		return true
	}
	return t.Terminal() && slices.ContainsFunc(a.AppliedEvents, EventType.Terminal)
}

// Rearmable reports whether a row can be reused for a new dispatch of the same
// attempt number: the provider never accepted it and it is already closed.
func (a Attempt) Rearmable() bool {
	return a.ProviderCallID == "" && !a.Open()
}
