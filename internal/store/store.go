// Package store holds the persistence boundary for campaigns, contacts and
// call attempts. Core components depend on the interfaces only; MemoryStore
// and PostgresStore are the two implementations.
package store

import (
	"context"
	"errors"
	"time"

	"voice-survey/internal/calls"
	"voice-survey/internal/campaigns"
	"voice-survey/internal/contacts"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrEventAlreadyApplied is returned by ApplyEvent when the ledger already
	// holds the event type, or when a second terminal event arrives for an
	// attempt that already ended. Nothing was mutated.
	ErrEventAlreadyApplied = errors.New("store: event already applied")
	// ErrAttemptExists is returned by Create when a live attempt already
	// occupies (contact, attempt_number).
	ErrAttemptExists = errors.New("store: attempt already exists")
	// ErrContactConflict is returned when a conditional contact update finds
	// the row in an unexpected state.
	ErrContactConflict = errors.New("store: contact state conflict")
)

type CampaignStore interface {
	ListRunning(ctx context.Context) ([]campaigns.Campaign, error)
	Get(ctx context.Context, id string) (campaigns.Campaign, error)
}

type ContactStore interface {
	// ListEligible returns eligible contacts ordered by id ascending.
	ListEligible(ctx context.Context, q EligibleQuery) ([]contacts.Contact, error)
	// MarkInProgress moves a contact to in_progress if it still matches the
	// pre-dispatch snapshot in the claim.
	MarkInProgress(ctx context.Context, c Claim) error
	// Revert restores the pre-dispatch snapshot if the contact is still
	// in_progress on the claimed attempt.
	Revert(ctx context.Context, r Revert) error
}

type CallAttemptStore interface {
	Create(ctx context.Context, a NewAttempt) (calls.Attempt, error)
	SetProviderCallID(ctx context.Context, callID, providerCallID, rawStatus string) error
	MarkDispatchFailed(ctx context.Context, callID string, f DispatchFailure) error

	GetByCallID(ctx context.Context, callID string) (calls.Attempt, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (calls.Attempt, error)

	// ApplyEvent updates the attempt, appends the event to the ledger and
	// transitions the contact in one atomic unit. The ledger check is part of
	// the same conditional update.
	ApplyEvent(ctx context.Context, t Transition) (ApplyResult, error)

	// CountOpen counts attempts with no outcome across the whole system.
	CountOpen(ctx context.Context) (int, error)

	// RequeueStale closes open attempts started before now-staleAfter and
	// returns their contacts to not_reached.
	RequeueStale(ctx context.Context, now time.Time, staleAfter time.Duration) (RequeueResult, error)
}

// Store is the full persistence surface.
type Store interface {
	CampaignStore
	ContactStore
	CallAttemptStore
}

type EligibleQuery struct {
	CampaignID    string
	MaxAttempts   int
	RetryInterval time.Duration
	Now           time.Time
	Limit         int
}

// Claim is the dispatch-time contact transition.
type Claim struct {
	ContactID     string
	FromState     contacts.State
	FromAttempts  int
	AttemptNumber int
	At            time.Time
}

// Revert restores a contact after a failed dispatch.
type Revert struct {
	ContactID     string
	AttemptNumber int

	State         contacts.State
	AttemptsCount int
	LastAttemptAt *time.Time
}

type NewAttempt struct {
	CallID        string
	ContactID     string
	CampaignID    string
	AttemptNumber int
	StartedAt     time.Time
}

type DispatchFailure struct {
	Code    string
	Message string
	At      time.Time
}

// Transition is one event applied to an attempt.
type Transition struct {
	AttemptID string
	Event     calls.EventType
	At        time.Time

	AnsweredAt *time.Time
	Outcome    calls.Outcome
	EndedAt    *time.Time
	ErrorCode  string

	// Metadata is merged into the attempt metadata.
	Metadata map[string]any

	ContactID     string
	AttemptNumber int
	// ContactState is the requested contact state; empty leaves the contact alone.
	ContactState contacts.State
}

type ApplyResult struct {
	Attempt        calls.Attempt
	Contact        contacts.Contact
	ContactUpdated bool
}

type RequeueResult struct {
	AttemptsClosed   int
	ContactsRequeued int
}

// contactTransitionAllowed is the guard ApplyEvent uses for the contact row.
// Terminal outcomes win unless the contact is already terminal; retryable
// outcomes only apply while the contact is in flight on the same attempt.
func contactTransitionAllowed(c contacts.Contact, t Transition) bool {
	switch t.ContactState {
	case "":
		return false
	case contacts.StateCompleted, contacts.StateRefused:
		return !c.State.Terminal()
	default:
		return c.State == contacts.StateInProgress && c.AttemptsCount == t.AttemptNumber
	}
}
