package contacts

import "time"

// Contact is one person to be surveyed within a campaign.
//
// Lifecycle:
// - created in StatePending by contact ingestion
// - moved to StateInProgress only by the scheduler at dispatch time
// - moved out of StateInProgress only by the webhook processor (or stale recovery)
type Contact struct {
	ID          string `json:"id" db:"id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`

	State State `json:"state" db:"state"`

	// AttemptsCount never decreases except when a failed dispatch is rolled back.
	AttemptsCount int        `json:"attempts_count" db:"attempts_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`

	// DoNotCall is a permanent exclusion.
	DoNotCall bool `json:"do_not_call" db:"do_not_call"`

	PreferredLanguage string `json:"preferred_language,omitempty" db:"preferred_language"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateNotReached State = "not_reached"
	StateCompleted  State = "completed"
	StateRefused    State = "refused"
	StateExcluded   State = "excluded"
)

// Terminal reports whether no further scheduling happens from this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRefused || s == StateExcluded
}

// Dispatchable reports whether the scheduler may pick a contact in this state.
func (s State) Dispatchable() bool {
	return s == StatePending || s == StateNotReached
}

// Schedulable is the static eligibility predicate: not do-not-call, in a
// dispatchable state, and below the campaign attempt ceiling.
func (c Contact) Schedulable(maxAttempts int) bool {
	return !c.DoNotCall && c.State.Dispatchable() && c.AttemptsCount < maxAttempts
}

// RetryDue reports whether the retry interval has elapsed since the last attempt.
// Contacts that were never attempted are always due.
func (c Contact) RetryDue(now time.Time, interval time.Duration) bool {
	if c.AttemptsCount == 0 || c.LastAttemptAt == nil {
		return true
	}
	return now.Sub(*c.LastAttemptAt) >= interval
}

// Eligible combines Schedulable and RetryDue.
func (c Contact) Eligible(now time.Time, maxAttempts int, retryInterval time.Duration) bool {
	return c.Schedulable(maxAttempts) && c.RetryDue(now, retryInterval)
}
