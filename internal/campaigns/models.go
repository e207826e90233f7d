package campaigns

import "time"

// Campaign is the read-only view of a survey campaign used for scheduling.
//
// Campaign CRUD and validation live outside this service; the scheduler only
// ever reads campaigns with Status == StatusRunning.
type Campaign struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Status Status `json:"status" db:"status"`

	// MaxAttempts is the per-contact attempt ceiling (1-5).
	MaxAttempts int `json:"max_attempts" db:"max_attempts"`
	// RetryIntervalMinutes is the minimum gap between two attempts for the same contact.
	RetryIntervalMinutes int `json:"retry_interval_minutes" db:"retry_interval_minutes"`

	// AllowedCallStart and AllowedCallEnd are local times of day.
	// Both nil means no window restriction. The window may wrap midnight.
	AllowedCallStart *TimeOfDay `json:"allowed_call_start_local,omitempty" db:"allowed_call_start_local"`
	AllowedCallEnd   *TimeOfDay `json:"allowed_call_end_local,omitempty" db:"allowed_call_end_local"`

	// Timezone is an IANA name. Empty means UTC.
	Timezone string `json:"timezone,omitempty" db:"timezone"`

	Language string `json:"language,omitempty" db:"language"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// RetryInterval returns RetryIntervalMinutes as a duration.
func (c Campaign) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMinutes) * time.Minute
}

// Window resolves the campaign call window.
func (c Campaign) Window() (CallWindow, error) {
	return NewCallWindow(c.AllowedCallStart, c.AllowedCallEnd, c.Timezone)
}
