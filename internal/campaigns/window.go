package campaigns

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidWindow = errors.New("campaigns: invalid call window")

// TimeOfDay is a wall-clock time without a date, at second precision.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalidWindow, s)
}

func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// CallWindow is the local time-of-day range in which calls may be placed.
type CallWindow struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location

	unrestricted bool
}

// NewCallWindow builds a window from optional bounds and an IANA timezone.
// An empty timezone means UTC. Both bounds nil means always open.
func NewCallWindow(start, end *TimeOfDay, timezone string) (CallWindow, error) {
	loc, err := ResolveLocation(timezone)
	if err != nil {
		return CallWindow{}, err
	}
	if start == nil && end == nil {
		return CallWindow{Location: loc, unrestricted: true}, nil
	}
	if start == nil || end == nil {
		return CallWindow{}, fmt.Errorf("%w: start and end must both be set", ErrInvalidWindow)
	}
	return CallWindow{Start: *start, End: *end, Location: loc}, nil
}

// ResolveLocation loads an IANA location, defaulting to UTC.
func ResolveLocation(timezone string) (*time.Location, error) {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidWindow, tz, err)
	}
	return loc, nil
}

// Contains reports whether now falls inside the window, bounds inclusive.
// When Start > End the window wraps midnight (e.g. 22:00-06:00).
func (w CallWindow) Contains(now time.Time) bool {
	if w.unrestricted {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	t := local.Hour()*3600 + local.Minute()*60 + local.Second()

	start, end := w.Start.seconds(), w.End.seconds()
	if start <= end {
		return t >= start && t <= end
	}
	return t >= start || t <= end
}
