package campaigns

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tod(s string) *TimeOfDay {
	t := MustTimeOfDay(s)
	return &t
}

func TestCallWindow_Overnight(t *testing.T) {
	w, err := NewCallWindow(tod("22:00"), tod("06:00"), "")
	require.NoError(t, err)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.True(t, w.Contains(day.Add(23*time.Hour+30*time.Minute)))
	assert.True(t, w.Contains(day.Add(5*time.Hour+30*time.Minute)))
	assert.False(t, w.Contains(day.Add(12*time.Hour)))
	assert.True(t, w.Contains(day.Add(22*time.Hour)), "start is inclusive")
	assert.True(t, w.Contains(day.Add(6*time.Hour)), "end is inclusive")
	assert.False(t, w.Contains(day.Add(6*time.Hour+time.Second)))
}

func TestCallWindow_SameDay(t *testing.T) {
	w, err := NewCallWindow(tod("09:00"), tod("18:00"), "UTC")
	require.NoError(t, err)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.False(t, w.Contains(day.Add(8*time.Hour+59*time.Minute)))
	assert.True(t, w.Contains(day.Add(9*time.Hour)))
	assert.True(t, w.Contains(day.Add(18*time.Hour)))
	assert.False(t, w.Contains(day.Add(18*time.Hour+time.Second)))
}

func TestCallWindow_UsesCampaignTimezone(t *testing.T) {
	w, err := NewCallWindow(tod("09:00"), tod("18:00"), "Europe/Rome")
	require.NoError(t, err)

	// 07:30 UTC is 08:30 in Rome (CET, winter).
	assert.False(t, w.Contains(time.Date(2026, 1, 15, 7, 30, 0, 0, time.UTC)))
	// 08:30 UTC is 09:30 in Rome.
	assert.True(t, w.Contains(time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC)))
}

func TestCallWindow_Unrestricted(t *testing.T) {
	w, err := NewCallWindow(nil, nil, "")
	require.NoError(t, err)
	assert.True(t, w.Contains(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)))
}

func TestCallWindow_Invalid(t *testing.T) {
	_, err := NewCallWindow(tod("09:00"), nil, "")
	require.ErrorIs(t, err, ErrInvalidWindow)

	_, err = NewCallWindow(tod("09:00"), tod("10:00"), "Mars/Olympus")
	require.ErrorIs(t, err, ErrInvalidWindow)

	_, err = ParseTimeOfDay("25:99")
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestCampaign_RetryInterval(t *testing.T) {
	c := Campaign{RetryIntervalMinutes: 10}
	assert.Equal(t, 10*time.Minute, c.RetryInterval())
}
