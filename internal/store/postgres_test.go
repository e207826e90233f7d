package store

import (
	"strings"
	"testing"

	"voice-survey/internal/contacts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// PostgresStore needs a live database; these tests cover what can be checked
// without one.

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	b, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	sql := string(b)
	for _, table := range []string{"campaigns", "contacts", "call_attempts"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.True(t, strings.Contains(sql, "UNIQUE (contact_id, attempt_number)"))
}

func TestContactTransitionAllowed(t *testing.T) {
	inFlight := contacts.Contact{State: contacts.StateInProgress, AttemptsCount: 2}

	assert.True(t, contactTransitionAllowed(inFlight, Transition{AttemptNumber: 2, ContactState: contacts.StateNotReached}))
	assert.False(t, contactTransitionAllowed(inFlight, Transition{AttemptNumber: 1, ContactState: contacts.StateNotReached}))
	assert.True(t, contactTransitionAllowed(inFlight, Transition{AttemptNumber: 1, ContactState: contacts.StateCompleted}))
	assert.False(t, contactTransitionAllowed(inFlight, Transition{AttemptNumber: 2}))

	done := contacts.Contact{State: contacts.StateRefused, AttemptsCount: 2}
	assert.False(t, contactTransitionAllowed(done, Transition{AttemptNumber: 2, ContactState: contacts.StateCompleted}))
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, nullString(""))
	assert.Equal(t, "x", nullString("x"))
	assert.Nil(t, nullTime(nil))
	assert.NotNil(t, nonNilMap(nil))
}
