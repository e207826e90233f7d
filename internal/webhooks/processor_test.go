package webhooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-survey/internal/calls"
	"voice-survey/internal/campaigns"
	"voice-survey/internal/contacts"
	"voice-survey/internal/dialogue"
	"voice-survey/internal/store"
	"voice-survey/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type recordingStarter struct {
	mu   sync.Mutex
	reqs []dialogue.StartRequest
	err  error
}

func (r *recordingStarter) StartDialogue(_ context.Context, req dialogue.StartRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.err
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func newFixture(t *testing.T) (*store.MemoryStore, *recordingStarter, *Processor) {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutCampaign(campaigns.Campaign{ID: "camp-1", Status: campaigns.StatusRunning, MaxAttempts: 3, RetryIntervalMinutes: 10})
	s.PutContact(contacts.Contact{ID: "c-1", CampaignID: "camp-1", PhoneNumber: "+15550001", State: contacts.StatePending})
	starter := &recordingStarter{}
	p := NewProcessor(s, s, starter, nil).WithClock(func() time.Time { return t0 })
	return s, starter, p
}

// dial performs the store side of one dispatch and returns the attempt.
func dial(t *testing.T, s *store.MemoryStore, callID, providerCallID string, at time.Time) calls.Attempt {
	t.Helper()
	ctx := context.Background()
	c, ok := s.Contact("c-1")
	require.True(t, ok)
	a, err := s.Create(ctx, store.NewAttempt{CallID: callID, ContactID: c.ID, CampaignID: c.CampaignID, AttemptNumber: c.AttemptsCount + 1, StartedAt: at})
	require.NoError(t, err)
	require.NoError(t, s.MarkInProgress(ctx, store.Claim{ContactID: c.ID, FromState: c.State, FromAttempts: c.AttemptsCount, AttemptNumber: a.AttemptNumber, At: at}))
	require.NoError(t, s.SetProviderCallID(ctx, callID, providerCallID, "queued"))
	return a
}

func TestHandleEvent_UnknownAttemptIsSkipped(t *testing.T) {
	_, _, p := newFixture(t)

	res, err := p.HandleEvent(context.Background(), calls.CallEvent{Type: calls.EventCompleted, CallID: "nope", ProviderCallID: "CA-nope"})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, SkipAttemptNotFound, res.Reason)
}

func TestHandleEvent_FallsBackToProviderCallID(t *testing.T) {
	s, _, p := newFixture(t)
	dial(t, s, "call-1", "CA-1", t0)

	res, err := p.HandleEvent(context.Background(), calls.CallEvent{Type: calls.EventRinging, ProviderCallID: "CA-1", OutcomeHint: "ringing"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, "call-1", res.CallID)

	a, err := s.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.True(t, a.Open())
	assert.Equal(t, "ringing", a.Metadata[calls.MetaProviderRawStatus])

	c, _ := s.Contact("c-1")
	assert.Equal(t, contacts.StateInProgress, c.State)
}

func TestHandleEvent_DuplicateIsSkippedWithoutMutation(t *testing.T) {
	s, _, p := newFixture(t)
	dial(t, s, "call-1", "CA-1", t0)
	ctx := context.Background()

	ev := calls.CallEvent{Type: calls.EventCompleted, CallID: "call-1", Timestamp: t0.Add(2 * time.Minute)}
	first, err := p.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, first.Status)
	assert.Equal(t, contacts.StateCompleted, first.ContactState)

	before, err := s.GetByCallID(ctx, "call-1")
	require.NoError(t, err)

	ev.Timestamp = t0.Add(5 * time.Minute)
	second, err := p.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, SkipDuplicate, second.Reason)

	after, err := s.GetByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []calls.EventType{calls.EventCompleted}, after.AppliedEvents)
}

func TestHandleEvent_SecondTerminalEventIsDuplicate(t *testing.T) {
	cases := []struct {
		name          string
		first, second calls.EventType
		wantOutcome   calls.Outcome
		wantContact   contacts.State
	}{
		{"failed after completed", calls.EventCompleted, calls.EventFailed, calls.OutcomeCompleted, contacts.StateCompleted},
		{"completed after refused", calls.EventRefused, calls.EventCompleted, calls.OutcomeRefused, contacts.StateRefused},
		{"busy after no_answer", calls.EventNoAnswer, calls.EventBusy, calls.OutcomeNoAnswer, contacts.StateNotReached},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, p := newFixture(t)
			dial(t, s, "call-1", "CA-1", t0)
			ctx := context.Background()

			first, err := p.HandleEvent(ctx, calls.CallEvent{Type: tc.first, CallID: "call-1", Timestamp: t0.Add(2 * time.Minute)})
			require.NoError(t, err)
			require.Equal(t, StatusApplied, first.Status)
			before, err := s.GetByCallID(ctx, "call-1")
			require.NoError(t, err)

			appliedBefore := testutil.ToFloat64(telemetry.WebhookEventsApplied.WithLabelValues(string(tc.second)))
			second, err := p.HandleEvent(ctx, calls.CallEvent{Type: tc.second, CallID: "call-1", ErrorCode: "X", Timestamp: t0.Add(3 * time.Minute)})
			require.NoError(t, err)
			assert.Equal(t, StatusSkipped, second.Status)
			assert.Equal(t, SkipDuplicate, second.Reason)
			assert.Equal(t, appliedBefore, testutil.ToFloat64(telemetry.WebhookEventsApplied.WithLabelValues(string(tc.second))))

			after, err := s.GetByCallID(ctx, "call-1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, tc.wantOutcome, after.Outcome)
			assert.Empty(t, after.ErrorCode)
			assert.Equal(t, []calls.EventType{tc.first}, after.AppliedEvents)

			c, _ := s.Contact("c-1")
			assert.Equal(t, tc.wantContact, c.State)
		})
	}
}

func TestHandleEvent_LateAnsweredAfterEndStartsNoDialogue(t *testing.T) {
	s, starter, p := newFixture(t)
	dial(t, s, "call-1", "CA-1", t0)
	ctx := context.Background()

	_, err := p.HandleEvent(ctx, calls.CallEvent{Type: calls.EventCompleted, CallID: "call-1", Timestamp: t0.Add(3 * time.Minute)})
	require.NoError(t, err)

	res, err := p.HandleEvent(ctx, calls.CallEvent{Type: calls.EventAnswered, CallID: "call-1", Timestamp: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Zero(t, starter.count())

	a, err := s.GetByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, calls.OutcomeCompleted, a.Outcome)
	require.NotNil(t, a.AnsweredAt)
	c, _ := s.Contact("c-1")
	assert.Equal(t, contacts.StateCompleted, c.State)
}

func TestHandleEvent_AnsweredStartsDialogueOnce(t *testing.T) {
	s, starter, p := newFixture(t)
	dial(t, s, "call-1", "CA-1", t0)
	ctx := context.Background()

	ev := calls.CallEvent{Type: calls.EventAnswered, CallID: "call-1", Timestamp: t0.Add(time.Minute)}
	_, err := p.HandleEvent(ctx, ev)
	require.NoError(t, err)
	_, err = p.HandleEvent(ctx, ev)
	require.NoError(t, err)

	require.Equal(t, 1, starter.count())
	assert.Equal(t, "call-1", starter.reqs[0].CallID)
	assert.Equal(t, "c-1", starter.reqs[0].ContactID)

	a, err := s.GetByCallID(ctx, "call-1")
	require.NoError(t, err)
	require.NotNil(t, a.AnsweredAt)
	assert.True(t, a.AnsweredAt.Equal(t0.Add(time.Minute)))
	assert.True(t, a.Open(), "answered does not end the attempt")

	c, _ := s.Contact("c-1")
	assert.Equal(t, contacts.StateInProgress, c.State)
}

func TestHandleEvent_DialogueFailureDoesNotUndoAnswered(t *testing.T) {
	s, starter, p := newFixture(t)
	starter.err = errors.New("queue down")
	dial(t, s, "call-1", "CA-1", t0)

	res, err := p.HandleEvent(context.Background(), calls.CallEvent{Type: calls.EventAnswered, CallID: "call-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	a, err := s.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.NotNil(t, a.AnsweredAt)
	assert.True(t, a.HasApplied(calls.EventAnswered))
}

func TestHandleEvent_RetryableOutcomeRecordsErrorAndRequeues(t *testing.T) {
	s, _, p := newFixture(t)
	dial(t, s, "call-1", "CA-1", t0)
	dur := 0

	res, err := p.HandleEvent(context.Background(), calls.CallEvent{
		Type:            calls.EventBusy,
		CallID:          "call-1",
		ErrorCode:       "31486",
		ErrorMessage:    "busy here",
		OutcomeHint:     "busy",
		DurationSeconds: &dur,
		Timestamp:       t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, contacts.StateNotReached, res.ContactState)
	assert.False(t, res.RetriesExhausted)

	a, err := s.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, calls.OutcomeBusy, a.Outcome)
	assert.Equal(t, "31486", a.ErrorCode)
	require.NotNil(t, a.EndedAt)
	assert.Equal(t, "busy here", a.Metadata[calls.MetaErrorMessage])
	assert.Equal(t, 0, a.Metadata[calls.MetaDurationSeconds])
}

func TestHandleEvent_ThreeNoAnswersExhaustContact(t *testing.T) {
	s, _, p := newFixture(t)
	ctx := context.Background()

	var last Result
	for i := 0; i < 3; i++ {
		at := t0.Add(time.Duration(i) * 11 * time.Minute)
		a := dial(t, s, "call-"+string(rune('a'+i)), "CA-"+string(rune('a'+i)), at)
		require.Equal(t, i+1, a.AttemptNumber)

		var err error
		last, err = p.HandleEvent(ctx, calls.CallEvent{Type: calls.EventNoAnswer, CallID: a.CallID, Timestamp: at.Add(30 * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, contacts.StateNotReached, last.ContactState)
	}
	assert.True(t, last.RetriesExhausted)

	c, _ := s.Contact("c-1")
	assert.Equal(t, 3, c.AttemptsCount)
	assert.False(t, c.Eligible(t0.Add(time.Hour), 3, 10*time.Minute))
}

func TestHandleEvent_LateRetryableEventDoesNotReopenNewerAttempt(t *testing.T) {
	s, _, p := newFixture(t)
	ctx := context.Background()

	dial(t, s, "call-1", "CA-1", t0)
	// Attempt 1 was requeued as stale and attempt 2 is in flight.
	_, err := s.RequeueStale(ctx, t0.Add(time.Hour), 15*time.Minute)
	require.NoError(t, err)
	dial(t, s, "call-2", "CA-2", t0.Add(time.Hour))

	res, err := p.HandleEvent(ctx, calls.CallEvent{Type: calls.EventFailed, CallID: "call-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.False(t, res.ContactUpdated)

	c, _ := s.Contact("c-1")
	assert.Equal(t, contacts.StateInProgress, c.State)
	assert.Equal(t, 2, c.AttemptsCount)
}

func TestHandleEvent_ConcurrentCompletedAppliesOnce(t *testing.T) {
	s, _, p := newFixture(t)
	dial(t, s, "call-1", "CA-1", t0)

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan Result, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.HandleEvent(context.Background(), calls.CallEvent{Type: calls.EventCompleted, CallID: "call-1", Timestamp: t0})
			if err != nil {
				t.Errorf("HandleEvent: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	appliedCount := 0
	for r := range results {
		if r.Status == StatusApplied {
			appliedCount++
		} else {
			assert.Equal(t, SkipDuplicate, r.Reason)
		}
	}
	assert.Equal(t, 1, appliedCount)

	c, _ := s.Contact("c-1")
	assert.Equal(t, contacts.StateCompleted, c.State)
	a, err := s.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Len(t, a.AppliedEvents, 1)
}

func TestHandleEvent_PersistenceErrorIsReturned(t *testing.T) {
	s, _, p := newFixture(t)
	dial(t, s, "call-1", "CA-1", t0)
	boom := errors.New("connection reset")
	s.Fault = func(op string) error {
		if op == "apply_event" {
			return boom
		}
		return nil
	}

	_, err := p.HandleEvent(context.Background(), calls.CallEvent{Type: calls.EventCompleted, CallID: "call-1"})
	require.ErrorIs(t, err, boom)

	s.Fault = nil
	a, err := s.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.True(t, a.Open())
	assert.Empty(t, a.AppliedEvents)
}

func TestBuildTransition(t *testing.T) {
	a := calls.Attempt{ID: "att-1", ContactID: "c-1", AttemptNumber: 2}

	tr := buildTransition(a, calls.CallEvent{Type: calls.EventRefused}, t0)
	assert.Equal(t, calls.OutcomeRefused, tr.Outcome)
	assert.Equal(t, contacts.StateRefused, tr.ContactState)
	assert.Equal(t, 2, tr.AttemptNumber)
	require.NotNil(t, tr.EndedAt)

	tr = buildTransition(a, calls.CallEvent{Type: calls.EventInitiated, OutcomeHint: "queued"}, t0)
	assert.Equal(t, calls.OutcomeNone, tr.Outcome)
	assert.Empty(t, tr.ContactState)
	assert.Nil(t, tr.EndedAt)
	assert.Equal(t, "queued", tr.Metadata[calls.MetaProviderRawStatus])
}
