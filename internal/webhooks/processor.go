// Package webhooks turns canonical provider call events into attempt and
// contact state changes, exactly once per (attempt, event type).
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voice-survey/internal/calls"
	"voice-survey/internal/contacts"
	"voice-survey/internal/dialogue"
	"voice-survey/internal/store"
	"voice-survey/internal/telemetry"
)

type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
)

type SkipReason string

const (
	SkipAttemptNotFound SkipReason = "attempt_not_found"
	SkipDuplicate       SkipReason = "duplicate"
)

// Result is the outcome of one HandleEvent call. Skips are normal control
// flow and never come back as errors.
type Result struct {
	Status Status
	Reason SkipReason

	CallID    string
	EventType calls.EventType

	// Set when Status is applied.
	ContactState     contacts.State
	ContactUpdated   bool
	RetriesExhausted bool
}

func applied(ev calls.CallEvent, res store.ApplyResult) Result {
	return Result{
		Status:         StatusApplied,
		CallID:         res.Attempt.CallID,
		EventType:      ev.Type,
		ContactState:   res.Contact.State,
		ContactUpdated: res.ContactUpdated,
	}
}

func skipped(ev calls.CallEvent, reason SkipReason) Result {
	return Result{Status: StatusSkipped, Reason: reason, CallID: ev.CallID, EventType: ev.Type}
}

type Processor struct {
	attempts  store.CallAttemptStore
	campaigns store.CampaignStore
	dialogue  dialogue.Starter
	log       *slog.Logger
	now       func() time.Time
}

// NewProcessor wires the processor. starter may be nil, in which case answered
// calls only record answered_at.
func NewProcessor(attempts store.CallAttemptStore, campaignStore store.CampaignStore, starter dialogue.Starter, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		attempts:  attempts,
		campaigns: campaignStore,
		dialogue:  starter,
		log:       log.With("component", "webhook_processor"),
		now:       time.Now,
	}
}

// WithClock overrides the time source used when an event carries no timestamp.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// HandleEvent applies one parsed and signature-validated event.
// Only persistence failures are returned as errors; the caller should let
// the provider redeliver.
func (p *Processor) HandleEvent(ctx context.Context, ev calls.CallEvent) (Result, error) {
	if !ev.Type.Valid() {
		return Result{}, fmt.Errorf("webhooks: unsupported event type %q", ev.Type)
	}
	log := p.log.With("call_id", ev.CallID, "provider_call_id", ev.ProviderCallID, "event_type", ev.Type)

	attempt, err := p.lookup(ctx, ev)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("webhook event skipped", "reason", SkipAttemptNotFound)
		telemetry.WebhookEventsSkipped.WithLabelValues(string(SkipAttemptNotFound)).Inc()
		return skipped(ev, SkipAttemptNotFound), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("webhooks: lookup attempt: %w", err)
	}

	// Fast path only; ApplyEvent re-checks the ledger atomically.
	if attempt.IsDuplicate(ev.Type) {
		return p.duplicate(log, ev), nil
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = p.now()
	}
	at = at.UTC()

	res, err := p.attempts.ApplyEvent(ctx, buildTransition(attempt, ev, at))
	if errors.Is(err, store.ErrEventAlreadyApplied) {
		return p.duplicate(log, ev), nil
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Info("webhook event skipped", "reason", SkipAttemptNotFound)
		telemetry.WebhookEventsSkipped.WithLabelValues(string(SkipAttemptNotFound)).Inc()
		return skipped(ev, SkipAttemptNotFound), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("webhooks: apply %s to %s: %w", ev.Type, attempt.CallID, err)
	}

	out := applied(ev, res)
	if ev.Type.Retryable() && out.ContactUpdated {
		out.RetriesExhausted = p.retriesExhausted(ctx, log, res)
	}
	telemetry.WebhookEventsApplied.WithLabelValues(string(ev.Type)).Inc()
	log.Info("webhook event applied",
		"attempt_number", res.Attempt.AttemptNumber,
		"outcome", res.Attempt.Outcome,
		"contact_state", out.ContactState,
		"contact_updated", out.ContactUpdated,
		"retries_exhausted", out.RetriesExhausted,
	)

	// The answered transition is committed; a dialogue failure does not undo it.
	// A late answered for a call that already ended starts nothing.
	if ev.Type == calls.EventAnswered {
		if res.Attempt.Open() {
			p.startDialogue(ctx, log, res.Attempt, at)
		} else {
			log.Info("dialogue not started", "reason", "call_ended", "outcome", res.Attempt.Outcome)
		}
	}
	return out, nil
}

func (p *Processor) lookup(ctx context.Context, ev calls.CallEvent) (calls.Attempt, error) {
	if ev.CallID != "" {
		a, err := p.attempts.GetByCallID(ctx, ev.CallID)
		if err == nil || !errors.Is(err, store.ErrNotFound) || ev.ProviderCallID == "" {
			return a, err
		}
	}
	if ev.ProviderCallID == "" {
		return calls.Attempt{}, store.ErrNotFound
	}
	return p.attempts.GetByProviderCallID(ctx, ev.ProviderCallID)
}

func (p *Processor) duplicate(log *slog.Logger, ev calls.CallEvent) Result {
	log.Info("webhook event skipped", "reason", SkipDuplicate)
	telemetry.WebhookEventsSkipped.WithLabelValues(string(SkipDuplicate)).Inc()
	return skipped(ev, SkipDuplicate)
}

func (p *Processor) retriesExhausted(ctx context.Context, log *slog.Logger, res store.ApplyResult) bool {
	if p.campaigns == nil {
		return false
	}
	c, err := p.campaigns.Get(ctx, res.Attempt.CampaignID)
	if err != nil {
		log.Warn("campaign lookup failed", "campaign_id", res.Attempt.CampaignID, "error", err)
		return false
	}
	return res.Contact.State == contacts.StateNotReached && res.Contact.AttemptsCount >= c.MaxAttempts
}

func (p *Processor) startDialogue(ctx context.Context, log *slog.Logger, a calls.Attempt, at time.Time) {
	if p.dialogue == nil {
		return
	}
	err := p.dialogue.StartDialogue(ctx, dialogue.StartRequest{
		CallID:     a.CallID,
		CampaignID: a.CampaignID,
		ContactID:  a.ContactID,
		AnsweredAt: at,
	})
	if err != nil {
		telemetry.DialogueStartFailures.Inc()
		log.Warn("dialogue start failed", "error", err)
	}
}

// buildTransition maps an event to the attempt and contact changes it implies.
func buildTransition(a calls.Attempt, ev calls.CallEvent, at time.Time) store.Transition {
	t := store.Transition{
		AttemptID:     a.ID,
		Event:         ev.Type,
		At:            at,
		ContactID:     a.ContactID,
		AttemptNumber: a.AttemptNumber,
		Metadata:      map[string]any{},
	}
	if ev.OutcomeHint != "" {
		t.Metadata[calls.MetaProviderRawStatus] = ev.OutcomeHint
	}
	if ev.DurationSeconds != nil {
		t.Metadata[calls.MetaDurationSeconds] = *ev.DurationSeconds
	}
	if ev.ErrorMessage != "" {
		t.Metadata[calls.MetaErrorMessage] = ev.ErrorMessage
	}

	switch ev.Type {
	case calls.EventAnswered:
		t.AnsweredAt = &at
	case calls.EventCompleted:
		t.Outcome = calls.OutcomeCompleted
		t.EndedAt = &at
		t.ContactState = contacts.StateCompleted
	case calls.EventRefused:
		t.Outcome = calls.OutcomeRefused
		t.EndedAt = &at
		t.ContactState = contacts.StateRefused
	case calls.EventNoAnswer, calls.EventBusy, calls.EventFailed:
		t.Outcome, _ = ev.Type.Outcome()
		t.EndedAt = &at
		t.ErrorCode = ev.ErrorCode
		t.ContactState = contacts.StateNotReached
	}
	return t
}
