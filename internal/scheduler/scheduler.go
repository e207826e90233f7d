// Package scheduler selects eligible contacts for running campaigns and
// dispatches outbound calls within the global concurrency cap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voice-survey/internal/calls"
	"voice-survey/internal/campaigns"
	"voice-survey/internal/contacts"
	"voice-survey/internal/store"
	"voice-survey/internal/telemetry"
	"voice-survey/internal/telephony"

	"github.com/google/uuid"
)

type Config struct {
	// MaxConcurrentCalls is the system-wide cap on open attempts.
	MaxConcurrentCalls int
	// BatchSize caps the contacts taken from one campaign per tick.
	BatchSize       int
	ProviderTimeout time.Duration

	FromNumber string
	// CallbackURL is where the provider posts status events.
	CallbackURL string
}

const (
	skipOutsideWindow = "outside_window"
	skipInvalidWindow = "invalid_window"
	skipNoCapacity    = "no_capacity"
)

// Scheduler runs scheduling ticks. It must not run concurrently with itself;
// Runner enforces that with a lease.
type Scheduler struct {
	campaigns store.CampaignStore
	contacts  store.ContactStore
	attempts  store.CallAttemptStore
	provider  telephony.TelephonyProvider
	cfg       Config
	log       *slog.Logger

	newCallID func() string
}

func New(campaignStore store.CampaignStore, contactStore store.ContactStore, attempts store.CallAttemptStore, provider telephony.TelephonyProvider, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Scheduler{
		campaigns: campaignStore,
		contacts:  contactStore,
		attempts:  attempts,
		provider:  provider,
		cfg:       cfg,
		log:       log.With("component", "scheduler"),
		newCallID: uuid.NewString,
	}
}

// tick carries the state of one RunOnce invocation.
type tick struct {
	now        time.Time
	capacity   int
	dispatched int
	failed     int
	skipped    map[string]int
}

// RunOnce runs one scheduling tick at now and returns the number of calls the
// provider accepted. Business conditions (outside window, no capacity, provider
// rejection) are not errors; only persistence failures abort the tick.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	telemetry.SchedulerTicks.Inc()
	n, err := s.runOnce(ctx, now)
	if err != nil {
		telemetry.SchedulerTickFailures.Inc()
	}
	return n, err
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) (int, error) {
	running, err := s.campaigns.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list running campaigns: %w", err)
	}
	if len(running) == 0 {
		return 0, nil
	}

	open, err := s.attempts.CountOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: count open attempts: %w", err)
	}
	telemetry.OpenAttemptsGauge.Set(float64(open))

	t := &tick{
		now:      now,
		capacity: s.cfg.MaxConcurrentCalls - open,
		skipped:  map[string]int{},
	}

	for _, c := range running {
		if err := s.runCampaign(ctx, t, c); err != nil {
			s.log.Error("tick aborted", "campaign_id", c.ID, "dispatched", t.dispatched, "error", err)
			return t.dispatched, err
		}
	}

	s.log.Info("tick finished",
		"campaigns", len(running),
		"open_attempts", open,
		"dispatched", t.dispatched,
		"dispatch_failures", t.failed,
		"skipped", t.skipped,
	)
	return t.dispatched, nil
}

func (s *Scheduler) runCampaign(ctx context.Context, t *tick, c campaigns.Campaign) error {
	log := s.log.With("campaign_id", c.ID)

	window, err := c.Window()
	if err != nil {
		s.skip(t, skipInvalidWindow)
		log.Warn("campaign skipped", "reason", skipInvalidWindow, "error", err)
		return nil
	}
	if !window.Contains(t.now) {
		s.skip(t, skipOutsideWindow)
		log.Debug("campaign skipped", "reason", skipOutsideWindow)
		return nil
	}
	if t.capacity <= 0 {
		s.skip(t, skipNoCapacity)
		log.Debug("campaign skipped", "reason", skipNoCapacity)
		return nil
	}

	eligible, err := s.contacts.ListEligible(ctx, store.EligibleQuery{
		CampaignID:    c.ID,
		MaxAttempts:   c.MaxAttempts,
		RetryInterval: c.RetryInterval(),
		Now:           t.now,
		Limit:         min(s.cfg.BatchSize, t.capacity),
	})
	if err != nil {
		return fmt.Errorf("scheduler: list eligible contacts for %s: %w", c.ID, err)
	}

	for _, contact := range eligible {
		if t.capacity <= 0 {
			break
		}
		// Stores filter already; re-check against the same policy in case a
		// store implementation is looser.
		if !contact.Eligible(t.now, c.MaxAttempts, c.RetryInterval()) {
			continue
		}
		// Stop before the next provider call once the driver gave up the tick.
		if ctx.Err() != nil {
			return fmt.Errorf("scheduler: tick interrupted: %w", context.Cause(ctx))
		}
		ok, err := s.dispatch(ctx, t, c, contact)
		if err != nil {
			return err
		}
		if ok {
			t.dispatched++
			t.capacity--
		}
	}
	return nil
}

func (s *Scheduler) skip(t *tick, reason string) {
	t.skipped[reason]++
	telemetry.CampaignsSkipped.WithLabelValues(reason).Inc()
}

// dispatch creates the attempt, claims the contact, then calls the provider.
// The attempt row is durable before the provider sees the call. ok is false
// when the contact was skipped or the provider rejected the call.
func (s *Scheduler) dispatch(ctx context.Context, t *tick, c campaigns.Campaign, contact contacts.Contact) (ok bool, err error) {
	log := s.log.With("campaign_id", c.ID, "contact_id", contact.ID)
	attemptNumber := contact.AttemptsCount + 1

	attempt, err := s.attempts.Create(ctx, store.NewAttempt{
		CallID:        s.newCallID(),
		ContactID:     contact.ID,
		CampaignID:    c.ID,
		AttemptNumber: attemptNumber,
		StartedAt:     t.now,
	})
	if errors.Is(err, store.ErrAttemptExists) {
		log.Warn("attempt already exists, skipping contact", "attempt_number", attemptNumber)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scheduler: create attempt for %s: %w", contact.ID, err)
	}
	log = log.With("call_id", attempt.CallID, "attempt_number", attemptNumber)

	err = s.contacts.MarkInProgress(ctx, store.Claim{
		ContactID:     contact.ID,
		FromState:     contact.State,
		FromAttempts:  contact.AttemptsCount,
		AttemptNumber: attemptNumber,
		At:            t.now,
	})
	if errors.Is(err, store.ErrContactConflict) || errors.Is(err, store.ErrNotFound) {
		// The contact changed under us; close the attempt so it does not hold capacity.
		log.Warn("contact changed before dispatch", "error", err)
		if ferr := s.attempts.MarkDispatchFailed(ctx, attempt.CallID, store.DispatchFailure{
			Code:    calls.ErrorCodeContactConflict,
			Message: err.Error(),
			At:      t.now,
		}); ferr != nil {
			return false, fmt.Errorf("scheduler: close conflicted attempt %s: %w", attempt.CallID, ferr)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scheduler: mark %s in progress: %w", contact.ID, err)
	}

	resp, callErr := s.initiate(ctx, c, contact, attempt)
	if callErr != nil {
		t.failed++
		// The claim is already persisted; undo it even if the tick was cancelled.
		return false, s.rollback(context.WithoutCancel(ctx), log, contact, attempt, callErr)
	}

	if err := s.attempts.SetProviderCallID(ctx, attempt.CallID, resp.ProviderCallID, resp.Status); err != nil {
		// The provider accepted the call; the webhook can still correlate by call_id.
		log.Error("record provider call id failed", "provider_call_id", resp.ProviderCallID, "error", err)
	}
	telemetry.CallsDispatched.Inc()
	log.Info("call dispatched", "provider_call_id", resp.ProviderCallID, "provider_status", resp.Status)
	return true, nil
}

func (s *Scheduler) initiate(ctx context.Context, c campaigns.Campaign, contact contacts.Contact, a calls.Attempt) (telephony.CallResponse, error) {
	callCtx := ctx
	if s.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.ProviderTimeout)
		defer cancel()
	}

	language := contact.PreferredLanguage
	if language == "" {
		language = c.Language
	}
	return s.provider.InitiateCall(callCtx, telephony.CallRequest{
		To:          contact.PhoneNumber,
		From:        s.cfg.FromNumber,
		CallbackURL: s.cfg.CallbackURL,
		CallID:      a.CallID,
		CampaignID:  c.ID,
		ContactID:   contact.ID,
		Language:    language,
		Metadata: map[string]string{
			"attempt_number": fmt.Sprint(a.AttemptNumber),
		},
	})
}

// rollback restores the contact's pre-dispatch snapshot and closes the attempt
// as a failed-to-dispatch record.
func (s *Scheduler) rollback(ctx context.Context, log *slog.Logger, contact contacts.Contact, a calls.Attempt, callErr error) error {
	ie := telephony.AsInitiationError(callErr)
	telemetry.DispatchFailures.WithLabelValues(ie.Code).Inc()
	log.Warn("dispatch failed, rolling back contact", "code", ie.Code, "error", callErr)

	err := s.contacts.Revert(ctx, store.Revert{
		ContactID:     contact.ID,
		AttemptNumber: a.AttemptNumber,
		State:         contact.State,
		AttemptsCount: contact.AttemptsCount,
		LastAttemptAt: contact.LastAttemptAt,
	})
	switch {
	case errors.Is(err, store.ErrContactConflict):
		// A webhook already moved the contact on; leave it.
		log.Warn("contact moved before rollback", "error", err)
	case err != nil:
		return fmt.Errorf("scheduler: revert contact %s: %w", contact.ID, err)
	}

	if err := s.attempts.MarkDispatchFailed(ctx, a.CallID, store.DispatchFailure{
		Code:    ie.Code,
		Message: ie.Message,
		At:      a.StartedAt,
	}); err != nil {
		return fmt.Errorf("scheduler: record dispatch failure %s: %w", a.CallID, err)
	}
	return nil
}
