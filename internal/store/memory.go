package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"voice-survey/internal/calls"
	"voice-survey/internal/campaigns"
	"voice-survey/internal/contacts"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store useful for tests and local runs.
// A single mutex covers all three tables, so every method is atomic.
// It is not intended for production use.
type MemoryStore struct {
	mu sync.Mutex

	campaigns map[string]campaigns.Campaign
	contacts  map[string]contacts.Contact
	attempts  map[string]calls.Attempt // key: attempt id

	// Fault, when set, is consulted at the start of every operation and
	// its error returned as-is. Tests use it to simulate persistence failures.
	Fault func(op string) error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[string]campaigns.Campaign{},
		contacts:  map[string]contacts.Contact{},
		attempts:  map[string]calls.Attempt{},
	}
}

func (s *MemoryStore) PutCampaign(c campaigns.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *MemoryStore) PutContact(c contacts.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

// Contact returns a contact snapshot.
func (s *MemoryStore) Contact(id string) (contacts.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	return c, ok
}

// Attempts returns all attempts for a contact ordered by attempt number.
func (s *MemoryStore) Attempts(contactID string) []calls.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Attempt, 0)
	for _, a := range s.attempts {
		if a.ContactID == contactID {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

func (s *MemoryStore) fault(op string) error {
	if s.Fault == nil {
		return nil
	}
	return s.Fault(op)
}

/* ===================== CAMPAIGNS ===================== */

func (s *MemoryStore) ListRunning(ctx context.Context) ([]campaigns.Campaign, error) {
	if err := s.fault("list_running"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]campaigns.Campaign, 0)
	for _, c := range s.campaigns {
		if c.Status == campaigns.StatusRunning {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (campaigns.Campaign, error) {
	if err := s.fault("get_campaign"); err != nil {
		return campaigns.Campaign{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaigns.Campaign{}, ErrNotFound
	}
	return c, nil
}

/* ===================== CONTACTS ===================== */

func (s *MemoryStore) ListEligible(ctx context.Context, q EligibleQuery) ([]contacts.Contact, error) {
	if err := s.fault("list_eligible"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contacts.Contact, 0)
	for _, c := range s.contacts {
		if c.CampaignID != q.CampaignID {
			continue
		}
		if !c.Eligible(q.Now, q.MaxAttempts, q.RetryInterval) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkInProgress(ctx context.Context, cl Claim) error {
	if err := s.fault("mark_in_progress"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[cl.ContactID]
	if !ok {
		return ErrNotFound
	}
	if c.DoNotCall || c.State != cl.FromState || c.AttemptsCount != cl.FromAttempts {
		return ErrContactConflict
	}
	at := cl.At
	c.State = contacts.StateInProgress
	c.AttemptsCount = cl.AttemptNumber
	c.LastAttemptAt = &at
	c.UpdatedAt = cl.At
	s.contacts[c.ID] = c
	return nil
}

func (s *MemoryStore) Revert(ctx context.Context, r Revert) error {
	if err := s.fault("revert"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[r.ContactID]
	if !ok {
		return ErrNotFound
	}
	if c.State != contacts.StateInProgress || c.AttemptsCount != r.AttemptNumber {
		return ErrContactConflict
	}
	c.State = r.State
	c.AttemptsCount = r.AttemptsCount
	c.LastAttemptAt = r.LastAttemptAt
	s.contacts[c.ID] = c
	return nil
}

/* ===================== ATTEMPTS ===================== */

func (s *MemoryStore) Create(ctx context.Context, n NewAttempt) (calls.Attempt, error) {
	if err := s.fault("create_attempt"); err != nil {
		return calls.Attempt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range s.attempts {
		if a.ContactID != n.ContactID || a.AttemptNumber != n.AttemptNumber {
			continue
		}
		if !a.Rearmable() {
			return calls.Attempt{}, ErrAttemptExists
		}
		a = rearm(a, n)
		s.attempts[id] = a
		return cloneAttempt(a), nil
	}

	a := calls.Attempt{
		ID:            uuid.NewString(),
		CallID:        n.CallID,
		ContactID:     n.ContactID,
		CampaignID:    n.CampaignID,
		AttemptNumber: n.AttemptNumber,
		StartedAt:     n.StartedAt,
		AppliedEvents: []calls.EventType{},
		Metadata:      map[string]any{},
		CreatedAt:     n.StartedAt,
		UpdatedAt:     n.StartedAt,
	}
	s.attempts[a.ID] = a
	return cloneAttempt(a), nil
}

func (s *MemoryStore) SetProviderCallID(ctx context.Context, callID, providerCallID, rawStatus string) error {
	if err := s.fault("set_provider_call_id"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.findByCallID(callID)
	if !ok {
		return ErrNotFound
	}
	a.ProviderCallID = providerCallID
	if rawStatus != "" {
		a.Metadata[calls.MetaProviderRawStatus] = rawStatus
	}
	s.attempts[a.ID] = a
	return nil
}

func (s *MemoryStore) MarkDispatchFailed(ctx context.Context, callID string, f DispatchFailure) error {
	if err := s.fault("mark_dispatch_failed"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.findByCallID(callID)
	if !ok {
		return ErrNotFound
	}
	if !a.Open() {
		return nil
	}
	at := f.At
	a.Outcome = calls.OutcomeFailed
	a.EndedAt = &at
	a.ErrorCode = f.Code
	a.Metadata[calls.MetaDispatchError] = map[string]any{"code": f.Code, "message": f.Message}
	a.UpdatedAt = f.At
	s.attempts[a.ID] = a
	return nil
}

func (s *MemoryStore) GetByCallID(ctx context.Context, callID string) (calls.Attempt, error) {
	if err := s.fault("get_by_call_id"); err != nil {
		return calls.Attempt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.findByCallID(callID)
	if !ok {
		return calls.Attempt{}, ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (s *MemoryStore) GetByProviderCallID(ctx context.Context, providerCallID string) (calls.Attempt, error) {
	if err := s.fault("get_by_provider_call_id"); err != nil {
		return calls.Attempt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if providerCallID != "" && a.ProviderCallID == providerCallID {
			return cloneAttempt(a), nil
		}
	}
	return calls.Attempt{}, ErrNotFound
}

func (s *MemoryStore) ApplyEvent(ctx context.Context, t Transition) (ApplyResult, error) {
	if err := s.fault("apply_event"); err != nil {
		return ApplyResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[t.AttemptID]
	if !ok {
		return ApplyResult{}, ErrNotFound
	}
	if a.IsDuplicate(t.Event) {
		return ApplyResult{}, ErrEventAlreadyApplied
	}

	if t.AnsweredAt != nil && a.AnsweredAt == nil {
		v := *t.AnsweredAt
		a.AnsweredAt = &v
	}
	if t.Outcome != calls.OutcomeNone {
		a.Outcome = t.Outcome
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		a.EndedAt = &v
	}
	if t.ErrorCode != "" {
		a.ErrorCode = t.ErrorCode
	}
	maps.Copy(a.Metadata, t.Metadata)
	a.AppliedEvents = append(a.AppliedEvents, t.Event)
	a.UpdatedAt = t.At
	s.attempts[a.ID] = a

	res := ApplyResult{Attempt: cloneAttempt(a)}
	c, ok := s.contacts[t.ContactID]
	if !ok {
		return res, nil
	}
	if contactTransitionAllowed(c, t) {
		c.State = t.ContactState
		c.UpdatedAt = t.At
		s.contacts[c.ID] = c
		res.ContactUpdated = true
	}
	res.Contact = c
	return res, nil
}

func (s *MemoryStore) CountOpen(ctx context.Context) (int, error) {
	if err := s.fault("count_open"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.Open() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RequeueStale(ctx context.Context, now time.Time, staleAfter time.Duration) (RequeueResult, error) {
	if err := s.fault("requeue_stale"); err != nil {
		return RequeueResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-staleAfter)
	var res RequeueResult
	open := map[string]bool{}

	for id, a := range s.attempts {
		if !a.Open() {
			continue
		}
		if !a.StartedAt.Before(cutoff) {
			open[a.ContactID] = true
			continue
		}
		ended := now
		a.Outcome = calls.OutcomeFailed
		a.EndedAt = &ended
		a.ErrorCode = calls.ErrorCodeStaleAttempt
		a.UpdatedAt = now
		s.attempts[id] = a
		res.AttemptsClosed++

		c, ok := s.contacts[a.ContactID]
		if ok && c.State == contacts.StateInProgress && c.AttemptsCount == a.AttemptNumber {
			c.State = contacts.StateNotReached
			c.UpdatedAt = now
			s.contacts[c.ID] = c
			res.ContactsRequeued++
		}
	}

	for id, c := range s.contacts {
		if c.State != contacts.StateInProgress || open[id] {
			continue
		}
		if c.LastAttemptAt != nil && !c.LastAttemptAt.Before(cutoff) {
			continue
		}
		c.State = contacts.StateNotReached
		c.UpdatedAt = now
		s.contacts[id] = c
		res.ContactsRequeued++
	}
	return res, nil
}

func (s *MemoryStore) findByCallID(callID string) (calls.Attempt, bool) {
	for _, a := range s.attempts {
		if a.CallID == callID {
			return a, true
		}
	}
	return calls.Attempt{}, false
}

func rearm(a calls.Attempt, n NewAttempt) calls.Attempt {
	prev, _ := a.Metadata[calls.MetaPreviousDispatches].([]any)
	prev = append(prev, map[string]any{
		"call_id":    a.CallID,
		"error_code": a.ErrorCode,
		"started_at": a.StartedAt,
	})
	a.Metadata = map[string]any{calls.MetaPreviousDispatches: prev}
	a.CallID = n.CallID
	a.StartedAt = n.StartedAt
	a.Outcome = calls.OutcomeNone
	a.EndedAt = nil
	a.AnsweredAt = nil
	a.ErrorCode = ""
	a.AppliedEvents = []calls.EventType{}
	a.UpdatedAt = n.StartedAt
	return a
}

func cloneAttempt(a calls.Attempt) calls.Attempt {
	a.AppliedEvents = slices.Clone(a.AppliedEvents)
	a.Metadata = maps.Clone(a.Metadata)
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	return a
}
