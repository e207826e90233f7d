package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-survey/internal/calls"
	"voice-survey/internal/campaigns"
	"voice-survey/internal/contacts"
	"voice-survey/pkg/utils"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore implements Store on database/sql with the pgx stdlib driver.
//
// Concurrency rules:
// - ledger checks are part of the UPDATE ... WHERE clause, never a prior read
// - multi-row changes run inside utils.WithTx with row locks (FOR UPDATE)
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	campaignColumns = `id, name, status, max_attempts, retry_interval_minutes,
		to_char(allowed_call_start_local, 'HH24:MI:SS'), to_char(allowed_call_end_local, 'HH24:MI:SS'),
		timezone, language, created_at, updated_at`

	contactColumns = `id, campaign_id, phone_number, state, attempts_count, last_attempt_at,
		do_not_call, preferred_language, created_at, updated_at`

	attemptColumns = `id, call_id, provider_call_id, contact_id, campaign_id, attempt_number,
		started_at, answered_at, ended_at, outcome, error_code, applied_event_types, metadata,
		created_at, updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

/* ===================== CAMPAIGNS ===================== */

func (s *PostgresStore) ListRunning(ctx context.Context) ([]campaigns.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY id`,
		string(campaigns.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("store: list running campaigns: %w", err)
	}
	defer rows.Close()

	out := make([]campaigns.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list running campaigns: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (campaigns.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaigns.Campaign{}, ErrNotFound
	}
	if err != nil {
		return campaigns.Campaign{}, fmt.Errorf("store: get campaign: %w", err)
	}
	return c, nil
}

func scanCampaign(r rowScanner) (campaigns.Campaign, error) {
	var (
		c          campaigns.Campaign
		status     string
		start, end sql.NullString
	)
	if err := r.Scan(&c.ID, &c.Name, &status, &c.MaxAttempts, &c.RetryIntervalMinutes,
		&start, &end, &c.Timezone, &c.Language, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return campaigns.Campaign{}, err
	}
	c.Status = campaigns.Status(status)
	if start.Valid {
		t, err := campaigns.ParseTimeOfDay(start.String)
		if err != nil {
			return campaigns.Campaign{}, err
		}
		c.AllowedCallStart = &t
	}
	if end.Valid {
		t, err := campaigns.ParseTimeOfDay(end.String)
		if err != nil {
			return campaigns.Campaign{}, err
		}
		c.AllowedCallEnd = &t
	}
	return c, nil
}

/* ===================== CONTACTS ===================== */

func (s *PostgresStore) ListEligible(ctx context.Context, q EligibleQuery) ([]contacts.Contact, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE campaign_id = $1
		  AND do_not_call = false
		  AND state IN ($2, $3)
		  AND attempts_count < $4
		  AND (attempts_count = 0 OR last_attempt_at IS NULL OR last_attempt_at <= $5)
		ORDER BY id ASC
		LIMIT $6`,
		q.CampaignID, string(contacts.StatePending), string(contacts.StateNotReached),
		q.MaxAttempts, q.Now.Add(-q.RetryInterval), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list eligible contacts: %w", err)
	}
	defer rows.Close()

	out := make([]contacts.Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan contact: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list eligible contacts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkInProgress(ctx context.Context, cl Claim) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET state = $1, attempts_count = $2, last_attempt_at = $3, updated_at = $3
		WHERE id = $4 AND state = $5 AND attempts_count = $6 AND do_not_call = false`,
		string(contacts.StateInProgress), cl.AttemptNumber, cl.At,
		cl.ContactID, string(cl.FromState), cl.FromAttempts)
	if err != nil {
		return fmt.Errorf("store: mark contact in progress: %w", err)
	}
	return s.contactRowsAffected(ctx, res, cl.ContactID)
}

func (s *PostgresStore) Revert(ctx context.Context, r Revert) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET state = $1, attempts_count = $2, last_attempt_at = $3
		WHERE id = $4 AND state = $5 AND attempts_count = $6`,
		string(r.State), r.AttemptsCount, nullTime(r.LastAttemptAt),
		r.ContactID, string(contacts.StateInProgress), r.AttemptNumber)
	if err != nil {
		return fmt.Errorf("store: revert contact: %w", err)
	}
	return s.contactRowsAffected(ctx, res, r.ContactID)
}

// contactRowsAffected distinguishes a missing contact from a failed condition.
func (s *PostgresStore) contactRowsAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM contacts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("store: contact exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrContactConflict
}

func scanContact(r rowScanner) (contacts.Contact, error) {
	var (
		c     contacts.Contact
		state string
		last  sql.NullTime
	)
	if err := r.Scan(&c.ID, &c.CampaignID, &c.PhoneNumber, &state, &c.AttemptsCount, &last,
		&c.DoNotCall, &c.PreferredLanguage, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return contacts.Contact{}, err
	}
	c.State = contacts.State(state)
	if last.Valid {
		t := last.Time
		c.LastAttemptAt = &t
	}
	return c, nil
}

/* ===================== ATTEMPTS ===================== */

func (s *PostgresStore) Create(ctx context.Context, n NewAttempt) (calls.Attempt, error) {
	var out calls.Attempt
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := scanAttempt(tx.QueryRowContext(ctx,
			`SELECT `+attemptColumns+` FROM call_attempts WHERE contact_id = $1 AND attempt_number = $2 FOR UPDATE`,
			n.ContactID, n.AttemptNumber))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out, err = scanAttempt(tx.QueryRowContext(ctx, `
				INSERT INTO call_attempts (id, call_id, contact_id, campaign_id, attempt_number, started_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
				RETURNING `+attemptColumns,
				uuid.NewString(), n.CallID, n.ContactID, n.CampaignID, n.AttemptNumber, n.StartedAt))
			return err
		case err != nil:
			return err
		case !existing.Rearmable():
			return ErrAttemptExists
		}

		out, err = scanAttempt(tx.QueryRowContext(ctx, `
			UPDATE call_attempts
			SET metadata = jsonb_build_object('previous_dispatches',
			        COALESCE(metadata->'previous_dispatches', '[]'::jsonb) ||
			        jsonb_build_array(jsonb_build_object('call_id', call_id, 'error_code', error_code, 'started_at', started_at))),
			    call_id = $2,
			    started_at = $3,
			    outcome = NULL,
			    ended_at = NULL,
			    answered_at = NULL,
			    error_code = NULL,
			    applied_event_types = '[]'::jsonb,
			    updated_at = $3
			WHERE id = $1
			RETURNING `+attemptColumns,
			existing.ID, n.CallID, n.StartedAt))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAttemptExists) || isUniqueViolation(err) {
			return calls.Attempt{}, ErrAttemptExists
		}
		return calls.Attempt{}, fmt.Errorf("store: create attempt: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetProviderCallID(ctx context.Context, callID, providerCallID, rawStatus string) error {
	m := map[string]any{}
	if rawStatus != "" {
		m[calls.MetaProviderRawStatus] = rawStatus
	}
	meta, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_attempts
		SET provider_call_id = $2, metadata = metadata || $3::jsonb, updated_at = now()
		WHERE call_id = $1`,
		callID, providerCallID, string(meta))
	if err != nil {
		return fmt.Errorf("store: set provider call id: %w", err)
	}
	return oneRow(res)
}

func (s *PostgresStore) MarkDispatchFailed(ctx context.Context, callID string, f DispatchFailure) error {
	meta, err := json.Marshal(map[string]any{calls.MetaDispatchError: map[string]any{"code": f.Code, "message": f.Message}})
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE call_attempts
		SET outcome = $2, ended_at = $3, error_code = $4, metadata = metadata || $5::jsonb, updated_at = $3
		WHERE call_id = $1 AND outcome IS NULL`,
		callID, string(calls.OutcomeFailed), f.At, f.Code, string(meta))
	if err != nil {
		return fmt.Errorf("store: mark dispatch failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByCallID(ctx context.Context, callID string) (calls.Attempt, error) {
	return s.getAttempt(ctx, `call_id = $1`, callID)
}

func (s *PostgresStore) GetByProviderCallID(ctx context.Context, providerCallID string) (calls.Attempt, error) {
	return s.getAttempt(ctx, `provider_call_id = $1`, providerCallID)
}

func (s *PostgresStore) getAttempt(ctx context.Context, where string, arg string) (calls.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM call_attempts WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Attempt{}, ErrNotFound
	}
	if err != nil {
		return calls.Attempt{}, fmt.Errorf("store: get attempt: %w", err)
	}
	return a, nil
}

// terminalEventsArray is calls.TerminalEvents as a SQL text[] literal.
var terminalEventsArray = func() string {
	quoted := make([]string, len(calls.TerminalEvents))
	for i, ev := range calls.TerminalEvents {
		quoted[i] = "'" + string(ev) + "'"
	}
	return "ARRAY[" + strings.Join(quoted, ",") + "]"
}()

func (s *PostgresStore) ApplyEvent(ctx context.Context, t Transition) (ApplyResult, error) {
	meta, err := json.Marshal(nonNilMap(t.Metadata))
	if err != nil {
		return ApplyResult{}, fmt.Errorf("store: encode metadata: %w", err)
	}

	var out ApplyResult
	err = utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		a, err := scanAttempt(tx.QueryRowContext(ctx, `
			UPDATE call_attempts
			SET answered_at = COALESCE(answered_at, $3),
			    outcome = COALESCE($4, outcome),
			    ended_at = COALESCE($5, ended_at),
			    error_code = COALESCE($6, error_code),
			    metadata = metadata || $7::jsonb,
			    applied_event_types = applied_event_types || jsonb_build_array($2::text),
			    updated_at = $8
			WHERE id = $1
			  AND NOT (applied_event_types @> jsonb_build_array($2::text))
			  AND NOT ($9::boolean AND applied_event_types ?| `+terminalEventsArray+`)
			RETURNING `+attemptColumns,
			t.AttemptID, string(t.Event), nullTime(t.AnsweredAt), nullString(string(t.Outcome)),
			nullTime(t.EndedAt), nullString(t.ErrorCode), string(meta), t.At, t.Event.Terminal()))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_attempts WHERE id = $1)`, t.AttemptID).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return ErrEventAlreadyApplied
			}
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out.Attempt = a

		c, err := scanContact(tx.QueryRowContext(ctx,
			`SELECT `+contactColumns+` FROM contacts WHERE id = $1 FOR UPDATE`, t.ContactID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if contactTransitionAllowed(c, t) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE contacts SET state = $2, updated_at = $3 WHERE id = $1`,
				c.ID, string(t.ContactState), t.At); err != nil {
				return err
			}
			c.State = t.ContactState
			c.UpdatedAt = t.At
			out.ContactUpdated = true
		}
		out.Contact = c
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEventAlreadyApplied) || errors.Is(err, ErrNotFound) {
			return ApplyResult{}, err
		}
		return ApplyResult{}, fmt.Errorf("store: apply event: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM call_attempts WHERE outcome IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count open attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RequeueStale(ctx context.Context, now time.Time, staleAfter time.Duration) (RequeueResult, error) {
	cutoff := now.Add(-staleAfter)
	var out RequeueResult

	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE call_attempts
			SET outcome = $1, ended_at = $2, error_code = $3, updated_at = $2
			WHERE outcome IS NULL AND started_at < $4
			RETURNING contact_id, attempt_number`,
			string(calls.OutcomeFailed), now, calls.ErrorCodeStaleAttempt, cutoff)
		if err != nil {
			return err
		}
		type staleRef struct {
			contactID string
			number    int
		}
		var stale []staleRef
		for rows.Next() {
			var r staleRef
			if err := rows.Scan(&r.contactID, &r.number); err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		out.AttemptsClosed = len(stale)

		for _, r := range stale {
			res, err := tx.ExecContext(ctx, `
				UPDATE contacts SET state = $1, updated_at = $2
				WHERE id = $3 AND state = $4 AND attempts_count = $5`,
				string(contacts.StateNotReached), now, r.contactID, string(contacts.StateInProgress), r.number)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			out.ContactsRequeued += int(n)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE contacts c SET state = $1, updated_at = $2
			WHERE c.state = $3
			  AND (c.last_attempt_at IS NULL OR c.last_attempt_at < $4)
			  AND NOT EXISTS (SELECT 1 FROM call_attempts a WHERE a.contact_id = c.id AND a.outcome IS NULL)`,
			string(contacts.StateNotReached), now, string(contacts.StateInProgress), cutoff)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		out.ContactsRequeued += int(n)
		return nil
	})
	if err != nil {
		return RequeueResult{}, fmt.Errorf("store: requeue stale: %w", err)
	}
	return out, nil
}

func scanAttempt(r rowScanner) (calls.Attempt, error) {
	var (
		a                                  calls.Attempt
		providerCallID, outcome, errorCode sql.NullString
		answeredAt, endedAt                sql.NullTime
		applied, meta                      []byte
	)
	if err := r.Scan(&a.ID, &a.CallID, &providerCallID, &a.ContactID, &a.CampaignID, &a.AttemptNumber,
		&a.StartedAt, &answeredAt, &endedAt, &outcome, &errorCode, &applied, &meta,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return calls.Attempt{}, err
	}
	a.ProviderCallID = providerCallID.String
	a.Outcome = calls.Outcome(outcome.String)
	a.ErrorCode = errorCode.String
	if answeredAt.Valid {
		t := answeredAt.Time
		a.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		a.EndedAt = &t
	}
	a.AppliedEvents = []calls.EventType{}
	if len(applied) > 0 {
		if err := json.Unmarshal(applied, &a.AppliedEvents); err != nil {
			return calls.Attempt{}, fmt.Errorf("decode applied_event_types: %w", err)
		}
	}
	a.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return calls.Attempt{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return a, nil
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
