package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelcall/kestrel/pkg/models"
)

const callColumns = `id, campaign_id, contact_id, contact_name, direction, state,
	from_number, to_number, answered_by, terminated_by, conversation_id,
	duration_sec, created_at, answered_at, ended_at, updated_at`

func scanCall(row interface{ Scan(...any) error }) (*models.Call, error) {
	var (
		c            models.Call
		campaignID   sql.NullString
		contactID    sql.NullString
		answeredBy   sql.NullString
		terminatedBy sql.NullString
		convID       sql.NullString
		answeredAt   sql.NullTime
		endedAt      sql.NullTime
	)
	err := row.Scan(
		&c.ID, &campaignID, &contactID, &c.ContactName, &c.Direction, &c.State,
		&c.From, &c.To, &answeredBy, &terminatedBy, &convID,
		&c.DurationSec, &c.CreatedAt, &answeredAt, &endedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CampaignID = stringOrEmpty(campaignID)
	c.ContactID = stringOrEmpty(contactID)
	c.AnsweredBy = models.AnsweredBy(stringOrEmpty(answeredBy))
	c.TerminatedBy = models.TerminationTag(stringOrEmpty(terminatedBy))
	c.ConversationID = stringOrEmpty(convID)
	c.AnsweredAt = timePtr(answeredAt)
	c.EndedAt = timePtr(endedAt)
	return &c, nil
}

// CreateCall records a freshly placed call. Idempotent on the provider sid.
func (s *Store) CreateCall(ctx context.Context, nc models.NewCall) (*models.Call, error) {
	var call *models.Call
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO calls (id, campaign_id, contact_id, contact_name, direction, state, from_number, to_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET updated_at = now()
			RETURNING `+callColumns,
			nc.ID, nullIfEmpty(nc.CampaignID), nullIfEmpty(nc.ContactID), nc.ContactName,
			nc.Direction, nc.State, nc.From, nc.To)
		var err error
		call, err = scanCall(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create call: %w", err)
	}
	return call, nil
}

// GetCall returns one call or ErrNotFound.
func (s *Store) GetCall(ctx context.Context, id string) (*models.Call, error) {
	var call *models.Call
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
		var err error
		call, err = scanCall(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// GetCallByConversationID resolves the call the AI provider's post-call
// webhook refers to. The conversation id is attached when the bridge
// session activates, so calls that never bridged are not resolvable.
func (s *Store) GetCallByConversationID(ctx context.Context, conversationID string) (*models.Call, error) {
	var call *models.Call
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+callColumns+` FROM calls WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`,
			conversationID)
		var err error
		call, err = scanCall(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call by conversation: %w", err)
	}
	return call, nil
}

// UpdateCallState applies a provider status transition. Terminal states are
// sinks: a transition attempt out of one is ignored and reported via the
// returned flag so callers can log the late signal instead.
// durationSec <= 0 leaves the stored duration unchanged.
func (s *Store) UpdateCallState(ctx context.Context, id string, state models.CallState, durationSec int) (bool, error) {
	var applied bool
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE calls SET
				state = $2,
				duration_sec = CASE WHEN $3 > 0 THEN $3 ELSE duration_sec END,
				answered_at = CASE WHEN $2 = 'in-progress' AND answered_at IS NULL THEN now() ELSE answered_at END,
				ended_at = CASE WHEN $2 IN `+terminalStates+` AND ended_at IS NULL THEN now() ELSE ended_at END,
				updated_at = now()
			WHERE id = $1 AND state NOT IN `+terminalStates,
			id, state, durationSec)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update call state: %w", err)
	}
	return applied, nil
}

// SetCallDuration backfills the measured duration when the terminal
// webhook arrives after an API teardown already moved the row. Existing
// non-zero durations are never overwritten.
func (s *Store) SetCallDuration(ctx context.Context, id string, durationSec int) error {
	if durationSec <= 0 {
		return nil
	}
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE calls SET duration_sec = $2, updated_at = now() WHERE id = $1 AND duration_sec = 0`,
			id, durationSec)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set call duration: %w", err)
	}
	return nil
}

// SetAnsweredBy records the provider's answering-machine classification.
func (s *Store) SetAnsweredBy(ctx context.Context, id string, answeredBy models.AnsweredBy) error {
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE calls SET answered_by = $2, updated_at = now() WHERE id = $1`,
			id, string(answeredBy))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set answered_by: %w", err)
	}
	return nil
}

// SetConversationID attaches the AI provider's conversation id. Allowed
// after terminal states (post-mortem field).
func (s *Store) SetConversationID(ctx context.Context, id, conversationID string) error {
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE calls SET conversation_id = $2, updated_at = now() WHERE id = $1`,
			id, conversationID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set conversation id: %w", err)
	}
	return nil
}

// TerminationWriteMode controls which existing terminated_by values a write
// may replace. The arbiter owns the choice; the store only enforces it.
type TerminationWriteMode int

const (
	// WriteIfMissing only fills a NULL terminated_by.
	WriteIfMissing TerminationWriteMode = iota
	// WriteFillUnknown fills NULL or replaces the unknown fallback.
	WriteFillUnknown
	// WriteForce replaces any value. Reserved for api_request dominance.
	WriteForce
)

// SetTerminatedBy writes the termination attribution under the given mode
// and reports whether the write landed.
func (s *Store) SetTerminatedBy(ctx context.Context, id string, tag models.TerminationTag, mode TerminationWriteMode) (bool, error) {
	var (
		query string
		args  []any
	)
	switch mode {
	case WriteForce:
		query = `UPDATE calls SET terminated_by = $2, updated_at = now() WHERE id = $1`
		args = []any{id, string(tag)}
	case WriteFillUnknown:
		query = `UPDATE calls SET terminated_by = $2, updated_at = now()
			WHERE id = $1 AND (terminated_by IS NULL OR terminated_by = 'unknown')`
		args = []any{id, string(tag)}
	default:
		query = `UPDATE calls SET terminated_by = $2, updated_at = now()
			WHERE id = $1 AND terminated_by IS NULL`
		args = []any{id, string(tag)}
	}

	var applied bool
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to set terminated_by: %w", err)
	}
	return applied, nil
}

// ListCalls returns calls matching the filters, newest first.
func (s *Store) ListCalls(ctx context.Context, f models.CallFilters) ([]*models.Call, int, error) {
	where := "TRUE"
	args := []any{}
	n := 0
	add := func(cond string, v any) {
		n++
		where += fmt.Sprintf(" AND %s = $%d", cond, n)
		args = append(args, v)
	}
	if f.CampaignID != "" {
		add("campaign_id", f.CampaignID)
	}
	if f.ContactID != "" {
		add("contact_id", f.ContactID)
	}
	if f.State != "" {
		add("state", string(f.State))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		calls []*models.Call
		total int
	)
	err := withRetry(ctx, func() error {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM calls WHERE `+where, args...).Scan(&total); err != nil {
			return err
		}

		query := fmt.Sprintf(`SELECT %s FROM calls WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			callColumns, where, n+1, n+2)
		rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		calls = calls[:0]
		for rows.Next() {
			c, err := scanCall(rows)
			if err != nil {
				return err
			}
			calls = append(calls, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list calls: %w", err)
	}
	return calls, total, nil
}

// ListActiveCalls returns every call in a non-terminal state, oldest first.
// Feeds the call.updates hub snapshot.
func (s *Store) ListActiveCalls(ctx context.Context) ([]*models.Call, error) {
	var calls []*models.Call
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+callColumns+` FROM calls WHERE state NOT IN `+terminalStates+` ORDER BY created_at ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		calls = calls[:0]
		for rows.Next() {
			c, err := scanCall(rows)
			if err != nil {
				return err
			}
			calls = append(calls, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active calls: %w", err)
	}
	return calls, nil
}

// CountActiveCallsByCampaign counts non-terminal calls for the campaign.
// Used at engine restore to rebuild the in-flight set bound.
func (s *Store) CountActiveCallsByCampaign(ctx context.Context, campaignID string) (int, []*models.Call, error) {
	var calls []*models.Call
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+callColumns+` FROM calls WHERE campaign_id = $1 AND state NOT IN `+terminalStates+` ORDER BY created_at ASC`,
			campaignID)
		if err != nil {
			return err
		}
		defer rows.Close()

		calls = calls[:0]
		for rows.Next() {
			c, err := scanCall(rows)
			if err != nil {
				return err
			}
			calls = append(calls, c)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count active campaign calls: %w", err)
	}
	return len(calls), calls, nil
}

// ListStaleActiveCalls returns non-terminal calls created before the cutoff.
// The sweeper finalizes these as system-terminated leftovers of a crash.
func (s *Store) ListStaleActiveCalls(ctx context.Context, cutoff time.Time) ([]*models.Call, error) {
	var calls []*models.Call
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+callColumns+` FROM calls WHERE state NOT IN `+terminalStates+` AND created_at < $1 ORDER BY created_at ASC`,
			cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()

		calls = calls[:0]
		for rows.Next() {
			c, err := scanCall(rows)
			if err != nil {
				return err
			}
			calls = append(calls, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale calls: %w", err)
	}
	return calls, nil
}
