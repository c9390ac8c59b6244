package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kestrelcall/kestrel/pkg/models"
)

const campaignColumns = `id, name, state,
	call_delay_ms, max_concurrent_calls, retry_count, retry_delay_ms,
	dialer_prompt, first_message, caller_id,
	total_contacts, calls_placed, calls_answered, calls_completed, calls_failed, avg_duration_sec,
	created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.State,
		&c.Settings.CallDelayMs, &c.Settings.MaxConcurrentCalls, &c.Settings.RetryCount, &c.Settings.RetryDelayMs,
		&c.Settings.DialerPrompt, &c.Settings.FirstMessage, &c.Settings.CallerID,
		&c.Stats.TotalContacts, &c.Stats.CallsPlaced, &c.Stats.CallsAnswered, &c.Stats.CallsCompleted, &c.Stats.CallsFailed, &c.Stats.AvgDurationSec,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCampaign inserts a draft campaign and returns it.
func (s *Store) CreateCampaign(ctx context.Context, req models.CreateCampaignRequest) (*models.Campaign, error) {
	id := uuid.NewString()
	var campaign *models.Campaign
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO campaigns (id, name, state,
				call_delay_ms, max_concurrent_calls, retry_count, retry_delay_ms,
				dialer_prompt, first_message, caller_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+campaignColumns,
			id, req.Name, models.CampaignDraft,
			req.Settings.CallDelayMs, req.Settings.MaxConcurrentCalls, req.Settings.RetryCount, req.Settings.RetryDelayMs,
			req.Settings.DialerPrompt, req.Settings.FirstMessage, req.Settings.CallerID,
		)
		var err error
		campaign, err = scanCampaign(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	return campaign, nil
}

// GetCampaign returns one campaign or ErrNotFound.
func (s *Store) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var campaign *models.Campaign
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
		var err error
		campaign, err = scanCampaign(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return campaign, nil
}

// ListCampaigns returns all campaigns, most recently created first.
func (s *Store) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	var campaigns []*models.Campaign
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		campaigns = campaigns[:0]
		for rows.Next() {
			c, err := scanCampaign(rows)
			if err != nil {
				return err
			}
			campaigns = append(campaigns, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, nil
}

// ListCampaignsByState returns campaigns in the given state; used at boot
// to rebuild engine runtime handles.
func (s *Store) ListCampaignsByState(ctx context.Context, state models.CampaignState) ([]*models.Campaign, error) {
	var campaigns []*models.Campaign
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+campaignColumns+` FROM campaigns WHERE state = $1 ORDER BY created_at ASC`, state)
		if err != nil {
			return err
		}
		defer rows.Close()

		campaigns = campaigns[:0]
		for rows.Next() {
			c, err := scanCampaign(rows)
			if err != nil {
				return err
			}
			campaigns = append(campaigns, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns by state: %w", err)
	}
	return campaigns, nil
}

// UpdateCampaign applies name/settings changes and returns the fresh row.
func (s *Store) UpdateCampaign(ctx context.Context, id string, req models.UpdateCampaignRequest) (*models.Campaign, error) {
	var campaign *models.Campaign
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE campaigns SET
				name = COALESCE($2, name),
				call_delay_ms = COALESCE($3, call_delay_ms),
				max_concurrent_calls = COALESCE($4, max_concurrent_calls),
				retry_count = COALESCE($5, retry_count),
				retry_delay_ms = COALESCE($6, retry_delay_ms),
				dialer_prompt = COALESCE($7, dialer_prompt),
				first_message = COALESCE($8, first_message),
				caller_id = COALESCE($9, caller_id),
				updated_at = now()
			WHERE id = $1
			RETURNING `+campaignColumns,
			id, req.Name,
			settingsField(req.Settings, func(s *models.CampaignSettings) int { return s.CallDelayMs }),
			settingsField(req.Settings, func(s *models.CampaignSettings) int { return s.MaxConcurrentCalls }),
			settingsField(req.Settings, func(s *models.CampaignSettings) int { return s.RetryCount }),
			settingsField(req.Settings, func(s *models.CampaignSettings) int { return s.RetryDelayMs }),
			settingsText(req.Settings, func(s *models.CampaignSettings) string { return s.DialerPrompt }),
			settingsText(req.Settings, func(s *models.CampaignSettings) string { return s.FirstMessage }),
			settingsText(req.Settings, func(s *models.CampaignSettings) string { return s.CallerID }),
		)
		var err error
		campaign, err = scanCampaign(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update campaign: %w", err)
	}
	return campaign, nil
}

func settingsField(s *models.CampaignSettings, get func(*models.CampaignSettings) int) *int {
	if s == nil {
		return nil
	}
	v := get(s)
	return &v
}

func settingsText(s *models.CampaignSettings, get func(*models.CampaignSettings) string) *string {
	if s == nil {
		return nil
	}
	v := get(s)
	return &v
}

// DeleteCampaign removes the campaign row; memberships cascade.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	return nil
}

// SetCampaignState persists a lifecycle transition. The allowed transitions
// are enforced by the engine; the store only records them.
func (s *Store) SetCampaignState(ctx context.Context, id string, state models.CampaignState) error {
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE campaigns SET state = $2, updated_at = now() WHERE id = $1`, id, state)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to set campaign state: %w", err)
	}
	return nil
}

// ApplyStatsDelta atomically folds a delta into the campaign counters.
// All right-hand sides read the pre-update values, so the rolling average
// uses the old calls_completed count.
func (s *Store) ApplyStatsDelta(ctx context.Context, id string, d models.StatsDelta) error {
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE campaigns SET
				total_contacts = total_contacts + $2,
				calls_placed = calls_placed + $3,
				calls_answered = calls_answered + $4,
				calls_completed = calls_completed + $5,
				calls_failed = calls_failed + $6,
				avg_duration_sec = CASE
					WHEN $5 > 0 THEN ((avg_duration_sec * calls_completed) + $7) / (calls_completed + $5)
					ELSE avg_duration_sec
				END,
				updated_at = now()
			WHERE id = $1`,
			id, d.TotalContacts, d.CallsPlaced, d.CallsAnswered, d.CallsCompleted, d.CallsFailed, d.DurationSec)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply stats delta: %w", err)
	}
	return nil
}

// RefreshTotalContacts recomputes total_contacts from memberships. Called
// after bulk contact attachment; recomputing keeps the counter idempotent
// under retried uploads.
func (s *Store) RefreshTotalContacts(ctx context.Context, id string) (int, error) {
	var total int
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			UPDATE campaigns SET
				total_contacts = (SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = $1),
				updated_at = now()
			WHERE id = $1
			RETURNING total_contacts`, id).Scan(&total)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to refresh total contacts: %w", err)
	}
	return total, nil
}

