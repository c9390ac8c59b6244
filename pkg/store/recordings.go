package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrelcall/kestrel/pkg/models"
)

const recordingColumns = `id, call_id, url, status, duration_sec, channels, created_at, updated_at`

func scanRecording(row interface{ Scan(...any) error }) (*models.Recording, error) {
	var r models.Recording
	err := row.Scan(&r.ID, &r.CallID, &r.URL, &r.Status, &r.DurationSec, &r.Channels, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRecording inserts or refreshes a recording by provider sid.
// Recording webhooks arrive repeatedly as status advances; the latest
// payload wins.
func (s *Store) UpsertRecording(ctx context.Context, rec models.Recording) (*models.Recording, error) {
	var out *models.Recording
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO recordings (id, call_id, url, status, duration_sec, channels)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				url = EXCLUDED.url,
				status = EXCLUDED.status,
				duration_sec = EXCLUDED.duration_sec,
				channels = EXCLUDED.channels,
				updated_at = now()
			RETURNING `+recordingColumns,
			rec.ID, rec.CallID, rec.URL, rec.Status, rec.DurationSec, rec.Channels)
		var err error
		out, err = scanRecording(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert recording: %w", err)
	}
	return out, nil
}

// GetRecording returns one recording or ErrNotFound.
func (s *Store) GetRecording(ctx context.Context, id string) (*models.Recording, error) {
	var rec *models.Recording
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id)
		var err error
		rec, err = scanRecording(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}

// ListCallRecordings returns the call's recordings, oldest first.
func (s *Store) ListCallRecordings(ctx context.Context, callID string) ([]*models.Recording, error) {
	var recs []*models.Recording
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+recordingColumns+` FROM recordings WHERE call_id = $1 ORDER BY created_at ASC`, callID)
		if err != nil {
			return err
		}
		defer rows.Close()

		recs = recs[:0]
		for rows.Next() {
			r, err := scanRecording(rows)
			if err != nil {
				return err
			}
			recs = append(recs, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return recs, nil
}
