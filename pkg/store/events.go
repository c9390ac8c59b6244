package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrelcall/kestrel/pkg/models"
)

// AppendEvent appends one entry to the call's event log. The dedup hash
// covers (call, type, source, payload, timestamp), so a retried append is
// absorbed while a genuine repeat with a fresh timestamp lands as a new row.
func (s *Store) AppendEvent(ctx context.Context, req models.AppendEventRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	payloadJSON, err := marshalPayload(req.Payload)
	if err != nil {
		return err
	}
	hash := dedupHash(req.CallID, string(req.Type), string(req.Source), string(payloadJSON), hashTime(req.CreatedAt))

	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO call_events (call_id, event_type, source, payload, dedup_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (call_id, dedup_hash) DO NOTHING`,
			req.CallID, string(req.Type), string(req.Source), payloadJSON, hash, req.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}
	return nil
}

// ListCallEvents returns the call's event log in append order.
func (s *Store) ListCallEvents(ctx context.Context, callID string) ([]*models.CallEvent, error) {
	var events []*models.CallEvent
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, call_id, event_type, source, payload, created_at
			FROM call_events
			WHERE call_id = $1
			ORDER BY created_at ASC, id ASC`,
			callID)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var (
				ev      models.CallEvent
				payload []byte
			)
			if err := rows.Scan(&ev.ID, &ev.CallID, &ev.Type, &ev.Source, &payload, &ev.CreatedAt); err != nil {
				return err
			}
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &ev.Payload); err != nil {
					return fmt.Errorf("failed to unmarshal event payload: %w", err)
				}
			}
			events = append(events, &ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}
	return events, nil
}
