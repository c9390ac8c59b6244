package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelcall/kestrel/pkg/models"
)

// AppendUtterance appends a finalized transcript turn. Partial deltas never
// reach the store; they live on the bus only. Idempotent per
// (call, role, text, timestamp).
func (s *Store) AppendUtterance(ctx context.Context, callID string, role models.UtteranceRole, text string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	hash := dedupHash(callID, string(role), text, hashTime(at))

	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transcript_utterances (call_id, role, content, dedup_hash, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (call_id, dedup_hash) DO NOTHING`,
			callID, string(role), text, hash, at)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to append utterance: %w", err)
	}
	return nil
}

// GetTranscript assembles the full transcript for a call. A call with no
// utterances and no analysis yields an empty transcript, not ErrNotFound.
func (s *Store) GetTranscript(ctx context.Context, callID string) (*models.Transcript, error) {
	t := &models.Transcript{CallID: callID, Utterances: []models.Utterance{}}

	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, call_id, role, content, created_at
			FROM transcript_utterances
			WHERE call_id = $1
			ORDER BY id ASC`,
			callID)
		if err != nil {
			return err
		}
		defer rows.Close()

		t.Utterances = t.Utterances[:0]
		for rows.Next() {
			var u models.Utterance
			if err := rows.Scan(&u.ID, &u.CallID, &u.Role, &u.Text, &u.CreatedAt); err != nil {
				return err
			}
			t.Utterances = append(t.Utterances, u)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		var (
			analysis models.TranscriptAnalysis
			topics   []byte
		)
		err = s.db.QueryRowContext(ctx, `
			SELECT summary, sentiment, topics FROM transcript_analyses WHERE call_id = $1`,
			callID).Scan(&analysis.Summary, &analysis.Sentiment, &topics)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			t.Analysis = nil
			return nil
		case err != nil:
			return err
		}
		if len(topics) > 0 {
			if err := json.Unmarshal(topics, &analysis.Topics); err != nil {
				return fmt.Errorf("failed to unmarshal topics: %w", err)
			}
		}
		t.Analysis = &analysis
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	return t, nil
}

// UpsertAnalysis stores the post-call analysis delivered by the AI webhook.
func (s *Store) UpsertAnalysis(ctx context.Context, callID string, a models.TranscriptAnalysis) error {
	topics, err := json.Marshal(a.Topics)
	if err != nil {
		return fmt.Errorf("failed to marshal topics: %w", err)
	}
	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transcript_analyses (call_id, summary, sentiment, topics)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (call_id) DO UPDATE SET
				summary = EXCLUDED.summary,
				sentiment = EXCLUDED.sentiment,
				topics = EXCLUDED.topics,
				updated_at = now()`,
			callID, a.Summary, a.Sentiment, topics)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert analysis: %w", err)
	}
	return nil
}
