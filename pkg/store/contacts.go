package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelcall/kestrel/pkg/models"
)

const contactColumns = `id, phone, name, email, status, call_count, priority,
	last_contacted_at, locked_until, created_at, updated_at`

func scanContact(row interface{ Scan(...any) error }) (*models.Contact, error) {
	var (
		c           models.Contact
		email       sql.NullString
		lastContact sql.NullTime
		lockedUntil sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.Phone, &c.Name, &email, &c.Status, &c.CallCount, &c.Priority,
		&lastContact, &lockedUntil, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Email = stringOrEmpty(email)
	c.LastContactedAt = timePtr(lastContact)
	c.LockedUntil = timePtr(lockedUntil)
	return &c, nil
}

// ClaimNextContacts atomically reserves up to n dialable contacts for the
// campaign: pending, never called, with no live lock. Claimed rows move to
// processing with locked_until = now + lockTTL and call_count incremented.
// SKIP LOCKED linearizes concurrent claimers; each contact is returned to
// exactly one of them. Results are ordered by (priority desc, created_at asc).
//
// Not retried on connection failure: a lost commit acknowledgment would
// make a retry claim additional contacts beyond the caller's slots.
func (s *Store) ClaimNextContacts(ctx context.Context, campaignID string, n int, lockTTL time.Duration) ([]*models.Contact, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE contacts SET
				status = 'processing',
				locked_until = $3,
				call_count = call_count + 1,
				updated_at = now()
			WHERE id IN (
				SELECT c.id
				FROM contacts c
				JOIN campaign_contacts cc ON cc.contact_id = c.id
				WHERE cc.campaign_id = $1
				  AND c.status = 'pending'
				  AND c.call_count = 0
				  AND (c.locked_until IS NULL OR c.locked_until < now())
				ORDER BY c.priority DESC, c.created_at ASC
				LIMIT $2
				FOR UPDATE OF c SKIP LOCKED
			)
			RETURNING `+contactColumns+`
		)
		SELECT `+contactColumns+` FROM claimed ORDER BY priority DESC, created_at ASC`,
		campaignID, n, time.Now().Add(lockTTL))
	if err != nil {
		if isUnavailable(err) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("failed to claim contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed contacts: %w", err)
	}
	return contacts, nil
}

// FinalizeContact records the terminal disposition for a claimed contact
// and releases its lock. Only contacts still in processing are moved, so a
// duplicate terminal event for the same call settles exactly one outcome;
// the returned bool reports whether this caller won the transition.
func (s *Store) FinalizeContact(ctx context.Context, contactID string, outcome models.ContactOutcome) (bool, error) {
	var applied bool
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE contacts SET
				status = $2,
				locked_until = NULL,
				last_contacted_at = now(),
				updated_at = now()
			WHERE id = $1 AND status = 'processing'`,
			contactID, string(outcome))
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
		return false, fmt.Errorf("failed to finalize contact: %w", err)
	}
	return applied, nil
}

// ReleaseExpiredLocks reverts contacts whose claim expired more than grace
// ago and that have no live call, restoring them to pending with the claim's
// call_count increment undone. Returns how many were released. Only a
// non-terminal call blocks the revert: a terminal call's outcome settles the
// contact through FinalizeContact, and a contact still in processing with
// only terminal calls is a crash leftover whose claim should be retried.
func (s *Store) ReleaseExpiredLocks(ctx context.Context, grace time.Duration) (int, error) {
	var released int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE contacts c SET
				status = 'pending',
				call_count = GREATEST(c.call_count - 1, 0),
				locked_until = NULL,
				updated_at = now()
			WHERE c.status = 'processing'
			  AND c.locked_until < $1
			  AND NOT EXISTS (
				SELECT 1 FROM calls k
				WHERE k.contact_id = c.id
				  AND k.state NOT IN `+terminalStates+`
			  )`,
			time.Now().Add(-grace))
		if err != nil {
			return err
		}
		released, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	return int(released), nil
}

// UpsertContacts inserts or refreshes contacts by phone and attaches them
// to the campaign. Returns the attached contacts. Re-running the same batch
// is a no-op beyond timestamp churn.
func (s *Store) UpsertContacts(ctx context.Context, campaignID string, inputs []models.ContactInput) ([]*models.Contact, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var contacts []*models.Contact
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		contacts = contacts[:0]
		for _, in := range inputs {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO contacts (id, phone, name, email, priority)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (phone) DO UPDATE SET
					name = EXCLUDED.name,
					email = COALESCE(EXCLUDED.email, contacts.email),
					priority = EXCLUDED.priority,
					updated_at = now()
				RETURNING `+contactColumns,
				uuid.NewString(), in.Phone, in.Name, nullIfEmpty(in.Email), in.Priority)
			c, err := scanContact(row)
			if err != nil {
				return fmt.Errorf("failed to upsert contact %s: %w", in.Phone, err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO campaign_contacts (campaign_id, contact_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`,
				campaignID, c.ID)
			if err != nil {
				return fmt.Errorf("failed to attach contact %s: %w", in.Phone, err)
			}
			c.CampaignIDs = append(c.CampaignIDs, campaignID)
			contacts = append(contacts, c)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contacts: %w", err)
	}
	return contacts, nil
}

// GetContact returns one contact or ErrNotFound.
func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var contact *models.Contact
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
		var err error
		contact, err = scanContact(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

// ClaimableContactCount counts contacts the claim query would still
// consider for the campaign. Zero with an empty in-flight set means the
// campaign is done.
func (s *Store) ClaimableContactCount(ctx context.Context, campaignID string) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM contacts c
			JOIN campaign_contacts cc ON cc.contact_id = c.id
			WHERE cc.campaign_id = $1
			  AND c.status = 'pending'
			  AND c.call_count = 0
			  AND (c.locked_until IS NULL OR c.locked_until < now())`,
			campaignID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count claimable contacts: %w", err)
	}
	return count, nil
}

// ProcessingContactCount counts contacts still holding a claim for the
// campaign. Used together with ClaimableContactCount for completion checks
// so a crash-released claim cannot complete a campaign early.
func (s *Store) ProcessingContactCount(ctx context.Context, campaignID string) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM contacts c
			JOIN campaign_contacts cc ON cc.contact_id = c.id
			WHERE cc.campaign_id = $1
			  AND c.status = 'processing'`,
			campaignID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count processing contacts: %w", err)
	}
	return count, nil
}

// MarkDoNotCall flags a contact so no future claim returns it.
func (s *Store) MarkDoNotCall(ctx context.Context, contactID string) error {
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE contacts SET status = 'do-not-call', locked_until = NULL, updated_at = now()
			WHERE id = $1`, contactID)
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
		return fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to mark do-not-call: %w", err)
	}
	return nil
}
