// Package store implements the persistence layer: campaigns, contacts,
// calls, per-call event logs, transcripts, and recordings, plus the atomic
// claim primitive the campaign engine dials from.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kestrelcall/kestrel/pkg/database"
)

// terminalStates is inlined into queries that guard terminal-sink
// transitions. The values are fixed by the call state machine, never user
// input.
const terminalStates = `('completed','busy','failed','no-answer','canceled')`

// Store provides all persistence operations over one shared pool.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store backed by the given database client.
func New(client *database.Client) *Store {
	return &Store{
		db:     client.DB(),
		logger: slog.With("component", "store"),
	}
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// dedupHash derives the idempotency key for append-style rows. A retried
// write carries identical parts and collapses onto the existing row.
func dedupHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

// nullIfEmpty maps "" to NULL for optional text/uuid columns.
func nullIfEmpty(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func stringOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func timePtr(v sql.NullTime) *time.Time {
	if v.Valid {
		t := v.Time
		return &t
	}
	return nil
}
