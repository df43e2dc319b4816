// Package sync reconciles edits from disconnected clients: it detects forked
// version chains on append, merges branches only when they touch strictly
// disjoint fields, and otherwise records a conflict that blocks the entity
// until a human resolution event is appended. There is no last-write-wins
// anywhere in this package.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conflict is an open or resolved fork of one entity's version chain.
// Conflicts are first-class data: they stay queryable after resolution.
type Conflict struct {
	ConflictID        string     `json:"conflict_id"`
	EntityID          string     `json:"entity_id"`
	BranchEventIDs    []string   `json:"branch_event_ids"`
	DetectedAt        time.Time  `json:"detected_at"`
	Resolved          bool       `json:"resolved"`
	ResolutionNote    string     `json:"resolution_note,omitempty"`
	ResolutionEventID string     `json:"resolution_event_id,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// ErrConflictNotFound is returned for unknown or invisible conflict ids.
var ErrConflictNotFound = errors.New("conflict not found")

// ConflictStore owns the sync_conflicts and flagged_events tables.
type ConflictStore struct {
	db *sql.DB
}

func NewConflictStore(db *sql.DB) *ConflictStore {
	return &ConflictStore{db: db}
}

const conflictSchema = `
CREATE TABLE IF NOT EXISTS sync_conflicts (
	conflict_id         TEXT PRIMARY KEY,
	entity_id           TEXT NOT NULL,
	branch_event_ids    TEXT NOT NULL,
	detected_at         TEXT NOT NULL,
	resolved            BOOLEAN NOT NULL DEFAULT FALSE,
	resolution_note     TEXT,
	resolution_event_id TEXT,
	resolved_at         TEXT
);
CREATE INDEX IF NOT EXISTS sync_conflicts_entity_idx ON sync_conflicts (entity_id, resolved);

-- Events whose client clock disagreed with the server beyond tolerance.
-- Flagged for review, neither trusted nor rejected.
CREATE TABLE IF NOT EXISTS flagged_events (
	event_id   TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	reason     TEXT NOT NULL,
	skew_ms    BIGINT NOT NULL,
	flagged_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_idempotency (
	idempotency_key TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
`

func (s *ConflictStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, conflictSchema)
	return err
}

// Record opens a conflict over the given branch heads.
func (s *ConflictStore) Record(ctx context.Context, entityID string, branchIDs []string) (*Conflict, error) {
	c := &Conflict{
		ConflictID:     uuid.New().String(),
		EntityID:       entityID,
		BranchEventIDs: branchIDs,
		DetectedAt:     time.Now().UTC(),
	}
	branches, err := json.Marshal(branchIDs)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (conflict_id, entity_id, branch_event_ids, detected_at, resolved)
		VALUES ($1, $2, $3, $4, FALSE)`,
		c.ConflictID, c.EntityID, string(branches), c.DetectedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("record conflict: %w", err)
	}
	return c, nil
}

// Close marks a conflict resolved by the given resolution event.
func (s *ConflictStore) Close(ctx context.Context, conflictID, resolutionEventID, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolved = TRUE, resolution_note = $1, resolution_event_id = $2, resolved_at = $3
		WHERE conflict_id = $4 AND resolved = FALSE`,
		note, resolutionEventID, time.Now().UTC().Format(time.RFC3339Nano), conflictID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflictNotFound
	}
	return nil
}

// Get returns one conflict by id.
func (s *ConflictStore) Get(ctx context.Context, conflictID string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conflict_id, entity_id, branch_event_ids, detected_at, resolved,
		       resolution_note, resolution_event_id, resolved_at
		FROM sync_conflicts WHERE conflict_id = $1`, conflictID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflictNotFound
	}
	return c, err
}

// List returns conflicts, optionally only open ones, newest first.
func (s *ConflictStore) List(ctx context.Context, openOnly bool, limit int) ([]*Conflict, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT conflict_id, entity_id, branch_event_ids, detected_at, resolved,
		       resolution_note, resolution_event_id, resolved_at
		FROM sync_conflicts`
	if openOnly {
		query += ` WHERE resolved = FALSE`
	}
	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	conflicts := make([]*Conflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// HasOpenConflict implements the projector's ConflictChecker.
func (s *ConflictStore) HasOpenConflict(ctx context.Context, entityID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sync_conflicts WHERE entity_id = $1 AND resolved = FALSE`, entityID).Scan(&n)
	return n > 0, err
}

// Flag records a clock-skew review flag for a committed event.
func (s *ConflictStore) Flag(ctx context.Context, eventID, entityID, reason string, skew time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flagged_events (event_id, entity_id, reason, skew_ms, flagged_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, entityID, reason, skew.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// LookupIdempotent returns the event id previously committed under key, or
// "" on first sight. Keys are claimed by the event store inside the append
// transaction; this is the read side only.
func (s *ConflictStore) LookupIdempotent(ctx context.Context, key string) (string, error) {
	var eventID string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id FROM sync_idempotency WHERE idempotency_key = $1`, key).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return eventID, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var c Conflict
	var branches, detectedAt string
	var note, resolutionEvent, resolvedAt sql.NullString
	if err := row.Scan(&c.ConflictID, &c.EntityID, &branches, &detectedAt,
		&c.Resolved, &note, &resolutionEvent, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(branches), &c.BranchEventIDs); err != nil {
		return nil, fmt.Errorf("corrupt branch list for %s: %w", c.ConflictID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, detectedAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt detected_at for %s: %w", c.ConflictID, err)
	}
	c.DetectedAt = t
	c.ResolutionNote = note.String
	c.ResolutionEventID = resolutionEvent.String
	if resolvedAt.Valid && resolvedAt.String != "" {
		rt, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt resolved_at for %s: %w", c.ConflictID, err)
		}
		c.ResolvedAt = &rt
	}
	return &c, nil
}
