// Package projector folds the event ledger into the materialized
// current-state read model. The materialized rows are never authoritative:
// every one of them is reproducible from the ledger alone, and Rebuild does
// exactly that.
package projector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/event"
	"github.com/trialpulse/clindata/core/pkg/store"
)

// ErrBlocked is returned while an entity has an open sync conflict; the
// projection stays frozen until a human resolution event lands.
var ErrBlocked = errors.New("projection blocked by open conflict")

// ErrNotFound mirrors store.ErrNotFound for state lookups: absent and
// invisible rows are indistinguishable.
var ErrNotFound = errors.New("entity state not found")

// EntityState is the derived current view of one entity.
type EntityState struct {
	EntityID           string                 `json:"entity_id"`
	TenantID           string                 `json:"tenant_id"`
	CurrentPayload     map[string]interface{} `json:"current_payload"`
	LastAppliedEventID string                 `json:"last_applied_event_id"`
	LastAppliedSeq     int64                  `json:"last_applied_seq"`
	Version            int64                  `json:"version"`
	Tombstoned         bool                   `json:"tombstoned"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// ConflictChecker reports whether an entity currently has an open fork.
// Implemented by the sync resolver's conflict store.
type ConflictChecker interface {
	HasOpenConflict(ctx context.Context, entityID string) (bool, error)
}

// Projector owns the entity_state and event_supersessions tables and may
// rebuild them from the ledger at will.
type Projector struct {
	db        *sql.DB
	events    store.Store
	conflicts ConflictChecker

	// rls is set once EnableRLS has applied the Postgres policies. From then
	// on every statement touching entity_state runs in a session-bound
	// transaction, reads under the caller, writes under the service identity.
	rls bool
}

func New(db *sql.DB, events store.Store, conflicts ConflictChecker) *Projector {
	return &Projector{db: db, events: events, conflicts: conflicts}
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS entity_state (
	entity_id             TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	current_payload       TEXT,
	last_applied_event_id TEXT NOT NULL,
	last_applied_seq      BIGINT NOT NULL,
	version               BIGINT NOT NULL,
	tombstoned            BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_supersessions (
	event_id      TEXT PRIMARY KEY,
	superseded_by TEXT NOT NULL,
	superseded_at TEXT NOT NULL
);
`

func (p *Projector) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, stateSchema)
	return err
}

// pgStatePolicies mirrors the events-table RLS on the read model, so on
// Postgres the engine filters entity_state rows too.
const pgStatePolicies = `
ALTER TABLE entity_state ENABLE ROW LEVEL SECURITY;
ALTER TABLE entity_state FORCE ROW LEVEL SECURITY;

DROP POLICY IF EXISTS entity_state_select ON entity_state;
CREATE POLICY entity_state_select ON entity_state FOR SELECT USING (
	current_setting('app.actor_role', true) IN ('service', 'auditor', 'analyst')
	OR (
		current_setting('app.actor_role', true) = 'subject'
		AND entity_id IN (
			SELECT entity_id FROM entity_owners
			WHERE owner_actor_id = current_setting('app.actor_id', true)
		)
	)
	OR (
		current_setting('app.actor_role', true) = 'reviewer'
		AND tenant_id IN (
			SELECT tenant_id FROM site_assignments
			WHERE actor_id = current_setting('app.actor_id', true)
			AND revoked_at IS NULL
		)
	)
);

-- Only the projector writes the read model, always under the service
-- identity. FORCE RLS default-denies anything without a matching policy,
-- so both halves of the upsert need one.
DROP POLICY IF EXISTS entity_state_insert ON entity_state;
CREATE POLICY entity_state_insert ON entity_state FOR INSERT WITH CHECK (
	current_setting('app.actor_role', true) = 'service'
);

DROP POLICY IF EXISTS entity_state_update ON entity_state;
CREATE POLICY entity_state_update ON entity_state FOR UPDATE
	USING (current_setting('app.actor_role', true) = 'service')
	WITH CHECK (current_setting('app.actor_role', true) = 'service');
`

// EnableRLS applies the Postgres row-security policies to the read model
// and switches the projector to session-bound transactions. Call after Init
// when the backing engine is Postgres.
func (p *Projector) EnableRLS(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, pgStatePolicies); err != nil {
		return err
	}
	p.rls = true
	return nil
}

// beginWrite opens the projection write transaction. Under RLS the service
// identity is bound first; the write policies admit nothing else.
func (p *Projector) beginWrite(ctx context.Context) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if p.rls {
		if err := store.BindSession(ctx, tx, accesscontrol.ServicePrincipal()); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	return tx, nil
}

// beginRead opens a read transaction bound to the caller's identity so the
// entity_state policies see the right session settings.
func (p *Projector) beginRead(ctx context.Context, caller *accesscontrol.Principal) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if p.rls {
		if err := store.BindSession(ctx, tx, caller); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	return tx, nil
}

// Apply folds one event into the read model. Idempotent: re-applying an
// already-applied sequence is a no-op. Events for one entity must arrive in
// server-assigned order; Rebuild repairs any drift.
func (p *Projector) Apply(ctx context.Context, ev *event.Event) (*EntityState, error) {
	if p.conflicts != nil {
		blocked, err := p.conflicts.HasOpenConflict(ctx, ev.EntityID)
		if err != nil {
			return nil, fmt.Errorf("conflict check: %w", err)
		}
		if blocked {
			return nil, ErrBlocked
		}
	}

	tx, err := p.beginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := readState(ctx, tx, ev.EntityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if current != nil && ev.Sequence <= current.LastAppliedSeq {
		// Watermark: already folded.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return current, nil
	}

	next := fold(current, ev)
	if err := writeState(ctx, tx, next); err != nil {
		return nil, err
	}

	if ev.Operation == event.OpCorrect && ev.ParentEventID != "" {
		if err := markSuperseded(ctx, tx, ev.ParentEventID, ev.EventID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// fold is the pure projection function: EntityState' = fold(EntityState, Event).
func fold(current *EntityState, ev *event.Event) *EntityState {
	next := &EntityState{
		EntityID:           ev.EntityID,
		TenantID:           ev.TenantID,
		LastAppliedEventID: ev.EventID,
		LastAppliedSeq:     ev.Sequence,
		Version:            1,
		UpdatedAt:          ev.ServerTime,
	}
	if current != nil {
		next.Version = current.Version + 1
		next.Tombstoned = current.Tombstoned
		next.CurrentPayload = clonePayload(current.CurrentPayload)
	}

	switch ev.Operation {
	case event.OpCreate:
		next.CurrentPayload = clonePayload(ev.Payload)
		next.Tombstoned = false
	case event.OpUpdate, event.OpCorrect:
		// Field-level overwrite: untouched fields survive.
		if next.CurrentPayload == nil {
			next.CurrentPayload = map[string]interface{}{}
		}
		for k, v := range ev.Payload {
			next.CurrentPayload[k] = v
		}
	case event.OpDelete:
		// Tombstone: hidden from current listings, payload retained for
		// audit reconstruction.
		next.Tombstoned = true
	}
	return next
}

// Rebuild recomputes an entity's state from the ledger alone and rewrites
// the materialized row. Runs under the service identity. Corrections reach
// the ledger through conflict resolutions as well as through Apply, so the
// supersession index is re-derived here alongside the state.
func (p *Projector) Rebuild(ctx context.Context, entityID string) (*EntityState, error) {
	svcCtx := accesscontrol.WithPrincipal(ctx, accesscontrol.ServicePrincipal())
	events, err := p.events.EventsFor(svcCtx, entityID, nil)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	var state *EntityState
	for _, ev := range events {
		state = fold(state, ev)
	}

	tx, err := p.beginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := writeState(ctx, tx, state); err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Operation == event.OpCorrect && ev.ParentEventID != "" {
			if err := markSuperseded(ctx, tx, ev.ParentEventID, ev.EventID); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return state, nil
}

// RebuildAsOf computes the state as of t without touching the materialized
// row. Used for audits and point-in-time queries.
func (p *Projector) RebuildAsOf(ctx context.Context, entityID string, t time.Time) (*EntityState, error) {
	return p.foldHistory(ctx, entityID, &t)
}

func (p *Projector) foldHistory(ctx context.Context, entityID string, asOf *time.Time) (*EntityState, error) {
	svcCtx := accesscontrol.WithPrincipal(ctx, accesscontrol.ServicePrincipal())
	events, err := p.events.EventsFor(svcCtx, entityID, asOf)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	var state *EntityState
	for _, ev := range events {
		state = fold(state, ev)
	}
	return state, nil
}

// State returns the materialized row, visibility-filtered for the caller.
func (p *Projector) State(ctx context.Context, entityID string) (*EntityState, error) {
	caller := accesscontrol.PrincipalFromContext(ctx)
	if caller == nil {
		// No identity means no visible rows under either backend.
		return nil, ErrNotFound
	}

	visibility, visArgs := visibilityClause(ctx, 2)
	query := `
		SELECT entity_id, tenant_id, current_payload, last_applied_event_id,
		       last_applied_seq, version, tombstoned, updated_at
		FROM entity_state WHERE entity_id = $1 AND ` + visibility
	args := append([]interface{}{entityID}, visArgs...)

	tx, err := p.beginRead(ctx, caller)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, query, args...)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return state, nil
}

// List returns current (non-tombstoned) states visible to the caller,
// optionally narrowed to one tenant.
func (p *Projector) List(ctx context.Context, tenantID string, limit int) ([]*EntityState, error) {
	caller := accesscontrol.PrincipalFromContext(ctx)
	if caller == nil {
		return []*EntityState{}, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	visibility, visArgs := visibilityClause(ctx, 1)
	query := `
		SELECT entity_id, tenant_id, current_payload, last_applied_event_id,
		       last_applied_seq, version, tombstoned, updated_at
		FROM entity_state WHERE tombstoned = FALSE AND ` + visibility
	args := visArgs
	if tenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args)+1)
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(" ORDER BY entity_id LIMIT %d", limit)

	tx, err := p.beginRead(ctx, caller)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	states := make([]*EntityState, 0)
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return states, nil
}

// SupersededBy returns the id of the correction that replaced eventID, or
// "" when the event is still the live head of its chain segment.
func (p *Projector) SupersededBy(ctx context.Context, eventID string) (string, error) {
	var by string
	err := p.db.QueryRowContext(ctx,
		`SELECT superseded_by FROM event_supersessions WHERE event_id = $1`, eventID).Scan(&by)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return by, err
}

// visibilityClause renders the caller's row predicate starting at
// placeholder index start.
func visibilityClause(ctx context.Context, start int) (string, []interface{}) {
	p := accesscontrol.PrincipalFromContext(ctx)
	if p == nil {
		return `1 = 0`, nil
	}
	switch p.Role {
	case accesscontrol.RoleService, accesscontrol.RoleAuditor, accesscontrol.RoleAnalyst:
		return `1 = 1`, nil
	case accesscontrol.RoleSubject:
		return fmt.Sprintf(`entity_id IN (SELECT entity_id FROM entity_owners WHERE owner_actor_id = $%d)`, start),
			[]interface{}{p.ActorID}
	case accesscontrol.RoleReviewer:
		return fmt.Sprintf(`tenant_id IN (SELECT tenant_id FROM site_assignments WHERE actor_id = $%d AND revoked_at IS NULL)`, start),
			[]interface{}{p.ActorID}
	}
	return `1 = 0`, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*EntityState, error) {
	var s EntityState
	var payload sql.NullString
	var updatedAt string
	if err := row.Scan(
		&s.EntityID, &s.TenantID, &payload, &s.LastAppliedEventID,
		&s.LastAppliedSeq, &s.Version, &s.Tombstoned, &updatedAt,
	); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := json.Unmarshal([]byte(payload.String), &s.CurrentPayload); err != nil {
			return nil, fmt.Errorf("corrupt state payload for %s: %w", s.EntityID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt updated_at for %s: %w", s.EntityID, err)
	}
	s.UpdatedAt = t
	return &s, nil
}

func readState(ctx context.Context, tx *sql.Tx, entityID string) (*EntityState, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT entity_id, tenant_id, current_payload, last_applied_event_id,
		       last_applied_seq, version, tombstoned, updated_at
		FROM entity_state WHERE entity_id = $1`, entityID)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return state, err
}

func writeState(ctx context.Context, tx *sql.Tx, s *EntityState) error {
	payload, err := json.Marshal(s.CurrentPayload)
	if err != nil {
		return fmt.Errorf("marshal state payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_state (entity_id, tenant_id, current_payload, last_applied_event_id,
			last_applied_seq, version, tombstoned, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_id) DO UPDATE SET
			tenant_id = $2, current_payload = $3, last_applied_event_id = $4,
			last_applied_seq = $5, version = $6, tombstoned = $7, updated_at = $8`,
		s.EntityID, s.TenantID, string(payload), s.LastAppliedEventID,
		s.LastAppliedSeq, s.Version, s.Tombstoned, s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func markSuperseded(ctx context.Context, tx *sql.Tx, parentID, byID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_supersessions (event_id, superseded_by, superseded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		parentID, byID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func clonePayload(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
