package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/canonicalize"
	"github.com/trialpulse/clindata/core/pkg/event"
)

// sqliteTimeLayout is fixed-width UTC so stored timestamps compare
// lexicographically. Microsecond precision matches buildEvent truncation.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore backs tests and single-site lite deployments. Append-only is
// enforced by BEFORE UPDATE/DELETE triggers that abort; the role visibility
// predicates Postgres expresses as RLS policies are compiled into every
// query here, so both backends give the same answers.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // sqlite has a single writer; serialize appends in-process
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id        TEXT PRIMARY KEY,
	seq             INTEGER UNIQUE NOT NULL,
	entity_id       TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	operation       TEXT NOT NULL,
	actor_id        TEXT NOT NULL,
	actor_role      TEXT NOT NULL,
	payload         TEXT,
	client_time     TEXT NOT NULL,
	server_time     TEXT NOT NULL,
	parent_event_id TEXT,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL,
	schema_version  TEXT NOT NULL,
	origin          TEXT
);
CREATE INDEX IF NOT EXISTS events_entity_idx ON events (entity_id, seq);
CREATE INDEX IF NOT EXISTS events_parent_idx ON events (parent_event_id);

CREATE TABLE IF NOT EXISTS entity_owners (
	entity_id      TEXT PRIMARY KEY,
	owner_actor_id TEXT NOT NULL,
	tenant_id      TEXT NOT NULL
);

-- Idempotency keys are claimed in the append transaction itself; the sync
-- layer reads this table to answer retries with the original event.
CREATE TABLE IF NOT EXISTS sync_idempotency (
	idempotency_key TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_head (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	seq  INTEGER NOT NULL,
	hash TEXT NOT NULL
);
INSERT OR IGNORE INTO chain_head (id, seq, hash) VALUES (1, 0, '` + canonicalize.GenesisHash + `');

CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only');
END;
CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only');
END;
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, env *event.Envelope, opts AppendOptions) (*event.Event, error) {
	p := accesscontrol.PrincipalFromContext(ctx)
	if p == nil {
		return nil, ErrWriteDenied
	}
	switch p.Role {
	case accesscontrol.RoleService, accesscontrol.RoleSubject, accesscontrol.RoleReviewer:
	default:
		return nil, ErrWriteDenied
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if env.ParentEventID != "" {
		if err := checkParentTx(ctx, tx, env, opts); err != nil {
			return nil, err
		}
	}

	var head Head
	if err := tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM chain_head WHERE id = 1`).Scan(&head.Sequence, &head.Hash); err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}

	ev, err := buildEvent(env, head)
	if err != nil {
		return nil, err
	}
	payloadJSON, originJSON, err := marshalDocs(ev)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15)`,
		ev.EventID, ev.Sequence, ev.EntityID, ev.TenantID, string(ev.Operation),
		ev.ActorID, ev.ActorRole, string(payloadJSON),
		ev.ClientTime.Format(sqliteTimeLayout), ev.ServerTime.Format(sqliteTimeLayout),
		ev.ParentEventID, ev.PrevHash, ev.Hash, ev.SchemaVersion, string(originJSON),
	)
	if err != nil {
		return nil, mapSqliteError(err)
	}

	if ev.Operation == event.OpCreate {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_owners (entity_id, owner_actor_id, tenant_id)
			VALUES ($1, $2, $3)`, ev.EntityID, ev.ActorID, ev.TenantID); err != nil {
			return nil, err
		}
	}

	// The key claim rides the event's own transaction: a replayed key aborts
	// the whole append and the original event stands alone.
	if opts.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_idempotency (idempotency_key, event_id, created_at)
			VALUES ($1, $2, $3)`,
			opts.IdempotencyKey, ev.EventID, ev.ServerTime.Format(sqliteTimeLayout)); err != nil {
			return nil, mapSqliteError(err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chain_head SET seq = $1, hash = $2 WHERE id = 1`, ev.Sequence, ev.Hash); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ev, nil
}

func checkParentTx(ctx context.Context, tx *sql.Tx, env *event.Envelope, opts AppendOptions) error {
	var parentEntity string
	err := tx.QueryRowContext(ctx,
		`SELECT entity_id FROM events WHERE event_id = $1`, env.ParentEventID).Scan(&parentEntity)
	if errors.Is(err, sql.ErrNoRows) {
		return &event.ValidationError{Fields: []string{"parent_event_id"}, Reason: "parent event does not exist"}
	}
	if err != nil {
		return err
	}
	if parentEntity != env.EntityID {
		return &event.ValidationError{Fields: []string{"parent_event_id"}, Reason: "parent belongs to a different entity"}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT event_id, operation FROM events WHERE parent_event_id = $1 ORDER BY seq`, env.ParentEventID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var childIDs []string
	superseded := false
	for rows.Next() {
		var id, op string
		if err := rows.Scan(&id, &op); err != nil {
			return err
		}
		childIDs = append(childIDs, id)
		if event.Operation(op) == event.OpCorrect {
			superseded = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(childIDs) == 0 {
		return nil
	}
	if env.Operation == event.OpCorrect && superseded {
		return ErrSupersededParent
	}
	if !opts.AllowFork {
		return &ForkError{EntityID: env.EntityID, ParentEventID: env.ParentEventID, ExistingIDs: childIDs}
	}
	return nil
}

func (s *SQLiteStore) EventByID(ctx context.Context, eventID string) (*event.Event, error) {
	events, err := s.visibleQuery(ctx, `event_id = $%d`, []interface{}{eventID}, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

func (s *SQLiteStore) EventsFor(ctx context.Context, entityID string, asOf *time.Time) ([]*event.Event, error) {
	if asOf != nil {
		return s.visibleQuery(ctx, `entity_id = $%d AND server_time <= $%d`,
			[]interface{}{entityID, asOf.UTC().Format(sqliteTimeLayout)}, 0)
	}
	return s.visibleQuery(ctx, `entity_id = $%d`, []interface{}{entityID}, 0)
}

func (s *SQLiteStore) AllEvents(ctx context.Context, f Filter) ([]*event.Event, int64, error) {
	clause, args := sqliteFilterClause(f)
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := s.visibleQuery(ctx, clause, args, limit+1)
	if err != nil {
		return nil, 0, err
	}
	var next int64
	if len(events) > limit {
		events = events[:limit]
		next = events[len(events)-1].Sequence
	}
	return events, next, nil
}

func (s *SQLiteStore) ChildrenOf(ctx context.Context, parentID string) ([]*event.Event, error) {
	return s.visibleQuery(ctx, `parent_event_id = $%d`, []interface{}{parentID}, 0)
}

func (s *SQLiteStore) ChainHead(ctx context.Context) (Head, error) {
	var h Head
	err := s.db.QueryRowContext(ctx, `SELECT seq, hash FROM chain_head WHERE id = 1`).Scan(&h.Sequence, &h.Hash)
	return h, err
}

func (s *SQLiteStore) Range(ctx context.Context, afterSeq int64, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE seq > $1 ORDER BY seq LIMIT %d`, eventColumns, limit)
	rows, err := s.db.QueryContext(ctx, query, afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSqliteEvents(rows)
}

// sqliteFilterClause renders the filter with positional $%d verbs resolved
// later by visibleQuery once the visibility predicate is prepended.
func sqliteFilterClause(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if f.TenantID != "" {
		add(`tenant_id = $%d`, f.TenantID)
	}
	if f.EntityID != "" {
		add(`entity_id = $%d`, f.EntityID)
	}
	if f.ActorID != "" {
		add(`actor_id = $%d`, f.ActorID)
	}
	if f.Operation != "" {
		add(`operation = $%d`, string(f.Operation))
	}
	if !f.From.IsZero() {
		add(`server_time >= $%d`, f.From.UTC().Format(sqliteTimeLayout))
	}
	if !f.To.IsZero() {
		add(`server_time <= $%d`, f.To.UTC().Format(sqliteTimeLayout))
	}
	if f.AfterSeq > 0 {
		add(`seq > $%d`, f.AfterSeq)
	}
	return strings.Join(clauses, " AND "), args
}

// visibleQuery prepends the caller's visibility predicate, the SQLite
// rendering of the Postgres RLS policies, to the given filter clause.
// Denied rows are simply absent; there is no access error on reads.
func (s *SQLiteStore) visibleQuery(ctx context.Context, clause string, args []interface{}, limit int) ([]*event.Event, error) {
	p := accesscontrol.PrincipalFromContext(ctx)

	visibility := `1 = 0`
	visArgs := []interface{}{}
	if p != nil {
		switch p.Role {
		case accesscontrol.RoleService, accesscontrol.RoleAuditor, accesscontrol.RoleAnalyst:
			visibility = `1 = 1`
		case accesscontrol.RoleSubject:
			visibility = `entity_id IN (SELECT entity_id FROM entity_owners WHERE owner_actor_id = $%d)`
			visArgs = []interface{}{p.ActorID}
		case accesscontrol.RoleReviewer:
			visibility = `tenant_id IN (SELECT tenant_id FROM site_assignments WHERE actor_id = $%d AND revoked_at IS NULL)`
			visArgs = []interface{}{p.ActorID}
		}
	}

	where := visibility
	allArgs := visArgs
	if clause != "" {
		where = visibility + " AND " + clause
		allArgs = append(allArgs, args...)
	}

	// Resolve the $%d verbs into sequential placeholders.
	numbered := make([]interface{}, len(allArgs))
	for i := range allArgs {
		numbered[i] = i + 1
	}
	where = fmt.Sprintf(where, numbered...)

	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY seq`, eventColumns, where)
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSqliteEvents(rows)
}

func scanSqliteEvents(rows *sql.Rows) ([]*event.Event, error) {
	events := make([]*event.Event, 0)
	for rows.Next() {
		var ev event.Event
		var op, clientTime, serverTime string
		var payload, origin, parent sql.NullString
		if err := rows.Scan(
			&ev.EventID, &ev.Sequence, &ev.EntityID, &ev.TenantID, &op,
			&ev.ActorID, &ev.ActorRole, &payload, &clientTime, &serverTime,
			&parent, &ev.PrevHash, &ev.Hash, &ev.SchemaVersion, &origin,
		); err != nil {
			return nil, err
		}
		ev.Operation = event.Operation(op)
		ev.ParentEventID = parent.String

		var err error
		if ev.ClientTime, err = time.Parse(sqliteTimeLayout, clientTime); err != nil {
			return nil, fmt.Errorf("corrupt client_time for %s: %w", ev.EventID, err)
		}
		if ev.ServerTime, err = time.Parse(sqliteTimeLayout, serverTime); err != nil {
			return nil, fmt.Errorf("corrupt server_time for %s: %w", ev.EventID, err)
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("corrupt payload for %s: %w", ev.EventID, err)
			}
		}
		if origin.Valid && origin.String != "" {
			if err := json.Unmarshal([]byte(origin.String), &ev.Origin); err != nil {
				return nil, fmt.Errorf("corrupt origin for %s: %w", ev.EventID, err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// mapSqliteError translates trigger aborts into the store taxonomy. An
// immutability hit is a security event no matter who the caller was.
func mapSqliteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "append-only") {
		slog.Error("attempted mutation of committed event", "security", true, "error", err)
		return fmt.Errorf("%w: %v", ErrImmutability, err)
	}
	if strings.Contains(err.Error(), "sync_idempotency") {
		return ErrDuplicateKey
	}
	return err
}
