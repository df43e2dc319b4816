package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/canonicalize"
	"github.com/trialpulse/clindata/core/pkg/event"
)

// PostgresStore is the production ledger. Row visibility is enforced by
// Postgres row-level security keyed off per-transaction session settings;
// append-only is enforced structurally by REVOKE plus BEFORE UPDATE/DELETE
// triggers that raise, so no role, the table owner included, can mutate
// a committed event.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id        TEXT PRIMARY KEY,
	seq             BIGINT UNIQUE NOT NULL,
	entity_id       TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	operation       TEXT NOT NULL,
	actor_id        TEXT NOT NULL,
	actor_role      TEXT NOT NULL,
	payload         JSONB,
	client_time     TIMESTAMPTZ NOT NULL,
	server_time     TIMESTAMPTZ NOT NULL,
	parent_event_id TEXT,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL,
	schema_version  TEXT NOT NULL,
	origin          JSONB
);
CREATE INDEX IF NOT EXISTS events_entity_idx ON events (entity_id, seq);
CREATE INDEX IF NOT EXISTS events_parent_idx ON events (parent_event_id) WHERE parent_event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS events_tenant_idx ON events (tenant_id, seq);

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

-- Single-row global chain head. Advanced exactly once per append, under
-- the same transaction that inserts the event.
CREATE TABLE IF NOT EXISTS chain_head (
	id   INT PRIMARY KEY CHECK (id = 1),
	seq  BIGINT NOT NULL,
	hash TEXT NOT NULL
);
INSERT INTO chain_head (id, seq, hash)
	VALUES (1, 0, '` + canonicalize.GenesisHash + `')
	ON CONFLICT (id) DO NOTHING;

-- Structural append-only enforcement. The trigger fires for every caller,
-- table owner and superuser-adjacent service roles included.
CREATE OR REPLACE FUNCTION reject_event_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'events are append-only' USING ERRCODE = 'P0001';
END $$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS events_immutable ON events;
CREATE TRIGGER events_immutable
	BEFORE UPDATE OR DELETE ON events
	FOR EACH ROW EXECUTE FUNCTION reject_event_mutation();

REVOKE UPDATE, DELETE ON events FROM PUBLIC;

ALTER TABLE events ENABLE ROW LEVEL SECURITY;
ALTER TABLE events FORCE ROW LEVEL SECURITY;

DROP POLICY IF EXISTS events_select ON events;
CREATE POLICY events_select ON events FOR SELECT USING (
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

DROP POLICY IF EXISTS events_insert ON events;
CREATE POLICY events_insert ON events FOR INSERT WITH CHECK (
	current_setting('app.actor_role', true) IN ('service', 'subject', 'reviewer')
);
`

// Init migrates the ledger schema. The site_assignments relation must exist
// first (accesscontrol.SQLAssignments.Init) because the reviewer RLS policy
// references it.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgSchema)
	return err
}

const eventColumns = `event_id, seq, entity_id, tenant_id, operation, actor_id, actor_role,
	payload, client_time, server_time, parent_event_id, prev_hash, hash, schema_version, origin`

func (s *PostgresStore) Append(ctx context.Context, env *event.Envelope, opts AppendOptions) (*event.Event, error) {
	p := accesscontrol.PrincipalFromContext(ctx)
	if p == nil {
		return nil, ErrWriteDenied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := BindSession(ctx, tx, p); err != nil {
		return nil, err
	}

	// Serialize appends per entity so parent checks and fork detection see
	// a settled picture of the version chain.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, env.EntityID); err != nil {
		return nil, fmt.Errorf("entity lock: %w", err)
	}

	if env.ParentEventID != "" {
		if err := s.checkParent(ctx, tx, env, opts); err != nil {
			return nil, err
		}
	}

	// The chain head row lock is the one global serialization point: the
	// prev_hash pointer advances exactly once per append.
	var head Head
	if err := tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM chain_head WHERE id = 1 FOR UPDATE`).Scan(&head.Sequence, &head.Hash); err != nil {
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
		ev.ActorID, ev.ActorRole, payloadJSON, ev.ClientTime, ev.ServerTime,
		ev.ParentEventID, ev.PrevHash, ev.Hash, ev.SchemaVersion, originJSON,
	)
	if err != nil {
		return nil, mapPgError(err)
	}

	if ev.Operation == event.OpCreate {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_owners (entity_id, owner_actor_id, tenant_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (entity_id) DO NOTHING`,
			ev.EntityID, ev.ActorID, ev.TenantID); err != nil {
			return nil, err
		}
	}

	// The key claim rides the event's own transaction: a concurrent retry
	// hits the primary key and the whole append rolls back.
	if opts.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_idempotency (idempotency_key, event_id, created_at)
			VALUES ($1, $2, $3)`,
			opts.IdempotencyKey, ev.EventID, ev.ServerTime.Format(time.RFC3339Nano)); err != nil {
			return nil, mapPgError(err)
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

func (s *PostgresStore) checkParent(ctx context.Context, tx *sql.Tx, env *event.Envelope, opts AppendOptions) error {
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
	// A correction must target the live head of the chain, not an event an
	// earlier correction already replaced.
	if env.Operation == event.OpCorrect && superseded {
		return ErrSupersededParent
	}
	if !opts.AllowFork {
		return &ForkError{EntityID: env.EntityID, ParentEventID: env.ParentEventID, ExistingIDs: childIDs}
	}
	return nil
}

func (s *PostgresStore) EventByID(ctx context.Context, eventID string) (*event.Event, error) {
	rows, err := s.query(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (s *PostgresStore) EventsFor(ctx context.Context, entityID string, asOf *time.Time) ([]*event.Event, error) {
	if asOf != nil {
		return s.query(ctx, `
			SELECT `+eventColumns+` FROM events
			WHERE entity_id = $1 AND server_time <= $2 ORDER BY seq`, entityID, asOf.UTC())
	}
	return s.query(ctx, `
		SELECT `+eventColumns+` FROM events WHERE entity_id = $1 ORDER BY seq`, entityID)
}

func (s *PostgresStore) AllEvents(ctx context.Context, f Filter) ([]*event.Event, int64, error) {
	where, args := buildFilter(f, nil)
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY seq LIMIT %d`, eventColumns, where, limit+1)

	events, err := s.query(ctx, query, args...)
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

func (s *PostgresStore) ChildrenOf(ctx context.Context, parentID string) ([]*event.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM events WHERE parent_event_id = $1 ORDER BY seq`, parentID)
}

func (s *PostgresStore) ChainHead(ctx context.Context) (Head, error) {
	var h Head
	err := s.db.QueryRowContext(ctx, `SELECT seq, hash FROM chain_head WHERE id = 1`).Scan(&h.Sequence, &h.Hash)
	return h, err
}

func (s *PostgresStore) Range(ctx context.Context, afterSeq int64, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	// Verification runs under the service identity; the RLS service policy
	// exposes every row.
	ctx = accesscontrol.WithPrincipal(ctx, accesscontrol.ServicePrincipal())
	return s.query(ctx,
		fmt.Sprintf(`SELECT %s FROM events WHERE seq > $1 ORDER BY seq LIMIT %d`, eventColumns, limit), afterSeq)
}

// query runs a read inside a transaction so SET LOCAL session settings are
// visible to the RLS policies for exactly this statement's lifetime.
func (s *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*event.Event, error) {
	p := accesscontrol.PrincipalFromContext(ctx)
	if p == nil {
		// No identity: RLS sees empty settings and every policy fails, so
		// the result would be empty anyway. Short-circuit.
		return []*event.Event{}, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := BindSession(ctx, tx, p); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events, err := scanPgEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return events, nil
}

// BindSession stamps the principal onto the transaction's session settings.
// The RLS policies on events and entity_state read nothing else; every
// Postgres statement those policies guard must run inside a bound
// transaction.
func BindSession(ctx context.Context, tx *sql.Tx, p *accesscontrol.Principal) error {
	// set_config with is_local=true scopes the settings to this transaction.
	_, err := tx.ExecContext(ctx, `
		SELECT set_config('app.actor_id', $1, true),
		       set_config('app.actor_role', $2, true),
		       set_config('app.tenant_id', $3, true)`,
		p.ActorID, string(p.Role), p.TenantID)
	if err != nil {
		return fmt.Errorf("bind session identity: %w", err)
	}
	return nil
}

func scanPgEvents(rows *sql.Rows) ([]*event.Event, error) {
	events := make([]*event.Event, 0)
	for rows.Next() {
		var ev event.Event
		var op string
		var payload, origin []byte
		var parent sql.NullString
		if err := rows.Scan(
			&ev.EventID, &ev.Sequence, &ev.EntityID, &ev.TenantID, &op,
			&ev.ActorID, &ev.ActorRole, &payload, &ev.ClientTime, &ev.ServerTime,
			&parent, &ev.PrevHash, &ev.Hash, &ev.SchemaVersion, &origin,
		); err != nil {
			return nil, err
		}
		ev.Operation = event.Operation(op)
		ev.ParentEventID = parent.String
		ev.ClientTime = ev.ClientTime.UTC()
		ev.ServerTime = ev.ServerTime.UTC()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("corrupt payload for %s: %w", ev.EventID, err)
			}
		}
		if len(origin) > 0 {
			if err := json.Unmarshal(origin, &ev.Origin); err != nil {
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

// buildEvent assigns identity, ordering, server time and the chain hash.
// Server time is truncated to microseconds so the hash input survives the
// round trip through TIMESTAMPTZ columns unchanged.
func buildEvent(env *event.Envelope, head Head) (*event.Event, error) {
	schemaVersion := env.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = event.DefaultSchemaVersion
	}
	ev := &event.Event{
		EventID:       uuid.New().String(),
		Sequence:      head.Sequence + 1,
		EntityID:      env.EntityID,
		TenantID:      env.TenantID,
		Operation:     env.Operation,
		ActorID:       env.ActorID,
		ActorRole:     env.ActorRole,
		Payload:       env.Payload,
		ClientTime:    env.ClientTime.UTC().Truncate(time.Microsecond),
		ServerTime:    time.Now().UTC().Truncate(time.Microsecond),
		ParentEventID: env.ParentEventID,
		PrevHash:      head.Hash,
		SchemaVersion: schemaVersion,
		Origin:        env.Origin,
	}
	hash, err := canonicalize.ChainHash(ev.Signable(), ev.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("chain hash: %w", err)
	}
	ev.Hash = hash
	return ev, nil
}

func marshalDocs(ev *event.Event) (payload, origin []byte, err error) {
	if ev.Payload != nil {
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	origin, err = json.Marshal(ev.Origin)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal origin: %w", err)
	}
	return payload, origin, nil
}

// mapPgError translates engine-level rejections into the store taxonomy.
func mapPgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "P0001" && strings.Contains(pqErr.Message, "append-only"):
			slog.Error("attempted mutation of committed event", "security", true, "error", pqErr.Message)
			return fmt.Errorf("%w: %s", ErrImmutability, pqErr.Message)
		case pqErr.Code == "42501": // insufficient_privilege (REVOKE or RLS WITH CHECK)
			return fmt.Errorf("%w: %s", ErrWriteDenied, pqErr.Message)
		case pqErr.Code == "23505" && pqErr.Table == "sync_idempotency":
			return ErrDuplicateKey
		}
	}
	return err
}
