package accesscontrol

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLAssignments is the site-assignment relation backing the reviewer role.
// Assignments are resolved per query so a revocation takes effect on the
// next request, not at token expiry.
type SQLAssignments struct {
	db *sql.DB
}

func NewSQLAssignments(db *sql.DB) *SQLAssignments {
	return &SQLAssignments{db: db}
}

const assignmentsSchema = `
CREATE TABLE IF NOT EXISTS site_assignments (
	actor_id    TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	assigned_at TIMESTAMP NOT NULL,
	revoked_at  TIMESTAMP,
	PRIMARY KEY (actor_id, tenant_id)
);
`

func (s *SQLAssignments) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, assignmentsSchema)
	return err
}

// Assign grants a reviewer access to a tenant. Re-assigning clears a prior
// revocation.
func (s *SQLAssignments) Assign(ctx context.Context, actorID, tenantID string) error {
	query := `
		INSERT INTO site_assignments (actor_id, tenant_id, assigned_at, revoked_at)
		VALUES ($1, $2, $3, NULL)
		ON CONFLICT (actor_id, tenant_id) DO UPDATE SET assigned_at = $3, revoked_at = NULL
	`
	if _, err := s.db.ExecContext(ctx, query, actorID, tenantID, time.Now().UTC()); err != nil {
		return fmt.Errorf("assign %s to %s: %w", actorID, tenantID, err)
	}
	return nil
}

// Revoke withdraws a reviewer's access to a tenant.
func (s *SQLAssignments) Revoke(ctx context.Context, actorID, tenantID string) error {
	query := `UPDATE site_assignments SET revoked_at = $1 WHERE actor_id = $2 AND tenant_id = $3`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), actorID, tenantID); err != nil {
		return fmt.Errorf("revoke %s from %s: %w", actorID, tenantID, err)
	}
	return nil
}

// AssignedTenants returns the actor's current (non-revoked) tenant set.
func (s *SQLAssignments) AssignedTenants(ctx context.Context, actorID string) ([]string, error) {
	query := `SELECT tenant_id FROM site_assignments WHERE actor_id = $1 AND revoked_at IS NULL`
	rows, err := s.db.QueryContext(ctx, query, actorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tenants := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tenants, nil
}
