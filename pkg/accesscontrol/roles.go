// Package accesscontrol defines the role model, the per-(role, resource)
// predicate table evaluated before writes, and the site-assignment relation
// behind the reviewer role. Row visibility on reads is enforced by the
// storage engine itself (Postgres RLS policies, or the equivalent predicates
// compiled into the SQLite query layer); this package supplies the session
// identity those policies key off.
package accesscontrol

import (
	"context"
)

// Role is the caller's access role, taken from verified identity claims.
type Role string

const (
	// RoleSubject is a trial participant: sees and writes only entities
	// they own.
	RoleSubject Role = "subject"
	// RoleReviewer is site staff: scoped to the tenants in their
	// assignment set, re-checked per query.
	RoleReviewer Role = "reviewer"
	// RoleAnalyst reads across sites, never writes.
	RoleAnalyst Role = "analyst"
	// RoleAuditor reads everything, never writes.
	RoleAuditor Role = "auditor"
	// RoleService is the trusted backend identity: full read/write, never
	// handed to end-user sessions. Append-only enforcement still applies.
	RoleService Role = "service"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSubject, RoleReviewer, RoleAnalyst, RoleAuditor, RoleService:
		return true
	}
	return false
}

// Principal is the verified caller identity attached to each request.
type Principal struct {
	ActorID  string
	Role     Role
	TenantID string
}

type principalKey struct{}

// WithPrincipal attaches the caller identity to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller identity, or nil when absent.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// ServicePrincipal is used by trusted in-process callers (projector,
// verifier, resolver) that operate on the full ledger.
func ServicePrincipal() *Principal {
	return &Principal{ActorID: "system", Role: RoleService, TenantID: ""}
}
