package accesscontrol

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/trialpulse/clindata/core/pkg/event"
)

// The write-path predicate table: one CEL expression per role. Predicates
// see the caller, the envelope, the entity owner and the caller's assigned
// tenant set. Read visibility is not decided here; that is the storage
// engine's job. This table is the explicit pre-check callers use to tell
// "no access" apart from "no data".
var writePredicates = map[Role]string{
	RoleSubject: `principal.actor_id == envelope.actor_id &&
		(envelope.operation == "CREATE"
			? principal.tenant_id == envelope.tenant_id
			: owner == principal.actor_id)`,
	RoleReviewer: `envelope.tenant_id in assigned`,
	RoleAnalyst:  `false`,
	RoleAuditor:  `false`,
	RoleService:  `true`,
}

// AssignmentResolver resolves a reviewer's tenant set. Looked up per
// decision, never cached in a token.
type AssignmentResolver interface {
	AssignedTenants(ctx context.Context, actorID string) ([]string, error)
}

// OwnerResolver resolves the owning actor of an entity; empty for entities
// that do not exist yet.
type OwnerResolver interface {
	EntityOwner(ctx context.Context, entityID string) (string, error)
}

// Authorizer evaluates the write-path predicate table.
type Authorizer struct {
	env         *cel.Env
	assignments AssignmentResolver
	owners      OwnerResolver

	mu    sync.RWMutex
	cache map[Role]cel.Program
}

// NewAuthorizer compiles the predicate environment.
func NewAuthorizer(assignments AssignmentResolver, owners OwnerResolver) (*Authorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.DynType),
		cel.Variable("envelope", cel.DynType),
		cel.Variable("owner", cel.StringType),
		cel.Variable("assigned", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("authz environment: %w", err)
	}
	return &Authorizer{
		env:         env,
		assignments: assignments,
		owners:      owners,
		cache:       make(map[Role]cel.Program),
	}, nil
}

// CanAppend reports whether the principal may append this envelope. A false
// result carries no detail beyond the boolean; existence information must
// not leak through authorization errors.
func (a *Authorizer) CanAppend(ctx context.Context, p *Principal, env *event.Envelope) (bool, error) {
	if p == nil || !p.Role.Valid() {
		return false, nil
	}

	prg, err := a.program(p.Role)
	if err != nil {
		return false, err
	}

	owner := ""
	if a.owners != nil {
		owner, err = a.owners.EntityOwner(ctx, env.EntityID)
		if err != nil {
			return false, fmt.Errorf("resolve entity owner: %w", err)
		}
	}

	assigned := []string{}
	if p.Role == RoleReviewer && a.assignments != nil {
		assigned, err = a.assignments.AssignedTenants(ctx, p.ActorID)
		if err != nil {
			return false, fmt.Errorf("resolve assignments: %w", err)
		}
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"principal": map[string]interface{}{
			"actor_id":  p.ActorID,
			"role":      string(p.Role),
			"tenant_id": p.TenantID,
		},
		"envelope": map[string]interface{}{
			"actor_id":  env.ActorID,
			"tenant_id": env.TenantID,
			"entity_id": env.EntityID,
			"operation": string(env.Operation),
		},
		"owner":    owner,
		"assigned": assigned,
	})
	if err != nil {
		return false, fmt.Errorf("predicate evaluation: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate for role %s did not yield a boolean", p.Role)
	}
	return allowed, nil
}

// CanRead reports whether the principal may see any rows at all for a
// tenant. The row-by-row decision stays with the storage engine; this is
// only the coarse pre-check for callers that must distinguish denial from
// absence.
func (a *Authorizer) CanRead(ctx context.Context, p *Principal, tenantID string) (bool, error) {
	if p == nil || !p.Role.Valid() {
		return false, nil
	}
	switch p.Role {
	case RoleService, RoleAuditor, RoleAnalyst:
		return true, nil
	case RoleSubject:
		return true, nil // subject reads are narrowed to owned rows by the engine
	case RoleReviewer:
		if a.assignments == nil {
			return false, nil
		}
		assigned, err := a.assignments.AssignedTenants(ctx, p.ActorID)
		if err != nil {
			return false, err
		}
		for _, t := range assigned {
			if t == tenantID {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func (a *Authorizer) program(role Role) (cel.Program, error) {
	a.mu.RLock()
	prg, ok := a.cache[role]
	a.mu.RUnlock()
	if ok {
		return prg, nil
	}

	expr, ok := writePredicates[role]
	if !ok {
		return nil, fmt.Errorf("no write predicate for role %s", role)
	}
	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile predicate for %s: %w", role, issues.Err())
	}
	prg, err := a.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program for %s: %w", role, err)
	}

	a.mu.Lock()
	a.cache[role] = prg
	a.mu.Unlock()
	return prg, nil
}
