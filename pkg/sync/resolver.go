package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/event"
	"github.com/trialpulse/clindata/core/pkg/store"
)

// Status classifies what happened to a submitted envelope.
type Status string

const (
	// StatusApplied: committed as a plain chain extension.
	StatusApplied Status = "applied"
	// StatusMerged: the branch touched fields disjoint from the committed
	// sibling, so it was re-parented onto the sibling head and committed as
	// one merged extension.
	StatusMerged Status = "merged"
	// StatusConflict: the branch overlapped the committed sibling; both
	// branches are preserved and a conflict now blocks the entity.
	StatusConflict Status = "conflict"
	// StatusDuplicate: the idempotency key was seen before; the original
	// event is returned unchanged.
	StatusDuplicate Status = "duplicate"
)

// Result reports the outcome of one submission.
type Result struct {
	Status   Status       `json:"status"`
	Event    *event.Event `json:"event,omitempty"`
	Conflict *Conflict    `json:"conflict,omitempty"`
	Flagged  bool         `json:"flagged,omitempty"`
}

// Applier receives committed events for projection. Projection failures
// are not append failures: the ledger entry stands either way.
type Applier interface {
	ApplyEvent(ctx context.Context, ev *event.Event) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, ev *event.Event) error

func (f ApplierFunc) ApplyEvent(ctx context.Context, ev *event.Event) error { return f(ctx, ev) }

// Rebuilder refolds an entity's state from the ledger. Used after conflict
// resolution, when events committed during the block must be folded back in
// server order rather than replayed one at a time.
type Rebuilder interface {
	RebuildEntity(ctx context.Context, entityID string) error
}

// RebuilderFunc adapts a function to Rebuilder.
type RebuilderFunc func(ctx context.Context, entityID string) error

func (f RebuilderFunc) RebuildEntity(ctx context.Context, entityID string) error {
	return f(ctx, entityID)
}

// Resolver is the single write path into the ledger. It validates at the
// boundary, authorizes the writer, detects forks, automerges disjoint
// branches, and records conflicts for everything else.
type Resolver struct {
	events    store.Store
	conflicts *ConflictStore
	authz     *accesscontrol.Authorizer
	validator *event.Validator
	applier   Applier
	rebuilder Rebuilder

	schemaRange   *semver.Constraints
	skewTolerance time.Duration
	clock         func() time.Time
}

// Options tunes resolver policy.
type Options struct {
	// SchemaRange is the accepted payload schema_version constraint.
	SchemaRange *semver.Constraints
	// SkewTolerance is the largest |server_time − client_time| accepted
	// without flagging for review.
	SkewTolerance time.Duration
}

func NewResolver(events store.Store, conflicts *ConflictStore, authz *accesscontrol.Authorizer,
	validator *event.Validator, applier Applier, opts Options) *Resolver {
	if opts.SkewTolerance <= 0 {
		opts.SkewTolerance = 5 * time.Minute
	}
	return &Resolver{
		events:        events,
		conflicts:     conflicts,
		authz:         authz,
		validator:     validator,
		applier:       applier,
		schemaRange:   opts.SchemaRange,
		skewTolerance: opts.SkewTolerance,
		clock:         time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// WithRebuilder installs the post-resolution refold hook.
func (r *Resolver) WithRebuilder(rb Rebuilder) *Resolver {
	r.rebuilder = rb
	return r
}

// Submit validates, authorizes and appends one envelope, handling forks.
func (r *Resolver) Submit(ctx context.Context, env *event.Envelope) (*Result, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if r.validator != nil {
		if err := r.validator.ValidatePayload(env); err != nil {
			return nil, err
		}
	}
	if err := env.CheckSchemaVersion(r.schemaRange); err != nil {
		return nil, err
	}

	p := accesscontrol.PrincipalFromContext(ctx)
	if r.authz != nil {
		allowed, err := r.authz.CanAppend(ctx, p, env)
		if err != nil {
			return nil, fmt.Errorf("authorize append: %w", err)
		}
		if !allowed {
			return nil, store.ErrWriteDenied
		}
	}

	if env.IdempotencyKey != "" {
		if prior, err := r.lookupDuplicate(ctx, env.IdempotencyKey); err != nil {
			return nil, err
		} else if prior != nil {
			return &Result{Status: StatusDuplicate, Event: prior}, nil
		}
	}

	result, err := r.append(ctx, env)
	if errors.Is(err, store.ErrDuplicateKey) {
		// A concurrent submission claimed the key first; its event is the
		// only one committed.
		prior, lerr := r.lookupDuplicate(ctx, env.IdempotencyKey)
		if lerr != nil {
			return nil, lerr
		}
		if prior != nil {
			return &Result{Status: StatusDuplicate, Event: prior}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if result.Event != nil {
		result.Flagged, err = r.flagSkew(ctx, result.Event)
		if err != nil {
			return nil, err
		}
	}

	// Project only clean extensions; a conflicted entity stays frozen
	// until resolution.
	if r.applier != nil && result.Status != StatusConflict && result.Event != nil {
		if err := r.applier.ApplyEvent(ctx, result.Event); err != nil {
			slog.Error("projection failed after append", "event_id", result.Event.EventID, "error", err)
		}
	}
	return result, nil
}

func (r *Resolver) append(ctx context.Context, env *event.Envelope) (*Result, error) {
	ev, err := r.events.Append(ctx, env, store.AppendOptions{IdempotencyKey: env.IdempotencyKey})
	if err == nil {
		return &Result{Status: StatusApplied, Event: ev}, nil
	}

	var fork *store.ForkError
	if !errors.As(err, &fork) {
		return nil, err
	}
	return r.resolveFork(ctx, env, fork)
}

// resolveFork decides between automerge and conflict preservation. The
// committed sibling always stands; the question is only how the new branch
// enters the ledger.
func (r *Resolver) resolveFork(ctx context.Context, env *event.Envelope, fork *store.ForkError) (*Result, error) {
	siblings, err := r.branchEvents(ctx, fork.ExistingIDs)
	if err != nil {
		return nil, err
	}

	if head, ok := r.mergeTarget(env, siblings); ok {
		merged := *env
		merged.ParentEventID = head
		ev, err := r.events.Append(ctx, &merged, store.AppendOptions{IdempotencyKey: env.IdempotencyKey})
		if err == nil {
			return &Result{Status: StatusMerged, Event: ev}, nil
		}
		// The head moved between the fork check and the retry; fall
		// through and preserve the branch for a human.
		var again *store.ForkError
		if !errors.As(err, &again) {
			return nil, err
		}
	}

	// Overlapping edits: commit the branch as a true fork and open a
	// conflict. Nothing is silently chosen or discarded.
	ev, err := r.events.Append(ctx, env, store.AppendOptions{AllowFork: true, IdempotencyKey: env.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	conflict, err := r.conflicts.Record(ctx, fork.EntityID, append(append([]string{}, fork.ExistingIDs...), ev.EventID))
	if err != nil {
		return nil, err
	}
	slog.Warn("sync conflict recorded",
		"entity_id", fork.EntityID, "conflict_id", conflict.ConflictID, "branches", conflict.BranchEventIDs)
	return &Result{Status: StatusConflict, Event: ev, Conflict: conflict}, nil
}

// mergeTarget reports whether the submitted branch may automerge, and onto
// which sibling head. Merge is allowed only for UPDATE-vs-UPDATE branches
// touching strictly disjoint field sets, the field-level three-way merge
// against their common parent. Anything else needs a human.
func (r *Resolver) mergeTarget(env *event.Envelope, siblings []*event.Event) (string, bool) {
	if env.Operation != event.OpUpdate || len(siblings) != 1 {
		return "", false
	}
	sibling := siblings[0]
	if sibling.Operation != event.OpUpdate {
		return "", false
	}
	for field := range env.Payload {
		if _, overlap := sibling.Payload[field]; overlap {
			return "", false
		}
	}
	return sibling.EventID, true
}

func (r *Resolver) branchEvents(ctx context.Context, ids []string) ([]*event.Event, error) {
	svcCtx := accesscontrol.WithPrincipal(ctx, accesscontrol.ServicePrincipal())
	events := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := r.events.EventByID(svcCtx, id)
		if err != nil {
			return nil, fmt.Errorf("load branch %s: %w", id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *Resolver) flagSkew(ctx context.Context, ev *event.Event) (bool, error) {
	skew := ev.ServerTime.Sub(ev.ClientTime)
	if skew < 0 {
		skew = -skew
	}
	if skew <= r.skewTolerance {
		return false, nil
	}
	reason := fmt.Sprintf("client clock skew %s exceeds tolerance %s", skew, r.skewTolerance)
	if err := r.conflicts.Flag(ctx, ev.EventID, ev.EntityID, reason, skew); err != nil {
		return false, err
	}
	slog.Warn("event flagged for clock skew", "event_id", ev.EventID, "skew", skew)
	return true, nil
}

func (r *Resolver) lookupDuplicate(ctx context.Context, key string) (*event.Event, error) {
	eventID, err := r.conflicts.LookupIdempotent(ctx, key)
	if err != nil || eventID == "" {
		return nil, err
	}
	svcCtx := accesscontrol.WithPrincipal(ctx, accesscontrol.ServicePrincipal())
	return r.events.EventByID(svcCtx, eventID)
}

// Resolve closes a conflict with a human decision: the envelope is appended
// as the new head of the entity's version chain, and the conflict closes in
// the same logical step. Only reviewers and the service identity may
// resolve.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, env *event.Envelope, note string) (*Result, error) {
	p := accesscontrol.PrincipalFromContext(ctx)
	if p == nil || (p.Role != accesscontrol.RoleReviewer && p.Role != accesscontrol.RoleService) {
		return nil, store.ErrWriteDenied
	}

	conflict, err := r.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if conflict.Resolved {
		return nil, fmt.Errorf("conflict %s already resolved", conflictID)
	}
	if env.EntityID != conflict.EntityID {
		return nil, &event.ValidationError{Fields: []string{"entity_id"}, Reason: "resolution targets a different entity"}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if r.validator != nil {
		if err := r.validator.ValidatePayload(env); err != nil {
			return nil, err
		}
	}

	// A resolution is still an append: the reviewer must hold an active
	// assignment for the envelope's tenant, the role alone is not enough.
	if r.authz != nil {
		allowed, err := r.authz.CanAppend(ctx, p, env)
		if err != nil {
			return nil, fmt.Errorf("authorize resolution: %w", err)
		}
		if !allowed {
			return nil, store.ErrWriteDenied
		}
	}

	// The resolution descends from one branch head; both branches remain
	// in history, the resolution is simply the new live head.
	ev, err := r.events.Append(ctx, env, store.AppendOptions{AllowFork: true, IdempotencyKey: env.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	if err := r.conflicts.Close(ctx, conflictID, ev.EventID, note); err != nil {
		return nil, err
	}

	// Events appended while the entity was blocked were never projected;
	// a refold picks them up in server order along with the resolution.
	switch {
	case r.rebuilder != nil:
		if err := r.rebuilder.RebuildEntity(ctx, ev.EntityID); err != nil {
			slog.Error("rebuild failed after resolution", "entity_id", ev.EntityID, "error", err)
		}
	case r.applier != nil:
		if err := r.applier.ApplyEvent(ctx, ev); err != nil {
			slog.Error("projection failed after resolution", "event_id", ev.EventID, "error", err)
		}
	}
	return &Result{Status: StatusApplied, Event: ev}, nil
}
