// Package store is the append-only event ledger: the single source of truth
// for clinical diary data. It exposes append and read operations only; the
// schema itself rejects updates and deletes for every role, including the
// service identity.
package store

import (
	"context"
	"time"

	"github.com/trialpulse/clindata/core/pkg/event"
)

// AppendOptions tunes a single append.
type AppendOptions struct {
	// AllowFork permits committing an envelope whose parent already has a
	// child, creating a real branch in the per-entity DAG. Only the sync
	// resolver sets this, after deciding the branch must be preserved for a
	// human decision. A plain append never forks silently.
	AllowFork bool

	// IdempotencyKey, when non-empty, is claimed in the same transaction
	// that commits the event. A second append presenting an already-claimed
	// key fails with ErrDuplicateKey and commits nothing.
	IdempotencyKey string
}

// Filter narrows AllEvents queries. Zero values mean "no constraint".
// Row visibility is enforced by the storage engine on top of this filter;
// the filter can only narrow what the caller is already allowed to see.
type Filter struct {
	TenantID  string
	EntityID  string
	ActorID   string
	Operation event.Operation
	From      time.Time
	To        time.Time

	// AfterSeq is the pagination cursor: return events with a strictly
	// greater global sequence.
	AfterSeq int64
	Limit    int
}

// Head is the current tail of the global hash chain.
type Head struct {
	Sequence int64
	Hash     string
}

// Store is the event ledger contract.
type Store interface {
	// Append validates nothing about the envelope beyond structural parent
	// rules (boundary validation happens before the store); it assigns
	// event_id, sequence, server_time, prev_hash and hash, and persists the
	// event atomically with the chain-head advance.
	Append(ctx context.Context, env *event.Envelope, opts AppendOptions) (*event.Event, error)

	// EventByID returns one event, or ErrNotFound if absent or invisible.
	EventByID(ctx context.Context, eventID string) (*event.Event, error)

	// EventsFor returns the entity's events in global append order. A
	// non-nil asOf restricts to events committed at or before that time.
	EventsFor(ctx context.Context, entityID string, asOf *time.Time) ([]*event.Event, error)

	// AllEvents returns a page of events matching the filter in global
	// append order, plus the cursor for the next page (0 when exhausted).
	AllEvents(ctx context.Context, f Filter) ([]*event.Event, int64, error)

	// ChildrenOf returns committed events claiming parentID.
	ChildrenOf(ctx context.Context, parentID string) ([]*event.Event, error)

	// ChainHead returns the tail of the global chain.
	ChainHead(ctx context.Context) (Head, error)

	// Range returns events with sequence in (afterSeq, afterSeq+limit],
	// unfiltered by visibility. Used by the chain verifier, which runs
	// under the service identity.
	Range(ctx context.Context, afterSeq int64, limit int) ([]*event.Event, error)
}
