package sync

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/event"
	"github.com/trialpulse/clindata/core/pkg/projector"
	"github.com/trialpulse/clindata/core/pkg/store"
)

type recordingApplier struct {
	applied []string
}

func (a *recordingApplier) ApplyEvent(ctx context.Context, ev *event.Event) error {
	a.applied = append(a.applied, ev.EventID)
	return nil
}

type recordingRebuilder struct {
	entities []string
}

func (r *recordingRebuilder) RebuildEntity(ctx context.Context, entityID string) error {
	r.entities = append(r.entities, entityID)
	return nil
}

func newTestResolver(t *testing.T) (*Resolver, store.Store, *ConflictStore, *recordingApplier) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	events := store.NewSQLiteStore(db)
	require.NoError(t, events.Init(context.Background()))
	conflicts := NewConflictStore(db)
	require.NoError(t, conflicts.Init(context.Background()))

	applier := &recordingApplier{}
	r := NewResolver(events, conflicts, nil, nil, applier, Options{SkewTolerance: 5 * time.Minute})
	return r, events, conflicts, applier
}

func svcCtx() context.Context {
	return accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())
}

func ctxAs(role accesscontrol.Role, actor, tenant string) context.Context {
	return accesscontrol.WithPrincipal(context.Background(),
		&accesscontrol.Principal{ActorID: actor, Role: role, TenantID: tenant})
}

func envelope(entityID string, op event.Operation, parent string, payload map[string]interface{}) *event.Envelope {
	return &event.Envelope{
		EntityID:      entityID,
		TenantID:      "site-a",
		Operation:     op,
		ActorID:       "system",
		ActorRole:     string(accesscontrol.RoleService),
		Payload:       payload,
		ClientTime:    time.Now().UTC(),
		ParentEventID: parent,
	}
}

func TestSubmitAppliesCleanExtension(t *testing.T) {
	r, _, _, applier := newTestResolver(t)
	ctx := svcCtx()

	res, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	require.NotNil(t, res.Event)
	assert.False(t, res.Flagged)

	res2, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, res.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res2.Status)
	assert.Equal(t, []string{res.Event.EventID, res2.Event.EventID}, applier.applied)
}

func TestAutomergeDisjointUpdates(t *testing.T) {
	r, events, conflicts, _ := newTestResolver(t)
	ctx := svcCtx()

	base, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0, "sleep": 8.0}))
	require.NoError(t, err)

	// Two clients edited offline from the same parent, touching different
	// fields. The second lands as a merge, not a conflict.
	a, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)
	require.Equal(t, StatusApplied, a.Status)

	b, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"sleep": 6.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, b.Status)
	assert.Nil(t, b.Conflict)
	// The merged event was re-parented onto the committed sibling head.
	assert.Equal(t, a.Event.EventID, b.Event.ParentEventID)

	open, err := conflicts.List(ctx, true, 0)
	require.NoError(t, err)
	assert.Empty(t, open)

	// The chain is linear again: the merge is the single live head.
	children, err := events.ChildrenOf(svcCtx(), a.Event.EventID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, b.Event.EventID, children[0].EventID)
}

func TestOverlappingForkRecordsConflict(t *testing.T) {
	r, events, conflicts, applier := newTestResolver(t)
	ctx := svcCtx()

	base, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}))
	require.NoError(t, err)
	a, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)

	b, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 9.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, b.Status)
	require.NotNil(t, b.Conflict)
	assert.ElementsMatch(t, []string{a.Event.EventID, b.Event.EventID}, b.Conflict.BranchEventIDs)

	// Both branches are committed ledger entries.
	for _, id := range b.Conflict.BranchEventIDs {
		_, err := events.EventByID(svcCtx(), id)
		require.NoError(t, err)
	}

	blocked, err := conflicts.HasOpenConflict(ctx, "diary-1")
	require.NoError(t, err)
	assert.True(t, blocked)

	// The conflicted branch is not projected.
	assert.NotContains(t, applier.applied, b.Event.EventID)
}

func TestCorrectionBranchNeverAutomerges(t *testing.T) {
	r, _, _, _ := newTestResolver(t)
	ctx := svcCtx()

	base, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}))
	require.NoError(t, err)
	_, err = r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)

	// Disjoint fields, but a correction branch always goes to a human.
	res, err := r.Submit(ctx, envelope("diary-1", event.OpCorrect, base.Event.EventID,
		map[string]interface{}{"sleep": 6.0, "reason": "late entry"}))
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)
}

func TestIdempotentResubmission(t *testing.T) {
	r, events, _, _ := newTestResolver(t)
	ctx := svcCtx()

	env := envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0})
	env.IdempotencyKey = "upload-123"

	first, err := r.Submit(ctx, env)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, first.Status)

	retry, err := r.Submit(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, retry.Status)
	assert.Equal(t, first.Event.EventID, retry.Event.EventID)

	history, err := events.EventsFor(svcCtx(), "diary-1", nil)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestClockSkewFlagsButCommits(t *testing.T) {
	r, _, conflicts, _ := newTestResolver(t)
	ctx := svcCtx()

	env := envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0})
	env.ClientTime = time.Now().UTC().Add(-30 * time.Minute)

	res, err := r.Submit(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.True(t, res.Flagged)

	var n int
	require.NoError(t, conflicts.db.QueryRow(
		`SELECT COUNT(1) FROM flagged_events WHERE event_id = $1`, res.Event.EventID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestResolveClosesConflictAndRefolds(t *testing.T) {
	r, _, conflicts, _ := newTestResolver(t)
	rebuilder := &recordingRebuilder{}
	r.WithRebuilder(rebuilder)
	ctx := svcCtx()

	base, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}))
	require.NoError(t, err)
	a, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)
	b, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 9.0}))
	require.NoError(t, err)
	require.Equal(t, StatusConflict, b.Status)

	resolution := envelope("diary-1", event.OpUpdate, a.Event.EventID, map[string]interface{}{"pain": 9.0})

	// Analysts cannot resolve.
	_, err = r.Resolve(ctxAs(accesscontrol.RoleAnalyst, "ana-1", "site-a"), b.Conflict.ConflictID, resolution, "")
	assert.ErrorIs(t, err, store.ErrWriteDenied)

	reviewerCtx := ctxAs(accesscontrol.RoleReviewer, "rev-1", "site-a")
	res, err := r.Resolve(reviewerCtx, b.Conflict.ConflictID, resolution, "kept the later reading")
	require.NoError(t, err)
	require.NotNil(t, res.Event)

	closed, err := conflicts.Get(ctx, b.Conflict.ConflictID)
	require.NoError(t, err)
	assert.True(t, closed.Resolved)
	assert.Equal(t, res.Event.EventID, closed.ResolutionEventID)
	assert.Equal(t, "kept the later reading", closed.ResolutionNote)
	require.NotNil(t, closed.ResolvedAt)

	// The entity unblocks and gets refolded, not replayed event by event.
	blocked, err := conflicts.HasOpenConflict(ctx, "diary-1")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, []string{"diary-1"}, rebuilder.entities)

	// A closed conflict cannot be resolved twice.
	_, err = r.Resolve(reviewerCtx, b.Conflict.ConflictID, resolution, "")
	assert.Error(t, err)
}

func TestResolveRequiresTenantAssignment(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	events := store.NewSQLiteStore(db)
	require.NoError(t, events.Init(context.Background()))
	assignments := accesscontrol.NewSQLAssignments(db)
	require.NoError(t, assignments.Init(context.Background()))
	authz, err := accesscontrol.NewAuthorizer(assignments, accesscontrol.NewSQLOwners(db))
	require.NoError(t, err)
	conflicts := NewConflictStore(db)
	require.NoError(t, conflicts.Init(context.Background()))
	r := NewResolver(events, conflicts, authz, nil, &recordingApplier{}, Options{SkewTolerance: 5 * time.Minute})

	ctx := svcCtx()
	base, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}))
	require.NoError(t, err)
	a, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)
	b, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 9.0}))
	require.NoError(t, err)
	require.Equal(t, StatusConflict, b.Status)

	resolution := envelope("diary-1", event.OpUpdate, a.Event.EventID, map[string]interface{}{"pain": 9.0})
	resolution.ActorID = "rev-far"
	resolution.ActorRole = string(accesscontrol.RoleReviewer)

	// A reviewer assigned to a different site holds the right role but no
	// assignment for this tenant; the resolution append is denied.
	require.NoError(t, assignments.Assign(context.Background(), "rev-far", "site-b"))
	_, err = r.Resolve(ctxAs(accesscontrol.RoleReviewer, "rev-far", "site-b"), b.Conflict.ConflictID, resolution, "")
	assert.ErrorIs(t, err, store.ErrWriteDenied)

	open, err := conflicts.HasOpenConflict(context.Background(), "diary-1")
	require.NoError(t, err)
	assert.True(t, open)

	// An assignment for the entity's tenant unlocks the same call.
	resolution.ActorID = "rev-near"
	require.NoError(t, assignments.Assign(context.Background(), "rev-near", "site-a"))
	res, err := r.Resolve(ctxAs(accesscontrol.RoleReviewer, "rev-near", "site-a"), b.Conflict.ConflictID, resolution, "kept the later reading")
	require.NoError(t, err)
	require.NotNil(t, res.Event)

	closed, err := conflicts.Get(context.Background(), b.Conflict.ConflictID)
	require.NoError(t, err)
	assert.True(t, closed.Resolved)
}

func TestResolveCorrectionRecordsSupersession(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	events := store.NewSQLiteStore(db)
	require.NoError(t, events.Init(context.Background()))
	require.NoError(t, accesscontrol.NewSQLAssignments(db).Init(context.Background()))
	conflicts := NewConflictStore(db)
	require.NoError(t, conflicts.Init(context.Background()))
	proj := projector.New(db, events, conflicts)
	require.NoError(t, proj.Init(context.Background()))

	r := NewResolver(events, conflicts, nil, nil, nil, Options{SkewTolerance: 5 * time.Minute}).
		WithRebuilder(RebuilderFunc(func(ctx context.Context, entityID string) error {
			_, err := proj.Rebuild(ctx, entityID)
			return err
		}))

	ctx := svcCtx()
	base, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}))
	require.NoError(t, err)
	a, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)
	b, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 9.0}))
	require.NoError(t, err)
	require.Equal(t, StatusConflict, b.Status)

	correction := envelope("diary-1", event.OpCorrect, a.Event.EventID,
		map[string]interface{}{"pain": 9.0, "reason": "took the later reading"})
	res, err := r.Resolve(ctxAs(accesscontrol.RoleReviewer, "rev-1", "site-a"), b.Conflict.ConflictID, correction, "corrected")
	require.NoError(t, err)

	// The refold after resolution records the supersession; the corrected
	// event stays in history, marked replaced.
	by, err := proj.SupersededBy(ctx, a.Event.EventID)
	require.NoError(t, err)
	assert.Equal(t, res.Event.EventID, by)

	state, err := proj.State(ctx, "diary-1")
	require.NoError(t, err)
	assert.Equal(t, res.Event.EventID, state.LastAppliedEventID)
	assert.Equal(t, 9.0, state.CurrentPayload["pain"])
}

func TestResolveRejectsWrongEntity(t *testing.T) {
	r, _, _, _ := newTestResolver(t)
	ctx := svcCtx()

	base, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}))
	require.NoError(t, err)
	a, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)
	b, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 9.0}))
	require.NoError(t, err)
	require.Equal(t, StatusConflict, b.Status)

	wrong := envelope("diary-2", event.OpUpdate, a.Event.EventID, map[string]interface{}{"pain": 9.0})
	_, err = r.Resolve(svcCtx(), b.Conflict.ConflictID, wrong, "")
	var validation *event.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestApplyBatchContinuesPastConflicts(t *testing.T) {
	r, _, _, _ := newTestResolver(t)
	ctx := svcCtx()

	base, err := r.Submit(ctx, envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}))
	require.NoError(t, err)
	a, err := r.Submit(ctx, envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 4.0}))
	require.NoError(t, err)

	batch, err := r.ApplyBatch(ctx, []*event.Envelope{
		envelope("diary-1", event.OpUpdate, base.Event.EventID, map[string]interface{}{"pain": 9.0}),
		envelope("diary-2", event.OpCreate, "", map[string]interface{}{"mood": "ok"}),
		envelope("diary-1", event.OpUpdate, a.Event.EventID, map[string]interface{}{"sleep": 6.0}),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Committed)
	assert.Equal(t, -1, batch.FailedIndex)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, StatusConflict, batch.Results[0].Status)
	assert.Equal(t, StatusApplied, batch.Results[1].Status)
}

func TestApplyBatchStopsAtFirstHardFailure(t *testing.T) {
	r, _, _, _ := newTestResolver(t)
	ctx := svcCtx()

	bad := envelope("", event.OpCreate, "", map[string]interface{}{"pain": 3.0})
	batch, err := r.ApplyBatch(ctx, []*event.Envelope{
		envelope("diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0}),
		bad,
		envelope("diary-2", event.OpCreate, "", map[string]interface{}{"mood": "ok"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Committed)
	assert.Equal(t, 1, batch.FailedIndex)
	assert.NotEmpty(t, batch.FailureMsg)
	assert.Len(t, batch.Results, 1)
}

func TestApplyBatchRejectsOversize(t *testing.T) {
	r, _, _, _ := newTestResolver(t)

	oversized := make([]*event.Envelope, MaxBatchSize+1)
	for i := range oversized {
		oversized[i] = envelope(fmt.Sprintf("diary-%d", i), event.OpCreate, "", nil)
	}
	_, err := r.ApplyBatch(svcCtx(), oversized)
	var tooLarge *BatchTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, MaxBatchSize+1, tooLarge.Size)
}
