package projector

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/event"
	"github.com/trialpulse/clindata/core/pkg/store"
)

type stubConflicts struct {
	blocked map[string]bool
}

func (s *stubConflicts) HasOpenConflict(ctx context.Context, entityID string) (bool, error) {
	return s.blocked[entityID], nil
}

func newTestProjector(t *testing.T) (*Projector, store.Store, *stubConflicts) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	events := store.NewSQLiteStore(db)
	require.NoError(t, events.Init(context.Background()))
	require.NoError(t, accesscontrol.NewSQLAssignments(db).Init(context.Background()))

	conflicts := &stubConflicts{blocked: map[string]bool{}}
	p := New(db, events, conflicts)
	require.NoError(t, p.Init(context.Background()))
	return p, events, conflicts
}

func svcCtx() context.Context {
	return accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())
}

func appendEvent(t *testing.T, events store.Store, entityID string, op event.Operation, parent string, payload map[string]interface{}) *event.Event {
	t.Helper()
	ev, err := events.Append(svcCtx(), &event.Envelope{
		EntityID:      entityID,
		TenantID:      "site-a",
		Operation:     op,
		ActorID:       "system",
		ActorRole:     string(accesscontrol.RoleService),
		Payload:       payload,
		ClientTime:    time.Now().UTC(),
		ParentEventID: parent,
	}, store.AppendOptions{})
	require.NoError(t, err)
	return ev
}

func TestApplyFoldRules(t *testing.T) {
	p, events, _ := newTestProjector(t)
	ctx := svcCtx()

	e1 := appendEvent(t, events, "diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0, "mood": "ok"})
	state, err := p.Apply(ctx, e1)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"pain": 3.0, "mood": "ok"}, state.CurrentPayload)
	assert.Equal(t, int64(1), state.Version)
	assert.False(t, state.Tombstoned)

	// UPDATE merges fields; untouched fields survive.
	e2 := appendEvent(t, events, "diary-1", event.OpUpdate, e1.EventID, map[string]interface{}{"pain": 5.0})
	state, err = p.Apply(ctx, e2)
	require.NoError(t, err)
	assert.Equal(t, 5.0, state.CurrentPayload["pain"])
	assert.Equal(t, "ok", state.CurrentPayload["mood"])
	assert.Equal(t, int64(2), state.Version)

	// DELETE tombstones; payload is retained for reconstruction.
	e3 := appendEvent(t, events, "diary-1", event.OpDelete, e2.EventID, nil)
	state, err = p.Apply(ctx, e3)
	require.NoError(t, err)
	assert.True(t, state.Tombstoned)
	assert.Equal(t, 5.0, state.CurrentPayload["pain"])

	// Tombstoned entities drop out of current listings.
	states, err := p.List(ctx, "site-a", 0)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestApplyIsIdempotent(t *testing.T) {
	p, events, _ := newTestProjector(t)
	ctx := svcCtx()

	e1 := appendEvent(t, events, "diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0})
	e2 := appendEvent(t, events, "diary-1", event.OpUpdate, e1.EventID, map[string]interface{}{"pain": 4.0})

	_, err := p.Apply(ctx, e1)
	require.NoError(t, err)
	first, err := p.Apply(ctx, e2)
	require.NoError(t, err)

	again, err := p.Apply(ctx, e2)
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, first.LastAppliedSeq, again.LastAppliedSeq)
	assert.Equal(t, first.CurrentPayload, again.CurrentPayload)
}

func TestCorrectionSupersedesParent(t *testing.T) {
	p, events, _ := newTestProjector(t)
	ctx := svcCtx()

	// The correction scenario: E1 records pain=3, E2 corrects to pain=5.
	e1 := appendEvent(t, events, "diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0})
	_, err := p.Apply(ctx, e1)
	require.NoError(t, err)

	e2 := appendEvent(t, events, "diary-1", event.OpCorrect, e1.EventID,
		map[string]interface{}{"pain": 5.0, "reason": "transcription error"})
	state, err := p.Apply(ctx, e2)
	require.NoError(t, err)

	// Current state reflects the correction.
	assert.Equal(t, 5.0, state.CurrentPayload["pain"])
	assert.Equal(t, e2.EventID, state.LastAppliedEventID)

	// E1 remains queryable and is marked superseded, not removed.
	history, err := events.EventsFor(ctx, "diary-1", nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, e1.EventID, history[0].EventID)

	by, err := p.SupersededBy(ctx, e1.EventID)
	require.NoError(t, err)
	assert.Equal(t, e2.EventID, by)

	by, err = p.SupersededBy(ctx, e2.EventID)
	require.NoError(t, err)
	assert.Empty(t, by)
}

func TestRebuildMatchesIncremental(t *testing.T) {
	p, events, _ := newTestProjector(t)
	ctx := svcCtx()

	e1 := appendEvent(t, events, "diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0, "sleep": 8.0})
	e2 := appendEvent(t, events, "diary-1", event.OpUpdate, e1.EventID, map[string]interface{}{"pain": 4.0})
	e3 := appendEvent(t, events, "diary-1", event.OpCorrect, e2.EventID, map[string]interface{}{"sleep": 6.0, "reason": "typo"})

	var incremental *EntityState
	var err error
	for _, ev := range []*event.Event{e1, e2, e3} {
		incremental, err = p.Apply(ctx, ev)
		require.NoError(t, err)
	}

	rebuilt, err := p.Rebuild(ctx, "diary-1")
	require.NoError(t, err)

	assert.Equal(t, incremental.CurrentPayload, rebuilt.CurrentPayload)
	assert.Equal(t, incremental.LastAppliedEventID, rebuilt.LastAppliedEventID)
	assert.Equal(t, incremental.LastAppliedSeq, rebuilt.LastAppliedSeq)
	assert.Equal(t, incremental.Version, rebuilt.Version)
	assert.Equal(t, incremental.Tombstoned, rebuilt.Tombstoned)
}

func TestRebuildRecordsSupersessions(t *testing.T) {
	p, events, _ := newTestProjector(t)
	ctx := svcCtx()

	// History containing a correction that was never fed through Apply,
	// the shape a conflict-resolution refold produces.
	e1 := appendEvent(t, events, "diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0})
	e2 := appendEvent(t, events, "diary-1", event.OpUpdate, e1.EventID, map[string]interface{}{"pain": 4.0})
	e3 := appendEvent(t, events, "diary-1", event.OpCorrect, e2.EventID,
		map[string]interface{}{"pain": 5.0, "reason": "transcription error"})

	state, err := p.Rebuild(ctx, "diary-1")
	require.NoError(t, err)
	assert.Equal(t, e3.EventID, state.LastAppliedEventID)

	by, err := p.SupersededBy(ctx, e2.EventID)
	require.NoError(t, err)
	assert.Equal(t, e3.EventID, by)

	by, err = p.SupersededBy(ctx, e1.EventID)
	require.NoError(t, err)
	assert.Empty(t, by)
}

func TestRebuildAsOf(t *testing.T) {
	p, events, _ := newTestProjector(t)
	ctx := svcCtx()

	e1 := appendEvent(t, events, "diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0})
	cutoff := e1.ServerTime
	time.Sleep(2 * time.Millisecond)
	appendEvent(t, events, "diary-1", event.OpUpdate, e1.EventID, map[string]interface{}{"pain": 9.0})

	then, err := p.RebuildAsOf(ctx, "diary-1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3.0, then.CurrentPayload["pain"])

	now, err := p.Rebuild(ctx, "diary-1")
	require.NoError(t, err)
	assert.Equal(t, 9.0, now.CurrentPayload["pain"])
}

func TestOpenConflictBlocksProjection(t *testing.T) {
	p, events, conflicts := newTestProjector(t)
	ctx := svcCtx()

	e1 := appendEvent(t, events, "diary-1", event.OpCreate, "", map[string]interface{}{"pain": 3.0})
	_, err := p.Apply(ctx, e1)
	require.NoError(t, err)

	conflicts.blocked["diary-1"] = true
	e2 := appendEvent(t, events, "diary-1", event.OpUpdate, e1.EventID, map[string]interface{}{"pain": 4.0})
	_, err = p.Apply(ctx, e2)
	assert.ErrorIs(t, err, ErrBlocked)

	// State is frozen at the pre-conflict version.
	state, err := p.State(ctx, "diary-1")
	require.NoError(t, err)
	assert.Equal(t, e1.EventID, state.LastAppliedEventID)

	conflicts.blocked["diary-1"] = false
	_, err = p.Apply(ctx, e2)
	require.NoError(t, err)
}

func TestStateVisibility(t *testing.T) {
	p, events, _ := newTestProjector(t)

	subjCtx := accesscontrol.WithPrincipal(context.Background(),
		&accesscontrol.Principal{ActorID: "subj-1", Role: accesscontrol.RoleSubject, TenantID: "site-a"})
	ev, err := events.Append(subjCtx, &event.Envelope{
		EntityID:   "diary-1",
		TenantID:   "site-a",
		Operation:  event.OpCreate,
		ActorID:    "subj-1",
		ActorRole:  string(accesscontrol.RoleSubject),
		Payload:    map[string]interface{}{"pain": 3.0},
		ClientTime: time.Now().UTC(),
	}, store.AppendOptions{})
	require.NoError(t, err)
	_, err = p.Apply(svcCtx(), ev)
	require.NoError(t, err)

	// Owner sees the state.
	state, err := p.State(subjCtx, "diary-1")
	require.NoError(t, err)
	assert.Equal(t, "diary-1", state.EntityID)

	// A different subject gets not-found, indistinguishable from absence.
	otherCtx := accesscontrol.WithPrincipal(context.Background(),
		&accesscontrol.Principal{ActorID: "subj-2", Role: accesscontrol.RoleSubject, TenantID: "site-a"})
	_, err = p.State(otherCtx, "diary-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
