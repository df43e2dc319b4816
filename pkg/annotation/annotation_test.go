package annotation

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

func newTestStore(t *testing.T) (*Store, store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	events := store.NewSQLiteStore(db)
	require.NoError(t, events.Init(context.Background()))

	s := NewStore(db, events)
	require.NoError(t, s.Init(context.Background()))
	return s, events
}

func ctxAs(role accesscontrol.Role, actor, tenant string) context.Context {
	return accesscontrol.WithPrincipal(context.Background(),
		&accesscontrol.Principal{ActorID: actor, Role: role, TenantID: tenant})
}

func seedEntity(t *testing.T, events store.Store, owner string) *event.Event {
	t.Helper()
	ev, err := events.Append(ctxAs(accesscontrol.RoleSubject, owner, "site-a"), &event.Envelope{
		EntityID:   "diary-1",
		TenantID:   "site-a",
		Operation:  event.OpCreate,
		ActorID:    owner,
		ActorRole:  string(accesscontrol.RoleSubject),
		Payload:    map[string]interface{}{"pain": 3.0},
		ClientTime: time.Now().UTC(),
	}, store.AppendOptions{})
	require.NoError(t, err)
	return ev
}

func TestAnnotationLifecycle(t *testing.T) {
	s, events := newTestStore(t)
	ev := seedEntity(t, events, "subj-1")

	raiserCtx := accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())
	subjCtx := ctxAs(accesscontrol.RoleSubject, "subj-1", "site-a")

	a, err := s.Open(raiserCtx, "diary-1", ev.EventID, "Pain score seems low for the reported episode; please confirm.")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, a.Status)
	assert.Equal(t, ev.EventID, a.EventID)
	assert.Equal(t, "site-a", a.TenantID)
	assert.Equal(t, "system", a.RaisedBy)

	// The subject answers; the latest answer stands if answered twice.
	answered, err := s.Answer(subjCtx, a.AnnotationID, "Score is correct.")
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, answered.Status)
	assert.Equal(t, "subj-1", answered.AnsweredBy)

	answered, err = s.Answer(subjCtx, a.AnnotationID, "Confirmed after checking my notes.")
	require.NoError(t, err)
	assert.Equal(t, "Confirmed after checking my notes.", answered.Answer)

	// The subject did not raise the query and cannot close it.
	_, err = s.Close(subjCtx, a.AnnotationID)
	assert.ErrorIs(t, err, store.ErrWriteDenied)

	closed, err := s.Close(raiserCtx, a.AnnotationID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	// Closing again is a no-op, answering is not.
	again, err := s.Close(raiserCtx, a.AnnotationID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, again.Status)
	_, err = s.Answer(subjCtx, a.AnnotationID, "too late")
	assert.Error(t, err)
}

func TestOpenValidation(t *testing.T) {
	s, events := newTestStore(t)
	seedEntity(t, events, "subj-1")
	ctx := accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())

	_, err := s.Open(ctx, "diary-1", "", "")
	var validation *event.ValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = s.Open(ctx, "no-such-entity", "", "where is it?")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A pinned event must belong to the entity's history.
	_, err = s.Open(ctx, "diary-1", "ev-elsewhere", "about that event")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Open(context.Background(), "diary-1", "", "anonymous question")
	assert.ErrorIs(t, err, store.ErrWriteDenied)
}

func TestAnnotationVisibilityFollowsEntity(t *testing.T) {
	s, events := newTestStore(t)
	seedEntity(t, events, "subj-1")

	svcCtx := accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())
	a, err := s.Open(svcCtx, "diary-1", "", "Please confirm the entry date.")
	require.NoError(t, err)

	// The owner sees the query.
	got, err := s.Get(ctxAs(accesscontrol.RoleSubject, "subj-1", "site-a"), a.AnnotationID)
	require.NoError(t, err)
	assert.Equal(t, a.AnnotationID, got.AnnotationID)

	// Another subject cannot see the entity, so the query does not exist
	// for them.
	otherCtx := ctxAs(accesscontrol.RoleSubject, "subj-2", "site-a")
	_, err = s.Get(otherCtx, a.AnnotationID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(otherCtx, "diary-1", false)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Get(svcCtx, "no-such-annotation")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersOpenQueries(t *testing.T) {
	s, events := newTestStore(t)
	seedEntity(t, events, "subj-1")
	ctx := accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())

	first, err := s.Open(ctx, "diary-1", "", "first question")
	require.NoError(t, err)
	_, err = s.Open(ctx, "diary-1", "", "second question")
	require.NoError(t, err)
	_, err = s.Close(ctx, first.AnnotationID)
	require.NoError(t, err)

	all, err := s.List(ctx, "diary-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := s.List(ctx, "diary-1", true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "second question", open[0].Question)
}
