package chain

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

func newTestLedger(t *testing.T) (store.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	events := store.NewSQLiteStore(db)
	require.NoError(t, events.Init(context.Background()))
	return events, db
}

func seedEvents(t *testing.T, events store.Store, n int) []*event.Event {
	t.Helper()
	ctx := accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())
	out := make([]*event.Event, 0, n)
	var parent string
	for i := 0; i < n; i++ {
		op := event.OpUpdate
		if i == 0 {
			op = event.OpCreate
		}
		ev, err := events.Append(ctx, &event.Envelope{
			EntityID:      "diary-1",
			TenantID:      "site-a",
			Operation:     op,
			ActorID:       "system",
			ActorRole:     string(accesscontrol.RoleService),
			Payload:       map[string]interface{}{"step": i},
			ClientTime:    time.Now().UTC(),
			ParentEventID: parent,
		}, store.AppendOptions{})
		require.NoError(t, err)
		parent = ev.EventID
		out = append(out, ev)
	}
	return out
}

// disarmTriggers removes the append-only triggers so a test can simulate
// out-of-band tampering with the underlying file.
func disarmTriggers(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`DROP TRIGGER events_no_update`)
	require.NoError(t, err)
}

func TestVerifyCleanChain(t *testing.T) {
	events, db := newTestLedger(t)
	seedEvents(t, events, 12)

	v := New(events, db, 5) // multiple chunks
	require.NoError(t, v.Init(context.Background()))

	report, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, int64(12), report.Checked)
	assert.Equal(t, int64(12), report.NextSeq)
	assert.Empty(t, report.TamperedAt)

	// The run itself is recorded as data.
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM verification_runs WHERE verified = TRUE`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestVerifyDetectsPayloadTampering(t *testing.T) {
	events, db := newTestLedger(t)
	seeded := seedEvents(t, events, 6)

	disarmTriggers(t, db)
	_, err := db.Exec(`UPDATE events SET payload = '{"step":99}' WHERE event_id = $1`, seeded[2].EventID)
	require.NoError(t, err)

	v := New(events, db, 100)
	require.NoError(t, v.Init(context.Background()))

	report, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.Contains(t, report.TamperedAt, seeded[2].EventID)
	// The chain is not repaired: verifying again still fails.
	again, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, again.Verified)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	events, db := newTestLedger(t)
	seeded := seedEvents(t, events, 4)

	disarmTriggers(t, db)
	// Rewriting a stored hash breaks the link to the successor even if the
	// successor's own hash recomputes.
	_, err := db.Exec(`UPDATE events SET hash = $1 WHERE event_id = $2`,
		"0000000000000000000000000000000000000000000000000000000000000000", seeded[1].EventID)
	require.NoError(t, err)

	v := New(events, db, 100)
	require.NoError(t, v.Init(context.Background()))

	report, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.NotEmpty(t, report.TamperedAt)
}

func TestVerifyFromResumes(t *testing.T) {
	events, db := newTestLedger(t)
	seeded := seedEvents(t, events, 10)

	v := New(events, db, 4)
	require.NoError(t, v.Init(context.Background()))

	first, err := v.VerifyFrom(context.Background(), 0, "")
	require.NoError(t, err)
	require.True(t, first.Verified)

	// Resume halfway using the recorded predecessor hash.
	resume, err := v.VerifyFrom(context.Background(), seeded[4].Sequence, seeded[4].Hash)
	require.NoError(t, err)
	assert.True(t, resume.Verified)
	assert.Equal(t, int64(5), resume.Checked)
	assert.Equal(t, seeded[9].Sequence, resume.NextSeq)
}

func TestVerifyEmptyLedger(t *testing.T) {
	events, db := newTestLedger(t)

	v := New(events, db, 100)
	require.NoError(t, v.Init(context.Background()))

	report, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Zero(t, report.Checked)
}
