package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialpulse/clindata/core/pkg/canonicalize"
	"github.com/trialpulse/clindata/core/pkg/event"
)

func TestBuildEventComputesChainHash(t *testing.T) {
	env := testEnvelope("diary-1", "site-a", event.OpCreate, "", map[string]interface{}{"pain": 3})
	head := Head{Sequence: 41, Hash: "ab" + canonicalize.GenesisHash[2:]}

	ev, err := buildEvent(env, head)
	require.NoError(t, err)

	assert.Equal(t, int64(42), ev.Sequence)
	assert.Equal(t, head.Hash, ev.PrevHash)
	assert.Equal(t, event.DefaultSchemaVersion, ev.SchemaVersion)
	assert.NotEmpty(t, ev.EventID)

	// Times are truncated so the hash input survives storage round trips.
	assert.Zero(t, ev.ServerTime.Nanosecond()%1000)
	assert.Zero(t, ev.ClientTime.Nanosecond()%1000)

	recomputed, err := canonicalize.ChainHash(ev.Signable(), ev.PrevHash)
	require.NoError(t, err)
	assert.Equal(t, ev.Hash, recomputed)
}

func TestBuildEventHashDependsOnPredecessor(t *testing.T) {
	env := testEnvelope("diary-1", "site-a", event.OpCreate, "", map[string]interface{}{"pain": 3})
	env.ClientTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a, err := buildEvent(env, Head{Sequence: 1, Hash: canonicalize.GenesisHash})
	require.NoError(t, err)
	b, err := buildEvent(env, Head{Sequence: 1, Hash: a.Hash})
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestBuildFilter(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clause, args := buildFilter(Filter{
		TenantID:  "site-a",
		Operation: event.OpUpdate,
		From:      from,
		AfterSeq:  10,
	}, nil)

	assert.Equal(t, "WHERE tenant_id = $1 AND operation = $2 AND server_time >= $3 AND seq > $4", clause)
	require.Len(t, args, 4)
	assert.Equal(t, "site-a", args[0])
	assert.Equal(t, "UPDATE", args[1])
	assert.Equal(t, from, args[2])
	assert.Equal(t, int64(10), args[3])

	clause, args = buildFilter(Filter{}, nil)
	assert.Empty(t, clause)
	assert.Nil(t, args)
}

func TestMapPgError(t *testing.T) {
	immutable := &pq.Error{Code: "P0001", Message: "events are append-only"}
	assert.ErrorIs(t, mapPgError(immutable), ErrImmutability)

	denied := &pq.Error{Code: "42501", Message: "permission denied for table events"}
	assert.ErrorIs(t, mapPgError(denied), ErrWriteDenied)

	other := fmt.Errorf("connection reset")
	assert.Equal(t, other, mapPgError(other))

	otherPg := &pq.Error{Code: "23505", Message: "duplicate key"}
	assert.Equal(t, error(otherPg), mapPgError(otherPg))
}
