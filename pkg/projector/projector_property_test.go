//go:build property
// +build property

// Property-based tests for projection determinism: the materialized state is
// always reproducible from the ledger alone.
package projector_test

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	_ "modernc.org/sqlite"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/event"
	"github.com/trialpulse/clindata/core/pkg/projector"
	"github.com/trialpulse/clindata/core/pkg/store"
)

type noConflicts struct{}

func (noConflicts) HasOpenConflict(ctx context.Context, entityID string) (bool, error) {
	return false, nil
}

// TestRebuildMatchesIncrementalFold verifies that for any sequence of field
// edits, replaying the ledger from scratch lands on exactly the state the
// incremental fold produced.
// Property: Rebuild(entity) == fold(Apply, events)
func TestRebuildMatchesIncrementalFold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	ctx := accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())

	properties.Property("Rebuild reproduces the incremental state", prop.ForAll(
		func(fieldPicks []int, values []string, deleteLast bool) bool {
			if len(fieldPicks) == 0 || len(values) == 0 {
				return true
			}

			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				return false
			}
			defer db.Close()
			db.SetMaxOpenConns(1)

			events := store.NewSQLiteStore(db)
			if err := events.Init(ctx); err != nil {
				return false
			}
			p := projector.New(db, events, noConflicts{})
			if err := p.Init(ctx); err != nil {
				return false
			}

			fields := []string{"pain", "mood", "sleep", "meds", "notes"}
			var incremental *projector.EntityState
			parent := ""
			for i, pick := range fieldPicks {
				field := fields[((pick%len(fields))+len(fields))%len(fields)]
				value := values[i%len(values)]

				op := event.OpUpdate
				if i == 0 {
					op = event.OpCreate
				}
				payload := map[string]interface{}{field: value}
				if deleteLast && i == len(fieldPicks)-1 && i > 0 {
					op = event.OpDelete
					payload = nil
				}

				ev, err := events.Append(ctx, &event.Envelope{
					EntityID:      "diary-prop",
					TenantID:      "site-a",
					Operation:     op,
					ActorID:       "system",
					ActorRole:     string(accesscontrol.RoleService),
					Payload:       payload,
					ClientTime:    time.Now().UTC(),
					ParentEventID: parent,
				}, store.AppendOptions{})
				if err != nil {
					return false
				}
				parent = ev.EventID
				if incremental, err = p.Apply(ctx, ev); err != nil {
					return false
				}
			}

			rebuilt, err := p.Rebuild(ctx, "diary-prop")
			if err != nil {
				return false
			}
			if !reflect.DeepEqual(incremental.CurrentPayload, rebuilt.CurrentPayload) {
				return false
			}
			return incremental.LastAppliedEventID == rebuilt.LastAppliedEventID &&
				incremental.LastAppliedSeq == rebuilt.LastAppliedSeq &&
				incremental.Version == rebuilt.Version &&
				incremental.Tombstoned == rebuilt.Tombstoned
		},
		gen.SliceOfN(8, gen.Int()),
		gen.SliceOfN(8, gen.AlphaString()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestApplyOrderIrrelevantAfterRebuild verifies a rebuild repairs any drift:
// even if incremental application skipped events, Rebuild converges on the
// full-ledger fold.
func TestApplyOrderIrrelevantAfterRebuild(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	ctx := accesscontrol.WithPrincipal(context.Background(), accesscontrol.ServicePrincipal())

	properties.Property("Rebuild converges regardless of applied prefix", prop.ForAll(
		func(applyPrefix int, values []string) bool {
			if len(values) < 2 {
				return true
			}

			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				return false
			}
			defer db.Close()
			db.SetMaxOpenConns(1)

			events := store.NewSQLiteStore(db)
			if err := events.Init(ctx); err != nil {
				return false
			}
			p := projector.New(db, events, noConflicts{})
			if err := p.Init(ctx); err != nil {
				return false
			}

			parent := ""
			committed := make([]*event.Event, 0, len(values))
			for i, v := range values {
				op := event.OpUpdate
				if i == 0 {
					op = event.OpCreate
				}
				ev, err := events.Append(ctx, &event.Envelope{
					EntityID:      "diary-prop",
					TenantID:      "site-a",
					Operation:     op,
					ActorID:       "system",
					ActorRole:     string(accesscontrol.RoleService),
					Payload:       map[string]interface{}{"notes": fmt.Sprintf("%d-%s", i, v)},
					ClientTime:    time.Now().UTC(),
					ParentEventID: parent,
				}, store.AppendOptions{})
				if err != nil {
					return false
				}
				parent = ev.EventID
				committed = append(committed, ev)
			}

			// Apply only a prefix, then rebuild.
			prefix := ((applyPrefix % len(committed)) + len(committed)) % len(committed)
			for _, ev := range committed[:prefix] {
				if _, err := p.Apply(ctx, ev); err != nil {
					return false
				}
			}

			rebuilt, err := p.Rebuild(ctx, "diary-prop")
			if err != nil {
				return false
			}
			last := committed[len(committed)-1]
			return rebuilt.LastAppliedEventID == last.EventID &&
				rebuilt.LastAppliedSeq == last.Sequence &&
				rebuilt.Version == int64(len(committed))
		},
		gen.Int(),
		gen.SliceOfN(6, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
