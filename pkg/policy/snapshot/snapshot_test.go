package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSet(rule string) *policy.Set {
	return &policy.Set{
		Policies: []policy.Policy{{
			ID: "p1", Version: 1,
			Logic: policy.ModuleSpec{Functions: []policy.FunctionSpec{{
				Name: "main",
				Blocks: []policy.BlockSpec{{Name: "entry", Instructions: []policy.InstructionSpec{
					{Op: policy.OpAction, Action: "DENY", Rule: rule},
				}}},
			}}},
		}},
		Scopes:     []policy.Scope{{ScopeID: "s1", PolicyID: "p1", Type: policy.ScopeAllRuns}},
		Precedence: []policy.Precedence{{PolicyID: "p1", Precedence: 1, ConflictStrategy: policy.StrategyFailClosed, BindAt: policy.BindRunStart, FailureMode: policy.FailClosed}},
	}
}

// storeFactory builds a fresh store and a function that overwrites a
// stored content hash behind the store's back.
type storeFactory func(t *testing.T, clk clock.Clock) (Store, func(id, hash string))

func memoryFactory(t *testing.T, clk clock.Clock) (Store, func(id, hash string)) {
	s := NewMemoryStore(clk)
	return s, func(id, hash string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.snapshots[id].ContentHash = hash
	}
}

func sqliteFactory(t *testing.T, clk clock.Clock) (Store, func(id, hash string)) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "snapshots.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, func(id, hash string) {
		ctx := context.Background()
		_, err := s.DB().ExecContext(ctx, `DROP TRIGGER policy_snapshots_immutable`)
		require.NoError(t, err)
		_, err = s.DB().ExecContext(ctx, `UPDATE policy_snapshots SET content_hash = ? WHERE snapshot_id = ?`, hash, id)
		require.NoError(t, err)
	}
}

var factories = map[string]storeFactory{
	"memory": memoryFactory,
	"sqlite": sqliteFactory,
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store, clk *clock.Fake, tamper func(id, hash string))) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(epoch)
			s, tamper := factory(t, clk)
			fn(t, s, clk, tamper)
		})
	}
}

func TestStore_CreateSupersedes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clk *clock.Fake, _ func(string, string)) {
		ctx := context.Background()

		first, err := s.Create(ctx, "tenant-a", testSet("r1"), Thresholds{"cost_usd": 50}, WithSourceRevision("abc123"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Version)
		assert.Equal(t, StatusActive, first.Status)
		assert.Equal(t, "abc123", first.SourceRevision)

		clk.Advance(time.Minute)
		second, err := s.Create(ctx, "tenant-a", testSet("r2"), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Version)

		active, err := s.Active(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, second.ID, active.ID)

		old, err := s.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSuperseded, old.Status)
		require.NotNil(t, old.SupersededAt)
		assert.True(t, old.SupersededAt.Equal(epoch.Add(time.Minute)))

		history, err := s.History(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, []int64{1, 2}, []int64{history[0].Version, history[1].Version})

		thresholds, err := first.Thresholds()
		require.NoError(t, err)
		assert.Equal(t, Thresholds{"cost_usd": 50}, thresholds)
	})
}

func TestStore_TenantsAreIndependent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *clock.Fake, _ func(string, string)) {
		ctx := context.Background()
		a, err := s.Create(ctx, "tenant-a", testSet("r"), nil)
		require.NoError(t, err)
		b, err := s.Create(ctx, "tenant-b", testSet("r"), nil)
		require.NoError(t, err)

		assert.Equal(t, int64(1), a.Version)
		assert.Equal(t, int64(1), b.Version)
		assert.Equal(t, a.ContentHash, b.ContentHash, "identical content hashes identically")

		_, err = s.Active(ctx, "tenant-c")
		assert.ErrorIs(t, err, ErrNoActiveSnapshot)
		_, err = s.Create(ctx, "", testSet("r"), nil)
		assert.ErrorIs(t, err, ErrEmptyTenant)
	})
}

func TestStore_VerifyDetectsTamper(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *clock.Fake, tamper func(string, string)) {
		ctx := context.Background()
		snap, err := s.Create(ctx, "tenant-a", testSet("r1"), Thresholds{"steps": 200})
		require.NoError(t, err)

		ok, err := s.Verify(ctx, snap.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		tamper(snap.ID, "deadbeef")

		ok, err = s.Verify(ctx, snap.ID)
		assert.False(t, ok)
		var integrity *IntegrityError
		require.ErrorAs(t, err, &integrity)
		assert.Equal(t, "content_hash", integrity.Field)
		assert.Equal(t, "deadbeef", integrity.Expected)

		got, err := s.Get(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusInvalid, got.Status)
		assert.Equal(t, "deadbeef", got.ContentHash, "verify never repairs")

		_, err = s.Active(ctx, "tenant-a")
		assert.ErrorIs(t, err, ErrNoActiveSnapshot)
	})
}

func TestStore_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *clock.Fake, _ func(string, string)) {
		ctx := context.Background()
		first, err := s.Create(ctx, "tenant-a", testSet("r1"), nil)
		require.NoError(t, err)

		var transition *TransitionError
		require.ErrorAs(t, s.Archive(ctx, first.ID), &transition, "ACTIVE cannot be archived")
		assert.Equal(t, StatusActive, transition.Status)
		require.ErrorAs(t, s.Delete(ctx, first.ID), &transition)

		_, err = s.Create(ctx, "tenant-a", testSet("r2"), nil)
		require.NoError(t, err)

		require.ErrorAs(t, s.Delete(ctx, first.ID), &transition, "SUPERSEDED cannot be deleted")
		require.NoError(t, s.Archive(ctx, first.ID))

		archived, err := s.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusArchived, archived.Status)
		assert.NotNil(t, archived.ArchivedAt)

		require.NoError(t, s.Delete(ctx, first.ID))
		_, err = s.Get(ctx, first.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Archive(ctx, "missing"), ErrNotFound)
	})
}

func TestStore_AmendIsRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *clock.Fake, _ func(string, string)) {
		ctx := context.Background()
		snap, err := s.Create(ctx, "tenant-a", testSet("r1"), nil)
		require.NoError(t, err)

		var immut *ImmutabilityViolationError
		require.ErrorAs(t, s.Amend(ctx, snap.ID, "policies_payload", `{}`), &immut)
		assert.Equal(t, "policies_payload", immut.Field)
		assert.ErrorIs(t, s.Amend(ctx, "missing", "version", 9), ErrNotFound)

		got, err := s.Get(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, snap.ContentHash, got.ContentHash)
	})
}

func TestStore_ConcurrentCreates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *clock.Fake, _ func(string, string)) {
		ctx := context.Background()
		const n = 16

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Create(ctx, "tenant-a", testSet(fmt.Sprintf("r%d", i)), nil)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		history, err := s.History(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, history, n)
		active := 0
		for i, snap := range history {
			assert.Equal(t, int64(i+1), snap.Version)
			if snap.Status == StatusActive {
				active++
			}
		}
		assert.Equal(t, 1, active)
	})
}

func TestSQLiteTriggersRejectDirectWrites(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "snapshots.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Create(ctx, "tenant-a", testSet("r1"), nil)
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE policy_snapshots SET policies_payload = '{}' WHERE snapshot_id = ?`, snap.ID)
	assert.ErrorContains(t, err, "immutable snapshot content")

	_, err = s.DB().ExecContext(ctx, `DELETE FROM policy_snapshots WHERE snapshot_id = ?`, snap.ID)
	assert.ErrorContains(t, err, "only archived snapshots can be deleted")

	// Status columns stay writable.
	_, err = s.DB().ExecContext(ctx, `UPDATE policy_snapshots SET status = 'INVALID' WHERE snapshot_id = ?`, snap.ID)
	assert.NoError(t, err)
}

func TestProvider_ActiveSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	p := NewProvider(store)

	_, _, err := p.ActiveSet(ctx, "tenant-a")
	assert.True(t, errors.Is(err, ErrNoActiveSnapshot))

	snap, err := store.Create(ctx, "tenant-a", testSet("r1"), Thresholds{"cost_usd": 10})
	require.NoError(t, err)

	set, id, err := p.ActiveSet(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, id)
	require.Len(t, set.Policies, 1)
	assert.Equal(t, "p1", set.Policies[0].ID)
	assert.NoError(t, set.Validate())

	thresholds, id, err := p.ActiveThresholds(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, id)
	assert.Equal(t, 10.0, thresholds["cost_usd"])
}

func TestProvider_Verify(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	snap, err := store.Create(ctx, "tenant-a", testSet("r1"), nil)
	require.NoError(t, err)

	p := NewProvider(store)
	p.Verify = true
	_, id, err := p.ActiveSet(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, id)

	store.mu.Lock()
	store.snapshots[snap.ID].ContentHash = "tampered"
	store.mu.Unlock()

	_, _, err = p.ActiveSet(ctx, "tenant-a")
	var integrity *IntegrityError
	require.True(t, errors.As(err, &integrity), "got %v", err)

	got, err := store.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, got.Status)
	_, err = store.Active(ctx, "tenant-a")
	assert.True(t, errors.Is(err, ErrNoActiveSnapshot))
}

func TestContentHash_IgnoresKeyOrder(t *testing.T) {
	a, err := ContentHash(nil, Thresholds{"a": 1, "b": 2})
	require.NoError(t, err)
	b, err := ContentHash(&policy.Set{}, Thresholds{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := ContentHash(nil, Thresholds{"a": 1, "b": 3})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestVersionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("versions are dense and exactly one snapshot is active", prop.ForAll(
		func(tenants []string) bool {
			ctx := context.Background()
			s := NewMemoryStore(nil)
			counts := map[string]int64{}
			for _, tenant := range tenants {
				snap, err := s.Create(ctx, tenant, testSet("r"), nil)
				if err != nil {
					return false
				}
				counts[tenant]++
				if snap.Version != counts[tenant] {
					return false
				}
			}
			for tenant, n := range counts {
				history, _ := s.History(ctx, tenant)
				if int64(len(history)) != n {
					return false
				}
				active := 0
				for _, snap := range history {
					if snap.Status == StatusActive {
						active++
					}
				}
				if active != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("t1", "t2", "t3")),
	))

	properties.TestingRun(t)
}
