package analyzer

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/typeguard/internal/features"
	"github.com/mbd888/typeguard/internal/profile"
	"github.com/mbd888/typeguard/internal/testutil"
)

func TestSaveLoad_RoundTripPreservesScores(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "models", "snapshot.json"))
	a := trainedAnalyzer(t, WithModelStore(store))
	rng := rand.New(rand.NewSource(20))
	for i := 0; i < 12; i++ {
		analyze(t, a, "u1", steadyTypist.batch(rng))
	}
	analyze(t, a, "u2", otherTypist.batch(rng))
	require.NoError(t, a.UpdateUserProfile(ctx, "u1", otherTypist.batch(rng), "impostor"))
	require.NoError(t, a.SaveModels(ctx))

	b := New(profile.NewMemoryStore(), WithModelStore(store), WithLogger(testLogger()))
	require.NoError(t, b.LoadModels(ctx))
	require.True(t, b.IsTrained())

	queries := []features.Vector{
		features.ExtractBatch(steadyTypist.batch(rng)),
		features.ExtractBatch(otherTypist.batch(rng)),
	}
	for _, v := range queries {
		assert.Equal(t, a.Global().Model.Score(v), b.Global().Model.Score(v))
	}
	assert.Equal(t, a.Global().UserCount, b.Global().UserCount)

	for _, id := range []string{"u1", "u2"} {
		pa, err := a.Profile(ctx, id)
		require.NoError(t, err)
		pb, err := b.Profile(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, pa.SampleCount, pb.SampleCount, id)
		assert.Len(t, pb.Negatives, len(pa.Negatives), id)
		for _, v := range queries {
			assert.Equal(t, pa.Model.Score(v), pb.Model.Score(v), id)
		}
	}

	// Restored profiles keep serving personal scores.
	res := analyze(t, b, "u1", steadyTypist.batch(rng))
	assert.Equal(t, BasisPersonal, res.Basis)
}

func TestLoadModels_Missing(t *testing.T) {
	a := newTestAnalyzer(WithModelStore(NewFileStore(filepath.Join(t.TempDir(), "none.json"))))

	err := a.LoadModels(context.Background())
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.False(t, a.IsTrained())
}

func TestLoadModels_CorruptLeavesStateUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"featureCount":`), 0o600))

	a := trainedAnalyzer(t, WithModelStore(NewFileStore(path)))
	before := a.Global()

	err := a.LoadModels(context.Background())
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.Same(t, before, a.Global())
}

func TestLoadModels_SchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	data, err := json.Marshal(Snapshot{Version: SnapshotVersion, FeatureCount: 21})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	a := newTestAnalyzer(WithModelStore(NewFileStore(path)))
	err = a.LoadModels(context.Background())
	assert.ErrorIs(t, err, ErrModelLoad)

	data, err = json.Marshal(Snapshot{Version: SnapshotVersion + 1, FeatureCount: int(features.NumFeatures)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	assert.ErrorIs(t, a.LoadModels(context.Background()), ErrModelLoad)
}

func TestLoadModels_UnknownModelKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	snap := Snapshot{
		Version:      SnapshotVersion,
		FeatureCount: int(features.NumFeatures),
		FeatureNames: features.Names(),
		Global:       &GlobalRecord{},
	}
	snap.Global.Model.Kind = "forest"
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	a := newTestAnalyzer(WithModelStore(NewFileStore(path)))
	assert.ErrorIs(t, a.LoadModels(context.Background()), ErrModelLoad)
	assert.False(t, a.IsTrained())
}

func TestLoadOrBootstrap(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")

	strict := newTestAnalyzer(WithModelStore(NewFileStore(path)))
	assert.ErrorIs(t, strict.LoadOrBootstrap(ctx, false), ErrModelLoad)
	assert.False(t, strict.IsTrained())

	a := newTestAnalyzer(WithModelStore(NewFileStore(path)))
	require.NoError(t, a.LoadOrBootstrap(ctx, true))
	require.True(t, a.IsTrained())
	assert.Equal(t, DefaultBootstrapUsers, a.Global().UserCount)

	// Training saved the bootstrap model, so the next start loads it.
	_, err := os.Stat(path)
	require.NoError(t, err)
	b := newTestAnalyzer(WithModelStore(NewFileStore(path)))
	require.NoError(t, b.LoadOrBootstrap(ctx, false))
	assert.True(t, b.IsTrained())
}

func TestSaveModels_NoStore(t *testing.T) {
	a := newTestAnalyzer()
	assert.ErrorIs(t, a.SaveModels(context.Background()), ErrNoModelStore)
	assert.ErrorIs(t, a.LoadModels(context.Background()), ErrModelLoad)
}

func TestCheckpointTimer_SavesPeriodically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	a := newTestAnalyzer(WithModelStore(NewFileStore(path)))
	timer := NewCheckpointTimer(a, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func TestPostgresStore_SaveLoadLatest(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	a := trainedAnalyzer(t, WithModelStore(store))
	rng := rand.New(rand.NewSource(30))
	analyze(t, a, "u1", steadyTypist.batch(rng))
	require.NoError(t, a.SaveModels(ctx))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	require.Len(t, snap.Profiles, 1)
	assert.Equal(t, "u1", snap.Profiles[0].UserID)

	b := New(profile.NewMemoryStore(), WithModelStore(store), WithLogger(testLogger()))
	require.NoError(t, b.LoadModels(ctx))
	v := features.ExtractBatch(otherTypist.batch(rng))
	assert.InDelta(t, a.Global().Model.Score(v), b.Global().Model.Score(v), 1e-12)
}
