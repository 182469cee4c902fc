package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/typeguard/internal/features"
	"github.com/mbd888/typeguard/internal/model"
)

func sample(dwell float64) model.Sample {
	var v features.Vector
	v[features.DwellMean] = dwell
	return model.Sample{Vector: v}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStore_ReturnsIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := &UserProfile{UserID: "u1", CreatedAt: time.Now()}
	p.AppendSample(sample(50), DefaultHistorySize)
	require.NoError(t, s.Put(ctx, p))

	// Mutating the caller's copy after Put does not leak into the store.
	p.AppendSample(sample(60), DefaultHistorySize)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SampleCount)
	require.Len(t, got.History, 1)

	// Nor does mutating a returned copy.
	got.History[0].Vector[features.DwellMean] = 999
	again, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, again.History[0].Vector[features.DwellMean])
}

func TestMemoryStore_ListSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"carol", "alice", "bob"} {
		require.NoError(t, s.Put(ctx, &UserProfile{UserID: id}))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alice", all[0].UserID)
	assert.Equal(t, "bob", all[1].UserID)
	assert.Equal(t, "carol", all[2].UserID)
}

func TestAppendSample_BoundedWindow(t *testing.T) {
	p := &UserProfile{UserID: "u1"}
	for i := 0; i < 15; i++ {
		p.AppendSample(sample(float64(i)), 10)
	}
	assert.Equal(t, 15, p.SampleCount)
	require.Len(t, p.History, 10)
	assert.Equal(t, 5.0, p.History[0].Vector[features.DwellMean])
	assert.Equal(t, 14.0, p.History[9].Vector[features.DwellMean])
}

func TestAppendNegative_MarksAndBounds(t *testing.T) {
	p := &UserProfile{UserID: "u1"}
	for i := 0; i < 4; i++ {
		p.AppendNegative(sample(float64(i)), 3)
	}
	require.Len(t, p.Negatives, 3)
	for _, s := range p.Negatives {
		assert.True(t, s.Negative)
	}
	assert.Empty(t, p.History)
	assert.Equal(t, 0, p.SampleCount)
	assert.Len(t, p.TrainingSet(), 3)
}

func TestState(t *testing.T) {
	var missing *UserProfile
	assert.Equal(t, StateUnseen, missing.State(10))
	assert.Equal(t, StateWarming, (&UserProfile{SampleCount: 9}).State(10))
	assert.Equal(t, StatePersonalized, (&UserProfile{SampleCount: 10}).State(10))
}

func TestRecord_RoundTrip(t *testing.T) {
	p := &UserProfile{UserID: "u1", CreatedAt: time.Unix(1700000000, 0).UTC()}
	for i := 0; i < 5; i++ {
		p.AppendSample(sample(40+float64(i)), DefaultHistorySize)
	}
	g := model.NewGaussian()
	require.NoError(t, g.Fit(p.TrainingSet()))
	p.Model = g

	rec, err := p.ToRecord()
	require.NoError(t, err)
	require.NotNil(t, rec.Model)

	back, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, p.UserID, back.UserID)
	assert.Equal(t, p.SampleCount, back.SampleCount)

	query := sample(47).Vector
	assert.Equal(t, p.Model.Score(query), back.Model.Score(query))
}
