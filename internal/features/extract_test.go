package features

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyUps(dwell []float64, stamps []float64, keys []string) []KeyEvent {
	out := make([]KeyEvent, 0, len(dwell)*2)
	for i := range dwell {
		key := ""
		if keys != nil {
			key = keys[i]
		}
		out = append(out,
			KeyEvent{Kind: KeyDown, KeyCode: 65 + i, Key: key, Timestamp: stamps[i] - dwell[i]},
			KeyEvent{Kind: KeyUp, KeyCode: 65 + i, Key: key, Timestamp: stamps[i], DwellTime: Dwell(dwell[i])},
		)
	}
	return out
}

func moves(points [][2]float64, step float64) []PointerEvent {
	out := make([]PointerEvent, len(points))
	for i, p := range points {
		out[i] = PointerEvent{Kind: PointerMove, X: p[0], Y: p[1], Timestamp: float64(i) * step}
	}
	return out
}

func assertGroupZero(t *testing.T, v Vector, g Group) {
	t.Helper()
	start, end := g.Range()
	for f := start; f < end; f++ {
		assert.Zerof(t, v[f], "%s should default to 0", f)
	}
}

func TestExtract_DwellScenario(t *testing.T) {
	dwell := []float64{50, 52, 48, 51, 49, 53, 50, 47, 52, 51}
	stamps := []float64{100, 210, 330, 420, 550, 660, 790, 870, 1000, 1110}
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	v := Extract(keyUps(dwell, stamps, keys), nil)

	assert.InDelta(t, 50.3, v[DwellMean], 1e-9)
	assert.Greater(t, v[DwellStd], 0.0)
	start, end := GroupKeystroke.Range()
	for f := start; f < end; f++ {
		assert.NotZerof(t, v[f], "%s should be populated", f)
	}
	assert.InDelta(t, 50.5, v[DwellMedian], 1e-9)
	assert.InDelta(t, 10.0/1010*1000, v[TypingSpeed], 1e-9)
	assert.Equal(t, 10.0, v[UniqueKeys])
	assert.InDelta(t, 0.1, v[MostFrequentKeyRatio], 1e-12)
	assert.Equal(t, 1.0, v[DigraphDiversity])
	assertGroupZero(t, v, GroupPointer)
	assertGroupZero(t, v, GroupClick)
}

func TestExtract_PopulationStatistics(t *testing.T) {
	dwell := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	stamps := []float64{0, 100, 200, 300, 400, 500, 600, 700}

	v := Extract(keyUps(dwell, stamps, nil), nil)

	// Population std of this sample is exactly 2 (sample std would be ~2.14).
	assert.InDelta(t, 5.0, v[DwellMean], 1e-12)
	assert.InDelta(t, 2.0, v[DwellStd], 1e-12)
	assert.InDelta(t, 100.0, v[FlightMean], 1e-12)
	assert.Zero(t, v[FlightStd])
}

func TestExtract_KeystrokesBelowMinimum(t *testing.T) {
	cases := map[string][]KeyEvent{
		"empty":     nil,
		"four ups":  keyUps([]float64{10, 20, 30, 40}, []float64{100, 200, 300, 400}, nil),
		"downs only": {
			{Kind: KeyDown, Key: "a", Timestamp: 1},
			{Kind: KeyDown, Key: "b", Timestamp: 2},
			{Kind: KeyDown, Key: "c", Timestamp: 3},
			{Kind: KeyDown, Key: "d", Timestamp: 4},
			{Kind: KeyDown, Key: "e", Timestamp: 5},
			{Kind: KeyDown, Key: "f", Timestamp: 6},
		},
		"ups without dwell": {
			{Kind: KeyUp, Key: "a", Timestamp: 1},
			{Kind: KeyUp, Key: "b", Timestamp: 2},
			{Kind: KeyUp, Key: "c", Timestamp: 3},
			{Kind: KeyUp, Key: "d", Timestamp: 4},
			{Kind: KeyUp, Key: "e", Timestamp: 5},
		},
	}
	for name, keys := range cases {
		t.Run(name, func(t *testing.T) {
			v := Extract(keys, nil)
			assertGroupZero(t, v, GroupKeystroke)
			assert.False(t, v.GroupPresent(GroupKeystroke))
		})
	}
}

func TestExtract_KeyIdentityFallsBackToKeyCode(t *testing.T) {
	var keys []KeyEvent
	for i := 0; i < 6; i++ {
		keys = append(keys, KeyEvent{Kind: KeyUp, KeyCode: 65 + i%2, Timestamp: float64(i * 100), DwellTime: Dwell(40)})
	}
	v := Extract(keys, nil)
	assert.Equal(t, 2.0, v[UniqueKeys])
	assert.InDelta(t, 0.5, v[MostFrequentKeyRatio], 1e-12)
	// Alternating A/B yields only the digraphs AB and BA.
	assert.InDelta(t, 2.0/5.0, v[DigraphDiversity], 1e-12)
}

func TestExtract_ZeroSpanTypingSpeed(t *testing.T) {
	keys := keyUps([]float64{10, 20, 30, 40, 50}, []float64{500, 500, 500, 500, 500}, nil)
	v := Extract(keys, nil)
	assert.Zero(t, v[TypingSpeed])
	assert.InDelta(t, 30.0, v[DwellMean], 1e-12)
}

func TestExtract_PointerBelowMinimum(t *testing.T) {
	pointer := moves([][2]float64{{0, 0}, {10, 0}, {20, 0}, {30, 0}}, 10)
	pointer = append(pointer,
		PointerEvent{Kind: PointerClick, X: 30, Y: 0, Timestamp: 100},
		PointerEvent{Kind: PointerClick, X: 30, Y: 0, Timestamp: 300},
	)

	v := Extract(nil, pointer)
	assertGroupZero(t, v, GroupPointer)
	// Clicks are computed from click count alone.
	assert.InDelta(t, 200.0, v[ClickIntervalMean], 1e-12)
	assert.Zero(t, v[ClickIntervalStd])
	assert.InDelta(t, 2.0/300*1000, v[ClickRate], 1e-12)
}

func TestExtract_SingleClickDefaults(t *testing.T) {
	pointer := moves([][2]float64{{0, 0}, {1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}}, 16)
	pointer = append(pointer, PointerEvent{Kind: PointerClick, X: 5, Y: 5, Timestamp: 200})
	v := Extract(nil, pointer)
	assertGroupZero(t, v, GroupClick)
	assert.True(t, v.GroupPresent(GroupPointer))
}

func TestExtract_StraightLineMotion(t *testing.T) {
	v := Extract(nil, moves([][2]float64{{0, 0}, {3, 4}, {6, 8}, {9, 12}, {12, 16}}, 10))

	// 5px every 10ms = 500 px/s, constant.
	assert.InDelta(t, 500.0, v[VelocityMean], 1e-9)
	assert.InDelta(t, 0.0, v[VelocityStd], 1e-9)
	assert.InDelta(t, 500.0, v[VelocityMax], 1e-9)
	assert.InDelta(t, 0.0, v[AccelerationMean], 1e-9)
	assert.InDelta(t, 1.0, v[MovementEfficiency], 1e-12)
	assert.Zero(t, v[DirectionChanges])
}

func TestExtract_DirectionChanges(t *testing.T) {
	// Zigzag: displacements alternate (10,10) and (10,-10).
	v := Extract(nil, moves([][2]float64{{0, 0}, {10, 10}, {20, 0}, {30, 10}, {40, 0}, {50, 10}}, 10))
	assert.Equal(t, 4.0, v[DirectionChanges])
	assert.Less(t, v[MovementEfficiency], 1.0)
	assert.Greater(t, v[MovementEfficiency], 0.0)

	// Small jitter under the threshold does not count.
	v = Extract(nil, moves([][2]float64{{0, 0}, {10, 0}, {22, 2}, {31, 0}, {43, 3}, {52, 1}}, 10))
	assert.Zero(t, v[DirectionChanges])
}

func TestExtract_StationaryPointerEfficiencyZero(t *testing.T) {
	v := Extract(nil, moves([][2]float64{{7, 7}, {7, 7}, {7, 7}, {7, 7}, {7, 7}}, 10))
	assert.Zero(t, v[MovementEfficiency])
	assert.Zero(t, v[VelocityMean])
}

func TestExtract_SameTimestampMovesClampDt(t *testing.T) {
	pointer := []PointerEvent{
		{Kind: PointerMove, X: 0, Y: 0, Timestamp: 10},
		{Kind: PointerMove, X: 1, Y: 0, Timestamp: 10},
		{Kind: PointerMove, X: 2, Y: 0, Timestamp: 10},
		{Kind: PointerMove, X: 3, Y: 0, Timestamp: 10},
		{Kind: PointerMove, X: 4, Y: 0, Timestamp: 10},
	}
	v := Extract(nil, pointer)
	for f := VelocityMean; f <= DirectionChanges; f++ {
		assert.Falsef(t, math.IsInf(v[f], 0) || math.IsNaN(v[f]), "%s must be finite", f)
	}
	assert.InDelta(t, 1000.0, v[VelocityMean], 1e-9)
}

func TestExtract_EfficiencyBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := 5 + rng.Intn(40)
		pts := make([][2]float64, n)
		for i := range pts {
			pts[i] = [2]float64{rng.Float64() * 1000, rng.Float64() * 800}
		}
		v := Extract(nil, moves(pts, 8))
		eff := v[MovementEfficiency]
		if eff < 0 || eff > 1 {
			t.Fatalf("trial %d: efficiency %v out of [0,1]", trial, eff)
		}
	}
}

func TestExtract_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var keys []KeyEvent
	ts := 0.0
	for i := 0; i < 40; i++ {
		ts += 50 + rng.Float64()*100
		keys = append(keys, KeyEvent{Kind: KeyUp, Key: string(rune('a' + rng.Intn(26))), Timestamp: ts, DwellTime: Dwell(30 + rng.Float64()*60)})
	}
	var pointer []PointerEvent
	ts = 0
	for i := 0; i < 60; i++ {
		ts += 5 + rng.Float64()*20
		kind := PointerMove
		if i%9 == 0 {
			kind = PointerClick
		}
		pointer = append(pointer, PointerEvent{Kind: kind, X: rng.Float64() * 1920, Y: rng.Float64() * 1080, Timestamp: ts})
	}

	first := Extract(keys, pointer)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, Extract(keys, pointer))
	}
	assert.False(t, first.Empty())
}

func TestVector_JSONUsesFeatureNames(t *testing.T) {
	var v Vector
	v[DwellMean] = 12.5
	v[ClickRate] = 3

	m := v.Map()
	assert.Len(t, m, int(NumFeatures))
	assert.Equal(t, 12.5, m["dwell_mean"])
	assert.Equal(t, 3.0, m["click_rate"])

	var bad Vector
	err := bad.UnmarshalJSON([]byte(`{"dwell_mean":1,"bogus":2}`))
	assert.Error(t, err)
}

func TestNames_FixedOrder(t *testing.T) {
	names := Names()
	require.Len(t, names, 22)
	assert.Equal(t, "dwell_mean", names[0])
	assert.Equal(t, "digraph_diversity", names[11])
	assert.Equal(t, "velocity_mean", names[12])
	assert.Equal(t, "click_rate", names[21])
}
