package analyzer

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/mbd888/typeguard/internal/features"
)

// Bootstrap population defaults.
const (
	DefaultBootstrapSeed    = 42
	DefaultBootstrapUsers   = 50
	DefaultBootstrapBatches = 4

	bootstrapKeys   = 30
	bootstrapMoves  = 40
	bootstrapClicks = 4
)

var bootstrapKeySet = []string{"e", "t", "a", "o", "i", "n", "s", "h", "r", "d", "l", "u", " "}

// BootstrapPopulation generates a deterministic synthetic population of
// typing and pointer behavior. It stands in for real population data when
// no trained model has been persisted yet.
func BootstrapPopulation(seed int64, users, batchesPerUser int) []PopulationSample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]PopulationSample, 0, users*batchesPerUser)
	for u := 0; u < users; u++ {
		r := rhythm{
			dwell:       60 + rng.Float64()*70,
			dwellJitter: 8 + rng.Float64()*17,
			flight:      90 + rng.Float64()*170,
			speed:       200 + rng.Float64()*700,
			clickGap:    300 + rng.Float64()*900,
		}
		userID := fmt.Sprintf("bootstrap-%03d", u)
		for b := 0; b < batchesPerUser; b++ {
			out = append(out, PopulationSample{UserID: userID, Data: r.batch(rng)})
		}
	}
	return out
}

// rhythm is one synthetic user's behavioral signature.
type rhythm struct {
	dwell       float64
	dwellJitter float64
	flight      float64
	speed       float64
	clickGap    float64
}

func (r rhythm) batch(rng *rand.Rand) features.BehavioralData {
	return features.BehavioralData{
		Keystrokes: r.keystrokes(rng),
		Pointer:    r.pointer(rng),
	}
}

func (r rhythm) keystrokes(rng *rand.Rand) []features.KeyEvent {
	events := make([]features.KeyEvent, 0, bootstrapKeys*2)
	t := 1000.0
	for i := 0; i < bootstrapKeys; i++ {
		key := bootstrapKeySet[rng.Intn(len(bootstrapKeySet))]
		dwell := math.Max(5, r.dwell+rng.NormFloat64()*r.dwellJitter)
		events = append(events,
			features.KeyEvent{Kind: features.KeyDown, Key: key, Timestamp: t},
			features.KeyEvent{Kind: features.KeyUp, Key: key, Timestamp: t + dwell, DwellTime: features.Dwell(dwell)},
		)
		t += math.Max(20, r.flight+rng.NormFloat64()*r.flight*0.25)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return events
}

func (r rhythm) pointer(rng *rand.Rand) []features.PointerEvent {
	events := make([]features.PointerEvent, 0, bootstrapMoves+bootstrapClicks)
	x, y := 200+rng.Float64()*800, 150+rng.Float64()*500
	heading := rng.Float64() * 2 * math.Pi
	t := 1000.0
	nextClick := t + r.clickGap
	clicks := 0
	for i := 0; i < bootstrapMoves; i++ {
		dt := 12 + rng.Float64()*10
		t += dt
		heading += rng.NormFloat64() * 0.3
		step := math.Max(0, r.speed+rng.NormFloat64()*r.speed*0.2) * dt / 1000
		x += math.Cos(heading) * step
		y += math.Sin(heading) * step
		events = append(events, features.PointerEvent{Kind: features.PointerMove, X: x, Y: y, Timestamp: t})
		if t >= nextClick && clicks < bootstrapClicks {
			button := 0
			events = append(events, features.PointerEvent{Kind: features.PointerClick, X: x, Y: y, Timestamp: t, Button: &button})
			clicks++
			nextClick = t + r.clickGap*(0.7+rng.Float64()*0.6)
		}
	}
	return events
}
