package features

import (
	"math"
	"strconv"
)

const (
	// MinKeystrokeSamples is the number of key-up events with a dwell time
	// needed before the keystroke group is computed.
	MinKeystrokeSamples = 5

	// MinMoveSamples is the number of move events needed before the
	// pointer-motion group is computed.
	MinMoveSamples = 5

	// MinClickSamples is the number of clicks needed for the click group.
	MinClickSamples = 2

	// DirectionChangeThreshold is the per-axis displacement change, in
	// pixels, counted as a change of direction.
	DirectionChangeThreshold = 5.0

	minStepMillis = 1.0
)

// Extract computes the feature vector for a batch of events.
//
// All spread and shape statistics are population statistics: std is the
// square root of the mean squared deviation, skewness is m3/m2^1.5 and
// kurtosis is excess kurtosis m4/m2^2 - 3, both 0 when the sample has no
// variance. Rates are per second; timestamps are taken to be milliseconds.
//
// Extract assumes its input has passed Validate. It never fails: each group
// falls back to zeros when its source has too few events.
func Extract(keys []KeyEvent, pointer []PointerEvent) Vector {
	var v Vector
	extractKeystrokes(&v, keys)
	extractMotion(&v, pointer)
	extractClicks(&v, pointer)
	return v
}

// ExtractBatch is Extract over a BehavioralData batch.
func ExtractBatch(d BehavioralData) Vector {
	return Extract(d.Keystrokes, d.Pointer)
}

// ExtractValid validates d and extracts its vector. Every caller that scores,
// stores or trains on a batch goes through here, so a vector that reaches a
// model is always finite.
func ExtractValid(d BehavioralData) (Vector, error) {
	if err := d.Validate(); err != nil {
		return Vector{}, err
	}
	v := ExtractBatch(d)
	if !v.Finite() {
		return Vector{}, &ValidationError{Field: "features", Index: -1, Message: "batch statistics are not finite"}
	}
	return v, nil
}

func keyIdentity(ev KeyEvent) string {
	if ev.Key != "" {
		return ev.Key
	}
	return "#" + strconv.Itoa(ev.KeyCode)
}

func extractKeystrokes(v *Vector, keys []KeyEvent) {
	var (
		dwell []float64
		stamp []float64
		ids   []string
	)
	for _, ev := range keys {
		if ev.Kind != KeyUp || ev.DwellTime == nil {
			continue
		}
		dwell = append(dwell, *ev.DwellTime)
		stamp = append(stamp, ev.Timestamp)
		ids = append(ids, keyIdentity(ev))
	}
	if len(dwell) < MinKeystrokeSamples {
		return
	}

	dm := describe(dwell)
	v[DwellMean] = dm.mean
	v[DwellStd] = dm.std
	v[DwellMedian] = median(dwell)
	v[DwellSkew] = dm.skew
	v[DwellKurtosis] = dm.kurtosis

	flight := diffs(stamp)
	fm := describe(flight)
	v[FlightMean] = fm.mean
	v[FlightStd] = fm.std
	v[FlightMedian] = median(flight)

	if span := stamp[len(stamp)-1] - stamp[0]; span > 0 {
		v[TypingSpeed] = float64(len(stamp)) / span * 1000
	}

	counts := make(map[string]int, len(ids))
	top := 0
	for _, id := range ids {
		counts[id]++
		if counts[id] > top {
			top = counts[id]
		}
	}
	v[UniqueKeys] = float64(len(counts))
	v[MostFrequentKeyRatio] = float64(top) / float64(len(ids))

	digraphs := make(map[[2]string]struct{}, len(ids))
	for i := 1; i < len(ids); i++ {
		digraphs[[2]string{ids[i-1], ids[i]}] = struct{}{}
	}
	v[DigraphDiversity] = float64(len(digraphs)) / float64(len(ids)-1)
}

func extractMotion(v *Vector, pointer []PointerEvent) {
	var moves []PointerEvent
	for _, ev := range pointer {
		if ev.Kind == PointerMove {
			moves = append(moves, ev)
		}
	}
	if len(moves) < MinMoveSamples {
		return
	}

	n := len(moves) - 1
	speed := make([]float64, n)
	stepDt := make([]float64, n)
	var path float64
	for i := 1; i < len(moves); i++ {
		dx := moves[i].X - moves[i-1].X
		dy := moves[i].Y - moves[i-1].Y
		dist := math.Hypot(dx, dy)
		dt := math.Max(moves[i].Timestamp-moves[i-1].Timestamp, minStepMillis)
		path += dist
		speed[i-1] = dist / dt * 1000
		stepDt[i-1] = dt
	}

	sm := describe(speed)
	v[VelocityMean] = sm.mean
	v[VelocityStd] = sm.std
	v[VelocityMax] = maxOf(speed)

	accel := make([]float64, 0, n)
	for i := 1; i < n; i++ {
		accel = append(accel, (speed[i]-speed[i-1])/stepDt[i]*1000)
	}
	am := describe(accel)
	v[AccelerationMean] = am.mean
	v[AccelerationStd] = am.std

	if path > 0 {
		first, last := moves[0], moves[len(moves)-1]
		straight := math.Hypot(last.X-first.X, last.Y-first.Y)
		v[MovementEfficiency] = math.Min(straight/path, 1)
	}

	changes := 0
	prevDx := moves[1].X - moves[0].X
	prevDy := moves[1].Y - moves[0].Y
	for i := 2; i < len(moves); i++ {
		dx := moves[i].X - moves[i-1].X
		dy := moves[i].Y - moves[i-1].Y
		if math.Abs(dx-prevDx) > DirectionChangeThreshold || math.Abs(dy-prevDy) > DirectionChangeThreshold {
			changes++
		}
		prevDx, prevDy = dx, dy
	}
	v[DirectionChanges] = float64(changes)
}

func extractClicks(v *Vector, pointer []PointerEvent) {
	var stamps []float64
	for _, ev := range pointer {
		if ev.Kind == PointerClick {
			stamps = append(stamps, ev.Timestamp)
		}
	}
	if len(stamps) < MinClickSamples {
		return
	}

	cm := describe(diffs(stamps))
	v[ClickIntervalMean] = cm.mean
	v[ClickIntervalStd] = cm.std

	if span := pointer[len(pointer)-1].Timestamp - pointer[0].Timestamp; span > 0 {
		v[ClickRate] = float64(len(stamps)) / span * 1000
	}
}
