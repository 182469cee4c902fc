package features

import (
	"encoding/json"
	"fmt"
	"math"
)

// Feature indexes into a Vector. The order is part of the model schema:
// persisted models assume it, so append new features at the end only.
type Feature int

const (
	DwellMean Feature = iota
	DwellStd
	DwellMedian
	DwellSkew
	DwellKurtosis
	FlightMean
	FlightStd
	FlightMedian
	TypingSpeed
	UniqueKeys
	MostFrequentKeyRatio
	DigraphDiversity

	VelocityMean
	VelocityStd
	VelocityMax
	AccelerationMean
	AccelerationStd
	MovementEfficiency
	DirectionChanges

	ClickIntervalMean
	ClickIntervalStd
	ClickRate

	NumFeatures
)

var featureNames = [NumFeatures]string{
	DwellMean:            "dwell_mean",
	DwellStd:             "dwell_std",
	DwellMedian:          "dwell_median",
	DwellSkew:            "dwell_skew",
	DwellKurtosis:        "dwell_kurtosis",
	FlightMean:           "flight_mean",
	FlightStd:            "flight_std",
	FlightMedian:         "flight_median",
	TypingSpeed:          "typing_speed",
	UniqueKeys:           "unique_keys",
	MostFrequentKeyRatio: "most_frequent_key_ratio",
	DigraphDiversity:     "digraph_diversity",
	VelocityMean:         "velocity_mean",
	VelocityStd:          "velocity_std",
	VelocityMax:          "velocity_max",
	AccelerationMean:     "acceleration_mean",
	AccelerationStd:      "acceleration_std",
	MovementEfficiency:   "movement_efficiency",
	DirectionChanges:     "direction_changes",
	ClickIntervalMean:    "click_interval_mean",
	ClickIntervalStd:     "click_interval_std",
	ClickRate:            "click_rate",
}

// String returns the feature's schema name.
func (f Feature) String() string {
	if f < 0 || f >= NumFeatures {
		return fmt.Sprintf("feature(%d)", int(f))
	}
	return featureNames[f]
}

// Names returns the schema names in vector order.
func Names() []string {
	out := make([]string, NumFeatures)
	copy(out, featureNames[:])
	return out
}

// Group is a contiguous block of features that share a data source and are
// defaulted together when that source has too little data.
type Group int

const (
	GroupKeystroke Group = iota
	GroupPointer
	GroupClick

	NumGroups
)

var groupBounds = [NumGroups][2]Feature{
	GroupKeystroke: {DwellMean, DigraphDiversity + 1},
	GroupPointer:   {VelocityMean, DirectionChanges + 1},
	GroupClick:     {ClickIntervalMean, ClickRate + 1},
}

// Range returns the half-open [start, end) feature range of the group.
func (g Group) Range() (start, end Feature) {
	b := groupBounds[g]
	return b[0], b[1]
}

func (g Group) String() string {
	switch g {
	case GroupKeystroke:
		return "keystroke"
	case GroupPointer:
		return "pointer"
	case GroupClick:
		return "click"
	default:
		return "unknown"
	}
}

// Vector is a fixed-schema feature vector. Every field is always present;
// fields without enough source data hold 0.
type Vector [NumFeatures]float64

// Get returns the value of a feature.
func (v Vector) Get(f Feature) float64 {
	return v[f]
}

// GroupPresent reports whether any feature in g is non-zero, i.e. whether
// the batch carried enough data for that group.
func (v Vector) GroupPresent(g Group) bool {
	start, end := g.Range()
	for f := start; f < end; f++ {
		if v[f] != 0 {
			return true
		}
	}
	return false
}

// Empty reports whether no group carries data.
func (v Vector) Empty() bool {
	for g := Group(0); g < NumGroups; g++ {
		if v.GroupPresent(g) {
			return false
		}
	}
	return true
}

// Finite reports whether every feature is a finite number.
func (v Vector) Finite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Map returns the vector as name → value.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, NumFeatures)
	for i, name := range featureNames {
		m[name] = v[i]
	}
	return m
}

// MarshalJSON encodes the vector as a name → value object.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Map())
}

// UnmarshalJSON decodes a name → value object. Unknown names are rejected so
// a vector written under a different schema cannot load silently.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var out Vector
	for name, val := range m {
		f, ok := featureByName[name]
		if !ok {
			return fmt.Errorf("unknown feature %q", name)
		}
		out[f] = val
	}
	*v = out
	return nil
}

var featureByName = func() map[string]Feature {
	m := make(map[string]Feature, NumFeatures)
	for i, name := range featureNames {
		m[name] = Feature(i)
	}
	return m
}()
