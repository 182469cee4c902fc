package model

import (
	"math"

	"github.com/mbd888/typeguard/internal/features"
)

// KindGaussian identifies the diagonal-Gaussian model in persisted envelopes.
const KindGaussian = "gaussian"

const (
	// zCap bounds a single feature's contribution so one wild value cannot
	// dominate the distance.
	zCap = 6.0

	// halfRiskDistance is the distance at which risk reaches 0.5.
	halfRiskDistance = 2.0

	minSigma      = 1e-3
	relativeSigma = 0.05
)

func init() {
	Register(KindGaussian, func() Model { return NewGaussian() })
}

// Gaussian models each feature as an independent normal distribution whose
// parameters are estimated per feature group, using only samples where that
// group carried data. Risk is derived from the mean capped z-score over the
// groups present in both the scored vector and the fitted baseline.
//
// When impostor samples are fitted, their centroid is kept; a vector closer
// to that centroid than to the genuine mean scores at least
// dGenuine/(dGenuine+dImpostor).
type Gaussian struct {
	Mean         features.Vector          `json:"mean"`
	Std          features.Vector          `json:"std"`
	Seen         [features.NumGroups]bool `json:"seen"`
	Impostor     features.Vector          `json:"impostor"`
	ImpostorSeen [features.NumGroups]bool `json:"impostor_seen"`
	Genuine      float64                  `json:"genuine_weight"`
	Impostors    float64                  `json:"impostor_weight"`
}

var _ Model = (*Gaussian)(nil)

// NewGaussian returns an unfitted Gaussian model.
func NewGaussian() *Gaussian {
	return &Gaussian{}
}

func (g *Gaussian) Kind() string { return KindGaussian }

func (g *Gaussian) SupportsNegativeExamples() bool { return true }

// Fitted reports whether at least one feature group has a baseline.
func (g *Gaussian) Fitted() bool {
	for _, s := range g.Seen {
		if s {
			return true
		}
	}
	return false
}

// Fit estimates per-group weighted means and population standard deviations
// from the genuine samples, and the impostor centroid from the negative ones.
func (g *Gaussian) Fit(samples []Sample) error {
	var genuine, impostor []Sample
	for _, s := range samples {
		if s.Negative {
			impostor = append(impostor, s)
		} else {
			genuine = append(genuine, s)
		}
	}
	if len(genuine) == 0 {
		return ErrNoSamples
	}

	var next Gaussian
	for grp := features.Group(0); grp < features.NumGroups; grp++ {
		mean, std, weight := fitGroup(genuine, grp)
		if weight == 0 {
			continue
		}
		copyGroup(&next.Mean, &mean, grp)
		copyGroup(&next.Std, &std, grp)
		next.Seen[grp] = true
		next.Genuine = math.Max(next.Genuine, weight)

		imean, _, iweight := fitGroup(impostor, grp)
		if iweight == 0 {
			continue
		}
		copyGroup(&next.Impostor, &imean, grp)
		next.ImpostorSeen[grp] = true
		next.Impostors = math.Max(next.Impostors, iweight)
	}
	if !next.Mean.Finite() || !next.Std.Finite() || !next.Impostor.Finite() {
		return ErrNonFinite
	}
	*g = next
	return nil
}

func fitGroup(samples []Sample, grp features.Group) (mean, std features.Vector, total float64) {
	start, end := grp.Range()
	for _, s := range samples {
		if !s.Vector.GroupPresent(grp) {
			continue
		}
		w := s.weight()
		total += w
		for f := start; f < end; f++ {
			mean[f] += w * s.Vector[f]
		}
	}
	if total == 0 {
		return mean, std, 0
	}
	for f := start; f < end; f++ {
		mean[f] /= total
	}
	for _, s := range samples {
		if !s.Vector.GroupPresent(grp) {
			continue
		}
		w := s.weight()
		for f := start; f < end; f++ {
			d := s.Vector[f] - mean[f]
			std[f] += w * d * d
		}
	}
	for f := start; f < end; f++ {
		std[f] = math.Sqrt(std[f] / total)
	}
	return mean, std, total
}

func copyGroup(dst, src *features.Vector, grp features.Group) {
	start, end := grp.Range()
	for f := start; f < end; f++ {
		dst[f] = src[f]
	}
}

// sigma floors a fitted deviation so constant features do not produce
// infinite z-scores.
func sigma(std, mean float64) float64 {
	return math.Max(std, math.Max(minSigma, relativeSigma*math.Abs(mean)))
}

// distance is the mean capped z-score of v against center over the groups
// present in v and in both masks. ok is false when no group qualifies.
func (g *Gaussian) distance(v, center features.Vector, mask [features.NumGroups]bool) (d float64, ok bool) {
	var sum float64
	n := 0
	for grp := features.Group(0); grp < features.NumGroups; grp++ {
		if !g.Seen[grp] || !mask[grp] || !v.GroupPresent(grp) {
			continue
		}
		start, end := grp.Range()
		for f := start; f < end; f++ {
			z := math.Abs(v[f]-center[f]) / sigma(g.Std[f], g.Mean[f])
			sum += math.Min(z, zCap)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Distance returns the mean capped z-score of v from the genuine baseline.
func (g *Gaussian) Distance(v features.Vector) float64 {
	d, _ := g.distance(v, g.Mean, g.Seen)
	return d
}

// Score returns the risk of v in [0,1].
func (g *Gaussian) Score(v features.Vector) float64 {
	dg, ok := g.distance(v, g.Mean, g.Seen)
	if !ok {
		return 0
	}
	h2 := halfRiskDistance * halfRiskDistance
	risk := dg * dg / (dg*dg + h2)

	if g.Impostors > 0 {
		if dn, ok := g.distance(v, g.Impostor, g.ImpostorSeen); ok && dn < dg {
			risk = math.Max(risk, dg/(dg+dn))
		}
	}
	return Clamp01(risk)
}

// Clamp01 maps x into [0,1]; NaN maps to 0.
func Clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
