package features

import (
	"math"
	"sort"
)

// moments holds population statistics for a sample.
type moments struct {
	mean     float64
	std      float64
	skew     float64
	kurtosis float64
}

func describe(xs []float64) moments {
	n := float64(len(xs))
	if n == 0 {
		return moments{}
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n

	var m2, m3, m4 float64
	for _, x := range xs {
		d := x - mean
		d2 := d * d
		m2 += d2
		m3 += d2 * d
		m4 += d2 * d2
	}
	m2 /= n
	m3 /= n
	m4 /= n

	out := moments{mean: mean, std: math.Sqrt(m2)}
	if m2 > 0 {
		out.skew = m3 / math.Pow(m2, 1.5)
		out.kurtosis = m4/(m2*m2) - 3
	}
	return out
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// diffs returns consecutive deltas xs[i+1]-xs[i].
func diffs(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		out[i-1] = xs[i] - xs[i-1]
	}
	return out
}
