package stain

import (
	"math"
	"sort"
)

// Percentiles returns the requested percentiles (0-100) of values using
// linear interpolation between the closest ranks. values is sorted in place.
func Percentiles(values []float64, ps ...float64) []float64 {
	out := make([]float64, len(ps))
	if len(values) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	sort.Float64s(values)
	last := float64(len(values) - 1)
	for i, p := range ps {
		rank := p / 100 * last
		lo := math.Floor(rank)
		hi := math.Ceil(rank)
		frac := rank - lo
		out[i] = values[int(lo)] + (values[int(hi)]-values[int(lo)])*frac
	}
	return out
}
