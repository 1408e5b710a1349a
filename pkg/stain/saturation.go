package stain

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"slidenorm/internal/models"
)

// SaturationPercentile is the percentile used as the per-stain scale
const SaturationPercentile = 99

// Batch is a half-open column range [Lo, Hi)
type Batch struct {
	Lo, Hi int
}

// Batches splits n columns into k contiguous ranges. The first n%k ranges are
// one column longer; empty ranges are omitted.
func Batches(n, k int) []Batch {
	if k <= 0 {
		k = 1
	}
	base, extra := n/k, n%k
	batches := make([]Batch, 0, k)
	lo := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		if size == 0 {
			continue
		}
		batches = append(batches, Batch{Lo: lo, Hi: lo + size})
		lo += size
	}
	return batches
}

// Solve finds the 2xN saturation matrix S minimizing ||basis*S - od^T|| in
// column batches. basis is factorized once and reused for every batch.
func Solve(od []float64, basis mat.Matrix, batches int) (*mat.Dense, error) {
	if len(od) == 0 || len(od)%3 != 0 {
		return nil, fmt.Errorf("%w: od buffer length %d is not a positive multiple of 3", models.ErrConfiguration, len(od))
	}
	if r, c := basis.Dims(); r != 3 || c != 2 {
		return nil, fmt.Errorf("%w: stain basis must be 3x2, got %dx%d", models.ErrConfiguration, r, c)
	}

	var qr mat.QR
	qr.Factorize(basis)
	if cond := qr.Cond(); math.IsInf(cond, 1) || cond > 1e12 {
		return nil, fmt.Errorf("%w: stain basis is rank deficient (condition %g)", models.ErrDegenerate, cond)
	}

	n := len(od) / 3
	saturation := mat.NewDense(2, n, nil)
	for _, b := range Batches(n, batches) {
		width := b.Hi - b.Lo
		rhs := mat.NewDense(3, width, nil)
		for j := 0; j < width; j++ {
			p := (b.Lo + j) * 3
			rhs.Set(0, j, od[p])
			rhs.Set(1, j, od[p+1])
			rhs.Set(2, j, od[p+2])
		}

		var x mat.Dense
		if err := qr.SolveTo(&x, false, rhs); err != nil {
			return nil, fmt.Errorf("%w: least squares batch [%d, %d): %v", models.ErrDegenerate, b.Lo, b.Hi, err)
		}
		saturation.Slice(0, 2, b.Lo, b.Hi).(*mat.Dense).Copy(&x)
	}
	return saturation, nil
}

// ScaleReference returns the 99th percentile of each saturation row
func ScaleReference(saturation *mat.Dense) [2]float64 {
	var ref [2]float64
	for i := 0; i < 2; i++ {
		row := mat.Row(nil, i, saturation)
		ref[i] = Percentiles(row, SaturationPercentile)[0]
	}
	return ref
}

// ScaleRatio divides the seed tile's percentiles by the reference maximum saturation
func ScaleRatio(seedPercentiles, maxSaturationRef [2]float64) ([2]float64, error) {
	var ratio [2]float64
	for i := range ratio {
		ratio[i] = seedPercentiles[i] / maxSaturationRef[i]
		if ratio[i] == 0 || math.IsNaN(ratio[i]) || math.IsInf(ratio[i], 0) {
			return ratio, fmt.Errorf("%w: saturation scale for stain %d is %g (p99 %g, reference %g)",
				models.ErrDegenerate, i, ratio[i], seedPercentiles[i], maxSaturationRef[i])
		}
	}
	return ratio, nil
}

// Rescale divides each saturation row by the matching ratio entry in place
func Rescale(saturation *mat.Dense, ratio [2]float64) {
	for i := 0; i < 2; i++ {
		row := saturation.RawRowView(i)
		for j := range row {
			row[j] /= ratio[i]
		}
	}
}
