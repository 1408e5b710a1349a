package stain

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"slidenorm/internal/models"
)

// eigenvalues at or below this are treated as a collapsed covariance
const minEigenvalue = 1e-12

// EstimateBasis computes the 3x2 stain basis of an OD buffer.
//
// Pixels with any channel below beta are discarded. The remaining OD values
// are projected onto the plane of the two largest covariance eigenvectors,
// and the alpha and 100-alpha percentiles of the projected angles give the
// two stain directions. The direction with the larger first (red) component
// becomes column 0.
func EstimateBasis(od []float64, beta, alpha float64) (*mat.Dense, error) {
	if len(od)%3 != 0 {
		return nil, fmt.Errorf("%w: od buffer length %d is not a multiple of 3", models.ErrConfiguration, len(od))
	}
	if alpha < 0 || alpha > 100 {
		return nil, fmt.Errorf("%w: alpha percentile must be in [0, 100], got %g", models.ErrConfiguration, alpha)
	}

	clean := filterBackground(od, beta)
	n := len(clean) / 3
	if n < 2 {
		return nil, fmt.Errorf("%w: %d pixels left above OD threshold %g", models.ErrDegenerate, n, beta)
	}
	samples := mat.NewDense(n, 3, clean)

	cov := mat.NewSymDense(3, nil)
	stat.CovarianceMatrix(cov, samples, nil)

	var es mat.EigenSym
	if ok := es.Factorize(cov, true); !ok {
		return nil, fmt.Errorf("%w: eigendecomposition of OD covariance failed", models.ErrDegenerate)
	}
	values := es.Values(nil)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: OD covariance has non-finite eigenvalues %v", models.ErrDegenerate, values)
		}
	}
	// ascending order: the plane needs the last two
	if values[1] <= minEigenvalue {
		return nil, fmt.Errorf("%w: OD covariance is singular, eigenvalues %v", models.ErrDegenerate, values)
	}

	var vectors mat.Dense
	es.VectorsTo(&vectors)
	plane := mat.DenseCopyOf(vectors.Slice(0, 3, 1, 3))
	orientPlane(plane, samples)

	var projection mat.Dense
	projection.Mul(samples, plane)

	angles := make([]float64, n)
	for i := 0; i < n; i++ {
		angles[i] = math.Atan2(projection.At(i, 1), projection.At(i, 0))
	}
	bounds := Percentiles(angles, alpha, 100-alpha)

	cMin := planeDirection(plane, bounds[0])
	cMax := planeDirection(plane, bounds[1])
	return orderBasis(cMin, cMax), nil
}

// filterBackground keeps the pixels whose three OD channels are all >= beta
func filterBackground(od []float64, beta float64) []float64 {
	clean := make([]float64, 0, len(od))
	for i := 0; i+2 < len(od); i += 3 {
		if od[i] < beta || od[i+1] < beta || od[i+2] < beta {
			continue
		}
		clean = append(clean, od[i], od[i+1], od[i+2])
	}
	return clean
}

// orientPlane flips each eigenvector so the mean OD projects non-negatively
// onto it, keeping stained pixels clear of the atan2 branch cut.
func orientPlane(plane *mat.Dense, samples *mat.Dense) {
	var mean [3]float64
	for j := 0; j < 3; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, samples), nil)
	}
	for c := 0; c < 2; c++ {
		dot := mean[0]*plane.At(0, c) + mean[1]*plane.At(1, c) + mean[2]*plane.At(2, c)
		if dot < 0 {
			for r := 0; r < 3; r++ {
				plane.Set(r, c, -plane.At(r, c))
			}
		}
	}
}

// planeDirection maps an angle in the eigenvector plane back to a 3D vector
func planeDirection(plane mat.Matrix, angle float64) [3]float64 {
	var v mat.VecDense
	v.MulVec(plane, mat.NewVecDense(2, []float64{math.Cos(angle), math.Sin(angle)}))
	return [3]float64{v.AtVec(0), v.AtVec(1), v.AtVec(2)}
}

// orderBasis puts the vector with the strictly larger first component in
// column 0. On a tie cMax goes first.
func orderBasis(cMin, cMax [3]float64) *mat.Dense {
	first, second := cMax, cMin
	if cMin[0] > cMax[0] {
		first, second = cMin, cMax
	}
	return mat.NewDense(3, 2, []float64{
		first[0], second[0],
		first[1], second[1],
		first[2], second[2],
	})
}
