package stain

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"slidenorm/internal/models"
)

// Reconstruct maps rescaled saturations back to RGB with the reference basis:
// c * exp(-ref * S). channel -1 uses both stains; 0 or 1 keeps only that
// stain's basis column and saturation row. The result is a width x height
// opaque image.
func Reconstruct(saturation *mat.Dense, ref mat.Matrix, c float64, channel, width, height int) (*image.NRGBA, error) {
	if r, cols := ref.Dims(); r != 3 || cols != 2 {
		return nil, fmt.Errorf("%w: reference basis must be 3x2, got %dx%d", models.ErrConfiguration, r, cols)
	}
	if channel < -1 || channel > 1 {
		return nil, fmt.Errorf("%w: stain channel must be -1, 0 or 1, got %d", models.ErrConfiguration, channel)
	}
	_, n := saturation.Dims()
	if n != width*height {
		return nil, fmt.Errorf("%w: %d saturation columns for a %dx%d tile", models.ErrConfiguration, n, width, height)
	}

	var weights [3][2]float64
	for ch := 0; ch < 3; ch++ {
		for s := 0; s < 2; s++ {
			if channel == -1 || channel == s {
				weights[ch][s] = ref.At(ch, s)
			}
		}
	}

	s0 := saturation.RawRowView(0)
	s1 := saturation.RawRowView(1)
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	pix := img.Pix
	for i := 0; i < n; i++ {
		p := (i/width)*img.Stride + (i%width)*4
		for ch := 0; ch < 3; ch++ {
			pix[p+ch] = Clip(c * math.Exp(-(weights[ch][0]*s0[i] + weights[ch][1]*s1[i])))
		}
		pix[p+3] = 0xff
	}
	return img, nil
}

// Clip converts a reconstructed intensity to 8 bits. Values above 255 become
// 254 so pure white stays reserved for background.
func Clip(v float64) uint8 {
	switch {
	case v > 255:
		return 254
	case !(v >= 0):
		return 0
	default:
		return uint8(v)
	}
}

// ReferenceBasis builds the 3x2 reference matrix from configuration rows
func ReferenceBasis(rows [3][2]float64) *mat.Dense {
	return mat.NewDense(3, 2, []float64{
		rows[0][0], rows[0][1],
		rows[1][0], rows[1][1],
		rows[2][0], rows[2][1],
	})
}
