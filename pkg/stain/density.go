// Package stain implements Macenko stain separation: optical density
// conversion, stain basis estimation, batched saturation solving and
// reconstruction of normalized RGB images.
//
// Pixel data is kept flat. OD and RGB buffers are interleaved per pixel
// (N rows of 3 channels); saturations are a 2xN gonum matrix.
package stain

import (
	"fmt"
	"math"

	"slidenorm/internal/models"
)

// OpticalDensity converts interleaved 8-bit RGB samples to optical density:
// od = -ln((rgb + 1) / c). The +1 keeps ln away from zero.
func OpticalDensity(rgb []uint8, c float64) ([]float64, error) {
	if len(rgb)%3 != 0 {
		return nil, fmt.Errorf("%w: rgb buffer length %d is not a multiple of 3", models.ErrConfiguration, len(rgb))
	}
	if c <= 0 {
		return nil, fmt.Errorf("%w: normalizing constant must be positive, got %g", models.ErrConfiguration, c)
	}

	// only 256 distinct inputs
	var table [256]float64
	for v := range table {
		table[v] = -math.Log((float64(v) + 1) / c)
	}

	od := make([]float64, len(rgb))
	for i, v := range rgb {
		od[i] = table[v]
	}
	return od, nil
}

// Quantize rounds every value to float32 precision in place
func Quantize(values []float64) {
	for i, v := range values {
		values[i] = float64(float32(v))
	}
}
