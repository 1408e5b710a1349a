package models

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// SlideDimensions is the full-resolution size of a slide in pixels
type SlideDimensions struct {
	Width  int
	Height int
}

// Validate reports a configuration error for non-positive dimensions
func (d SlideDimensions) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: slide dimensions must be positive, got %dx%d", ErrConfiguration, d.Width, d.Height)
	}
	return nil
}

// TileRect is a pixel rectangle of the slide. Location is the top-left corner.
type TileRect struct {
	X, Y          int
	Width, Height int
}

// Rectangle converts the tile to an image.Rectangle in slide coordinates
func (r TileRect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Area returns the number of pixels covered by the tile
func (r TileRect) Area() int {
	return r.Width * r.Height
}

// TileGrid is the row-major partition of one slide into tiles.
// Rects[i] is the rectangle of tile index i.
type TileGrid struct {
	Rows    int
	Columns int
	Slide   SlideDimensions
	Rects   []TileRect
}

// Len returns the number of tiles in the grid
func (g TileGrid) Len() int {
	return len(g.Rects)
}

// Single reports whether the slide fits in one tile
func (g TileGrid) Single() bool {
	return len(g.Rects) == 1
}

// Variant is one of the images reconstructed from the stain saturations
type Variant string

const (
	// VariantNormalized is the reconstruction from both stain channels
	VariantNormalized Variant = "norm"
	// VariantHematoxylin isolates the first stain channel
	VariantHematoxylin Variant = "he"
	// VariantEosin isolates the second stain channel
	VariantEosin Variant = "eo"
)

// AllVariants lists every variant in canonical order
func AllVariants() []Variant {
	return []Variant{VariantNormalized, VariantHematoxylin, VariantEosin}
}

// ParseVariant converts a configuration string to a Variant
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantNormalized, VariantHematoxylin, VariantEosin:
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown output variant %q", ErrConfiguration, s)
	}
}

// Channel returns the stain channel isolated by the variant, or -1 for the combined reconstruction
func (v Variant) Channel() int {
	switch v {
	case VariantHematoxylin:
		return 0
	case VariantEosin:
		return 1
	default:
		return -1
	}
}

// SlideCalibration is produced once per slide by the seed tile and shared read-only
// with every other tile of that slide.
type SlideCalibration struct {
	// Basis is the 3x2 stain basis estimated from the seed tile
	Basis *mat.Dense

	// ScaleRatio divides each saturation row; seed p99 over the reference maximum saturation
	ScaleRatio [2]float64

	// SeedIndex is the tile the calibration was derived from
	SeedIndex int
}

// SlideStem returns the file name of a slide without its extension
func SlideStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// TileFileName is the temporary file of one tile and variant
func TileFileName(index int, variant Variant, ext string) string {
	return fmt.Sprintf("%d_%s.%s", index, variant, ext)
}

// OutputFileName is the stitched output of one variant
func OutputFileName(variant Variant, stem, ext string) string {
	return fmt.Sprintf("%s_%s.%s", variant, stem, ext)
}

// ThumbnailFileName is the thumbnail of a variant, or of the source slide when variant is empty
func ThumbnailFileName(variant Variant, stem string) string {
	if variant == "" {
		return fmt.Sprintf("thumbnail_%s.jpeg", stem)
	}
	return fmt.Sprintf("thumbnail_%s_%s.jpeg", variant, stem)
}
