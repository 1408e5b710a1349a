package stitch

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"slidenorm/internal/models"
	"slidenorm/pkg/slide"
)

// ThumbnailSize scales (width, height) so the larger side equals maxSide.
// The smaller side is rounded and kept at least 1. Swapping width and height
// swaps the result.
func ThumbnailSize(width, height, maxSide int) (int, int) {
	if width <= 0 || height <= 0 || maxSide <= 0 {
		return 0, 0
	}
	scaled := func(small, large int) int {
		v := int(math.Round(float64(small) * float64(maxSide) / float64(large)))
		return max(v, 1)
	}
	if width >= height {
		return maxSide, scaled(height, width)
	}
	return scaled(width, height), maxSide
}

// Thumbnail accumulates a downscaled copy of an image from its pieces
type Thumbnail struct {
	img    *image.NRGBA
	scaleX float64
	scaleY float64
}

// NewThumbnail prepares a thumbnail of a width x height image
func NewThumbnail(width, height, maxSide int) *Thumbnail {
	tw, th := ThumbnailSize(width, height, maxSide)
	return &Thumbnail{
		img:    image.NewNRGBA(image.Rect(0, 0, tw, th)),
		scaleX: float64(tw) / float64(width),
		scaleY: float64(th) / float64(height),
	}
}

// Add scales piece, located at offset in the full image, into the thumbnail.
// Pieces that collapse to nothing at thumbnail scale are skipped.
func (t *Thumbnail) Add(piece image.Image, offset image.Point) {
	b := piece.Bounds()
	dst := image.Rect(
		int(math.Round(float64(offset.X)*t.scaleX)),
		int(math.Round(float64(offset.Y)*t.scaleY)),
		int(math.Round(float64(offset.X+b.Dx())*t.scaleX)),
		int(math.Round(float64(offset.Y+b.Dy())*t.scaleY)),
	).Intersect(t.img.Bounds())
	if dst.Empty() {
		return
	}
	xdraw.CatmullRom.Scale(t.img, dst, piece, b, xdraw.Src, nil)
}

// Image returns the accumulated thumbnail
func (t *Thumbnail) Image() *image.NRGBA {
	return t.img
}

// Save writes the thumbnail as JPEG
func (t *Thumbnail) Save(path string, quality int) error {
	if err := imaging.Save(t.img, path, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("%w: failed to save thumbnail %s: %v", models.ErrIO, path, err)
	}
	return nil
}

// SaveResized writes a Lanczos downscaled copy of an in-memory image as a JPEG thumbnail
func SaveResized(img image.Image, path string, maxSide, quality int) error {
	b := img.Bounds()
	tw, th := ThumbnailSize(b.Dx(), b.Dy(), maxSide)
	thumb := imaging.Resize(img, tw, th, imaging.Lanczos)
	if err := imaging.Save(thumb, path, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("%w: failed to save thumbnail %s: %v", models.ErrIO, path, err)
	}
	return nil
}

// SourceThumbnail renders a thumbnail of the unprocessed slide by reading it
// one grid tile at a time.
func SourceThumbnail(r slide.Reader, grid models.TileGrid, path string, maxSide, quality int) error {
	dims := r.Dimensions()
	thumb := NewThumbnail(dims.Width, dims.Height, maxSide)
	for i, rect := range grid.Rects {
		region, err := r.ReadRegion(rect)
		if err != nil {
			return fmt.Errorf("failed to read tile %d for thumbnail: %w", i, err)
		}
		thumb.Add(region, image.Pt(rect.X, rect.Y))
	}
	return thumb.Save(path, quality)
}
