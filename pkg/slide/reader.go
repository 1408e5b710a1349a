// Package slide provides access to slide pixels and metadata.
//
// Reader is the boundary to whatever decodes the slide. ImageReader is the
// bundled implementation for slides that decode into memory as one image
// (TIFF, PNG, JPEG, QOI).
package slide

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/xfmoulet/qoi"
	_ "golang.org/x/image/tiff"

	"slidenorm/internal/models"
)

// Metadata keys, named after the OpenSlide properties they mirror
const (
	PropertyObjectivePower = "openslide.objective-power"
	PropertyMPPX           = "openslide.mpp-x"
	PropertyMPPY           = "openslide.mpp-y"
)

// Reader reads rectangular regions of a slide at full resolution
type Reader interface {
	// Dimensions returns the slide size in pixels
	Dimensions() models.SlideDimensions

	// ReadRegion returns the pixels of rect. Bounds of the result start at rect's location.
	ReadRegion(rect models.TileRect) (image.Image, error)

	// Metadata returns a slide property such as PropertyMPPX
	Metadata(key string) (string, bool)

	Close() error
}

// Opener opens a slide file
type Opener func(path string) (Reader, error)

// ImageReader holds a fully decoded slide image
type ImageReader struct {
	path       string
	img        image.Image
	properties map[string]string
}

// Open decodes the slide at path. TIFF files also get their
// magnification and resolution metadata parsed.
func Open(path string) (Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open slide: %v", models.ErrIO, err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(path))
	img, _, err := image.Decode(file)
	if err != nil {
		if ext == ".svs" {
			return nil, fmt.Errorf("%w: slide %s is not a plain TIFF and needs an external Reader: %v",
				models.ErrIO, filepath.Base(path), err)
		}
		return nil, fmt.Errorf("%w: failed to decode slide %s: %v", models.ErrIO, filepath.Base(path), err)
	}

	r := &ImageReader{
		path:       path,
		img:        img,
		properties: map[string]string{},
	}

	if ext == ".tif" || ext == ".tiff" || ext == ".svs" {
		if props, err := ReadTIFFProperties(path); err == nil {
			r.properties = props
		}
	}
	return r, nil
}

// NewImageReader wraps an already decoded image
func NewImageReader(img image.Image, properties map[string]string) *ImageReader {
	if properties == nil {
		properties = map[string]string{}
	}
	return &ImageReader{img: img, properties: properties}
}

// Dimensions returns the slide size in pixels
func (r *ImageReader) Dimensions() models.SlideDimensions {
	b := r.img.Bounds()
	return models.SlideDimensions{Width: b.Dx(), Height: b.Dy()}
}

// ReadRegion returns the pixels of rect
func (r *ImageReader) ReadRegion(rect models.TileRect) (image.Image, error) {
	b := r.img.Bounds()
	want := rect.Rectangle().Add(b.Min)
	if rect.Width <= 0 || rect.Height <= 0 || !want.In(b) {
		return nil, fmt.Errorf("%w: region %+v outside slide bounds %v", models.ErrIO, rect, b)
	}

	if sub, ok := r.img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(want), nil
	}

	dst := image.NewNRGBA(rect.Rectangle())
	draw.Draw(dst, dst.Bounds(), r.img, want.Min, draw.Src)
	return dst, nil
}

// Metadata returns a slide property
func (r *ImageReader) Metadata(key string) (string, bool) {
	v, ok := r.properties[key]
	return v, ok
}

// Close releases the decoded image
func (r *ImageReader) Close() error {
	// empty bounds: later reads fail instead of panicking
	r.img = image.Rectangle{}
	return nil
}
