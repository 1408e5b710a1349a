package stitch

import (
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/xfmoulet/qoi"

	"slidenorm/internal/models"
)

// Temporary tile containers
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatQOI  = "qoi"
)

// WriteImage saves img at path in the given container. quality only
// applies to JPEG.
func WriteImage(img image.Image, path, format string, quality int) error {
	var err error
	switch format {
	case FormatJPEG:
		err = imaging.Save(img, path, imaging.JPEGQuality(quality))
	case FormatPNG:
		err = imaging.Save(img, path)
	case FormatQOI:
		err = writeQOI(img, path)
	default:
		return fmt.Errorf("%w: unknown image format %q", models.ErrConfiguration, format)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", models.ErrIO, path, err)
	}
	return nil
}

func writeQOI(img image.Image, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := qoi.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadImage decodes a tile written by WriteImage
func ReadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", models.ErrIO, path, err)
	}
	return img, nil
}
