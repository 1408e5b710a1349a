package stitch

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"slidenorm/internal/models"
)

// loadTile reads tile index of req and checks it against its rectangle
func (s *Stitcher) loadTile(req Request, index int) (image.Image, error) {
	img, err := ReadImage(req.TilePath(index, s.opts.TileFormat))
	if err != nil {
		return nil, err
	}
	rect := req.Grid.Rects[index]
	if b := img.Bounds(); b.Dx() != rect.Width || b.Dy() != rect.Height {
		return nil, fmt.Errorf("%w: tile %d is %dx%d, expected %dx%d",
			models.ErrIO, index, b.Dx(), b.Dy(), rect.Width, rect.Height)
	}
	return img, nil
}

// stitchDirect pastes all tiles into one canvas and writes a JPEG
func (s *Stitcher) stitchDirect(ctx context.Context, req Request, out string) error {
	dims := req.Grid.Slide
	if dims.Width > MaxJPEGSide || dims.Height > MaxJPEGSide {
		return fmt.Errorf("%w: %dx%d exceeds the JPEG limit of %d pixels per side, use the tiled stitcher",
			models.ErrConfiguration, dims.Width, dims.Height, MaxJPEGSide)
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, dims.Width, dims.Height))
	for i, rect := range req.Grid.Rects {
		if err := ctx.Err(); err != nil {
			return err
		}
		tile, err := s.loadTile(req, i)
		if err != nil {
			return err
		}
		xdraw.Copy(canvas, image.Pt(rect.X, rect.Y), tile, tile.Bounds(), xdraw.Src, nil)
	}

	if err := imaging.Save(canvas, out, imaging.JPEGQuality(s.opts.JPEGQuality)); err != nil {
		return fmt.Errorf("%w: failed to save %s: %v", models.ErrIO, out, err)
	}
	if s.opts.Thumbnail {
		return SaveResized(canvas, s.ThumbnailPath(req), s.opts.ThumbnailMaxSide, s.opts.JPEGQuality)
	}
	return nil
}
