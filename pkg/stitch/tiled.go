package stitch

import (
	"context"
	"fmt"
	"image"
	"os"
	"strconv"

	xdraw "golang.org/x/image/draw"

	"slidenorm/internal/models"
	"slidenorm/pkg/slide"
	"slidenorm/pkg/tiffio"
)

// stitchTiled streams the grid row by row into a tiled TIFF. Memory use is
// bounded by one grid row of packed pixels.
func (s *Stitcher) stitchTiled(ctx context.Context, req Request, out string) error {
	dims := req.Grid.Slide
	opts := s.opts.TIFF
	if req.Metadata.ObjectivePower != "" || req.Metadata.MicronsPerPixel != "" {
		opts.Description = slide.AperioDescription(dims.Width, dims.Height, req.Metadata.ObjectivePower, req.Metadata.MicronsPerPixel)
	}
	if mpp, err := strconv.ParseFloat(req.Metadata.MicronsPerPixel, 64); err == nil && mpp > 0 {
		opts.MicronsPerPixel = mpp
	}

	w, err := tiffio.Create(out, dims.Width, dims.Height, opts)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}

	var thumb *Thumbnail
	if s.opts.Thumbnail {
		thumb = NewThumbnail(dims.Width, dims.Height, s.opts.ThumbnailMaxSide)
	}

	if err := s.writeRows(ctx, req, w, thumb); err != nil {
		w.Close()
		os.Remove(out)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(out)
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}

	if thumb != nil {
		return thumb.Save(s.ThumbnailPath(req), s.opts.JPEGQuality)
	}
	return nil
}

// writeRows joins the tiles of each grid row into one band and streams it
func (s *Stitcher) writeRows(ctx context.Context, req Request, w *tiffio.Writer, thumb *Thumbnail) error {
	grid := req.Grid
	var band *image.NRGBA
	for m := 0; m < grid.Rows; m++ {
		row := grid.Rects[m*grid.Columns : (m+1)*grid.Columns]
		height := row[0].Height
		if band == nil || band.Bounds().Dy() != height {
			band = image.NewNRGBA(image.Rect(0, 0, grid.Slide.Width, height))
		}

		for n, rect := range row {
			if err := ctx.Err(); err != nil {
				return err
			}
			tile, err := s.loadTile(req, m*grid.Columns+n)
			if err != nil {
				return err
			}
			xdraw.Copy(band, image.Pt(rect.X, 0), tile, tile.Bounds(), xdraw.Src, nil)
		}

		if err := w.WriteRows(band); err != nil {
			return fmt.Errorf("%w: grid row %d: %v", models.ErrIO, m, err)
		}
		if thumb != nil {
			thumb.Add(band, image.Pt(0, row[0].Y))
		}
		s.logger.Debug("grid row written", "slide", req.Stem, "variant", string(req.Variant), "row", m+1, "rows", grid.Rows)
	}
	return nil
}
