// Package stitch reassembles normalized tiles into whole-slide images.
//
// Two backends share one request shape. The direct backend pastes every tile
// into an in-memory canvas and writes a JPEG. The tiled backend streams one
// grid row at a time into a tiled, compressed TIFF (BigTIFF when needed),
// carrying the source slide's magnification and resolution.
package stitch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"slidenorm/internal/models"
	"slidenorm/pkg/config"
	"slidenorm/pkg/slide"
	"slidenorm/pkg/tiffio"
)

// MaxJPEGSide is the largest dimension a JPEG file can record
const MaxJPEGSide = 65535

// Output extensions per backend
const (
	directExt = "jpeg"
	tiledExt  = "tif"
)

// Options selects and tunes a backend
type Options struct {
	// Backend is config.StitcherDirect, StitcherTiled or StitcherAuto
	Backend string

	// DirectMaxPixels sends larger slides to the tiled backend under StitcherAuto
	DirectMaxPixels int64

	JPEGQuality int

	// TileFormat is the container the tiles were written in
	TileFormat string

	TIFF tiffio.Options

	Thumbnail        bool
	ThumbnailMaxSide int
}

// OptionsFromConfig extracts stitching options from a validated configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	compression, err := tiffio.ParseCompression(cfg.Output.TIFFCompression)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	return Options{
		Backend:         cfg.Output.Stitcher,
		DirectMaxPixels: cfg.Output.DirectMaxPixels,
		JPEGQuality:     cfg.Output.JPEGQuality,
		TileFormat:      cfg.Output.TileFormat,
		TIFF: tiffio.Options{
			TileSize:    cfg.Output.TIFFTileSize,
			Compression: compression,
			BigTIFF:     cfg.Output.BigTIFF,
			Workers:     cfg.Processing.NumCores,
		},
		Thumbnail:        cfg.Output.Thumbnail,
		ThumbnailMaxSide: cfg.Output.ThumbnailMaxSide,
	}, nil
}

// Metadata is copied from the source slide into tiled outputs
type Metadata struct {
	ObjectivePower  string
	MicronsPerPixel string
}

// MetadataFrom reads magnification and microns per pixel from a slide
func MetadataFrom(r slide.Reader) Metadata {
	var md Metadata
	md.ObjectivePower, _ = r.Metadata(slide.PropertyObjectivePower)
	md.MicronsPerPixel, _ = r.Metadata(slide.PropertyMPPX)
	return md
}

// Request describes one variant of one slide to stitch
type Request struct {
	Grid      models.TileGrid
	Variant   models.Variant
	Stem      string
	TileDir   string
	OutputDir string
	Metadata  Metadata
}

// TilePath returns the temporary file of tile index
func (r Request) TilePath(index int, format string) string {
	return filepath.Join(r.TileDir, models.TileFileName(index, r.Variant, format))
}

// Stitcher assembles tiles with the configured backend
type Stitcher struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Stitcher. A nil logger uses slog.Default.
func New(opts Options, logger *slog.Logger) *Stitcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stitcher{opts: opts, logger: logger}
}

// Backend resolves StitcherAuto for a slide. Direct is kept unless the image
// exceeds the JPEG side limit or DirectMaxPixels.
func (s *Stitcher) Backend(dims models.SlideDimensions) string {
	if s.opts.Backend != config.StitcherAuto {
		return s.opts.Backend
	}
	pixels := int64(dims.Width) * int64(dims.Height)
	if dims.Width > MaxJPEGSide || dims.Height > MaxJPEGSide {
		return config.StitcherTiled
	}
	if s.opts.DirectMaxPixels > 0 && pixels > s.opts.DirectMaxPixels {
		return config.StitcherTiled
	}
	return config.StitcherDirect
}

// OutputPath is where Stitch writes the variant of req
func (s *Stitcher) OutputPath(req Request) string {
	ext := directExt
	if s.Backend(req.Grid.Slide) == config.StitcherTiled {
		ext = tiledExt
	}
	return filepath.Join(req.OutputDir, models.OutputFileName(req.Variant, req.Stem, ext))
}

// ThumbnailPath is where Stitch writes the variant thumbnail
func (s *Stitcher) ThumbnailPath(req Request) string {
	return filepath.Join(req.OutputDir, models.ThumbnailFileName(req.Variant, req.Stem))
}

// Stitch assembles every tile of req.Variant into the output file and, if
// enabled, its thumbnail. It returns the output path.
func (s *Stitcher) Stitch(ctx context.Context, req Request) (string, error) {
	if req.Grid.Len() == 0 {
		return "", fmt.Errorf("%w: empty tile grid", models.ErrConfiguration)
	}
	backend := s.Backend(req.Grid.Slide)
	out := s.OutputPath(req)
	s.logger.Info("stitching",
		"slide", req.Stem,
		"variant", string(req.Variant),
		"backend", backend,
		"grid", strconv.Itoa(req.Grid.Rows)+"x"+strconv.Itoa(req.Grid.Columns))

	var err error
	switch backend {
	case config.StitcherDirect:
		err = s.stitchDirect(ctx, req, out)
	case config.StitcherTiled:
		err = s.stitchTiled(ctx, req, out)
	default:
		err = fmt.Errorf("%w: unknown stitcher %q", models.ErrConfiguration, backend)
	}
	if err != nil {
		return "", err
	}
	s.logger.Info("stitched", "slide", req.Stem, "variant", string(req.Variant), "output", out)
	return out, nil
}
