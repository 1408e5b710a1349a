// Package normalize runs the per-tile stain normalization pipeline.
//
// The first tile of a slide (the seed) derives a SlideCalibration: the stain
// basis and the saturation scale ratio. Every later tile of the slide is
// normalized with that calibration, read-only, so non-seed tiles can run
// concurrently once the seed has finished.
package normalize

import (
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"slidenorm/internal/models"
	"slidenorm/pkg/config"
	"slidenorm/pkg/slide"
	"slidenorm/pkg/stain"
	"slidenorm/pkg/stitch"
)

// Options holds the normalization parameters of a run
type Options struct {
	NormalizingConstant float64
	Alpha               float64
	Beta                float64

	// Reference is the 3x2 target stain basis shared by all slides
	Reference        *mat.Dense
	MaxSaturationRef [2]float64

	// Float32 rounds OD and saturation values to float32 precision so results
	// match a float32 pipeline. Buffers stay float64 for gonum; it does not
	// reduce tile memory.
	Float32       bool
	SolverBatches int

	Variants    []models.Variant
	TileFormat  string
	JPEGQuality int

	// Thumbnail settings for single-tile slides, which skip stitching
	Thumbnail        bool
	ThumbnailMaxSide int
}

// OptionsFromConfig extracts normalization options from a validated configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	variants, err := cfg.OutputVariants()
	if err != nil {
		return Options{}, err
	}
	n := cfg.Normalization
	return Options{
		NormalizingConstant: n.NormalizingConstant,
		Alpha:               n.Alpha,
		Beta:                n.Beta,
		Reference:           stain.ReferenceBasis(n.ReferenceBasis),
		MaxSaturationRef:    n.MaxSaturationRef,
		Float32:             n.Precision == config.PrecisionFloat32,
		SolverBatches:       n.SolverBatches,
		Variants:            variants,
		TileFormat:          cfg.Output.TileFormat,
		JPEGQuality:         cfg.Output.JPEGQuality,
		Thumbnail:           cfg.Output.Thumbnail,
		ThumbnailMaxSide:    cfg.Output.ThumbnailMaxSide,
	}, nil
}

// Destination says where the images of a slide's tiles go
type Destination struct {
	// TileDir receives {index}_{variant}.{format} files
	TileDir string

	// OutputDir receives final outputs of single-tile slides
	OutputDir string

	Stem string

	// Single writes straight to the final output instead of a temporary tile
	Single bool
}

// Normalizer applies the stain pipeline to tiles
type Normalizer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Normalizer. A nil logger uses slog.Default.
func New(opts Options, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{opts: opts, logger: logger}
}

// Calibrate derives the slide calibration from the seed tile's OD values.
// It also returns the seed tile's unscaled saturations so they need not be
// solved twice.
func (n *Normalizer) Calibrate(od []float64, seedIndex int) (models.SlideCalibration, *mat.Dense, error) {
	basis, err := stain.EstimateBasis(od, n.opts.Beta, n.opts.Alpha)
	if err != nil {
		return models.SlideCalibration{}, nil, fmt.Errorf("seed tile %d: %w", seedIndex, err)
	}
	saturation, err := n.solve(od, basis)
	if err != nil {
		return models.SlideCalibration{}, nil, fmt.Errorf("seed tile %d: %w", seedIndex, err)
	}
	ratio, err := stain.ScaleRatio(stain.ScaleReference(saturation), n.opts.MaxSaturationRef)
	if err != nil {
		return models.SlideCalibration{}, nil, fmt.Errorf("seed tile %d: %w", seedIndex, err)
	}
	return models.SlideCalibration{Basis: basis, ScaleRatio: ratio, SeedIndex: seedIndex}, saturation, nil
}

func (n *Normalizer) solve(od []float64, basis mat.Matrix) (*mat.Dense, error) {
	saturation, err := stain.Solve(od, basis, n.opts.SolverBatches)
	if err != nil {
		return nil, err
	}
	if n.opts.Float32 {
		stain.Quantize(saturation.RawMatrix().Data)
	}
	return saturation, nil
}

// Process normalizes one tile of interleaved RGB samples. With a nil
// calibration the tile is treated as the seed and the new calibration is
// returned; otherwise cal is used unchanged and returned as is.
func (n *Normalizer) Process(rgb []uint8, width, height, index int, cal *models.SlideCalibration) (models.SlideCalibration, map[models.Variant]*image.NRGBA, error) {
	if len(rgb) != width*height*3 {
		return models.SlideCalibration{}, nil, fmt.Errorf("%w: tile %d has %d samples for %dx%d pixels",
			models.ErrConfiguration, index, len(rgb), width, height)
	}

	od, err := stain.OpticalDensity(rgb, n.opts.NormalizingConstant)
	if err != nil {
		return models.SlideCalibration{}, nil, err
	}
	if n.opts.Float32 {
		stain.Quantize(od)
	}

	var saturation *mat.Dense
	var calibration models.SlideCalibration
	if cal == nil {
		calibration, saturation, err = n.Calibrate(od, index)
	} else {
		calibration = *cal
		saturation, err = n.solve(od, calibration.Basis)
		if err != nil {
			err = fmt.Errorf("tile %d: %w", index, err)
		}
	}
	if err != nil {
		return models.SlideCalibration{}, nil, err
	}
	stain.Rescale(saturation, calibration.ScaleRatio)

	images := make(map[models.Variant]*image.NRGBA, len(n.opts.Variants))
	for _, v := range n.opts.Variants {
		img, err := stain.Reconstruct(saturation, n.opts.Reference, n.opts.NormalizingConstant, v.Channel(), width, height)
		if err != nil {
			return models.SlideCalibration{}, nil, fmt.Errorf("tile %d %s: %w", index, v, err)
		}
		images[v] = img
	}
	return calibration, images, nil
}

// NormalizeTile reads tile index from the slide, normalizes it and writes one
// image per variant to dest. cal follows the same convention as Process.
func (n *Normalizer) NormalizeTile(r slide.Reader, grid models.TileGrid, index int, cal *models.SlideCalibration, dest Destination) (models.SlideCalibration, error) {
	if index < 0 || index >= grid.Len() {
		return models.SlideCalibration{}, fmt.Errorf("%w: tile %d out of range [0, %d)", models.ErrConfiguration, index, grid.Len())
	}
	rect := grid.Rects[index]
	log := n.logger.With("slide", dest.Stem, "tile", index+1, "tiles", grid.Len())
	start := time.Now()

	region, err := r.ReadRegion(rect)
	if err != nil {
		return models.SlideCalibration{}, fmt.Errorf("tile %d: %w", index, err)
	}
	rgb := slide.RGBSamples(region)

	calibration, images, err := n.Process(rgb, rect.Width, rect.Height, index, cal)
	if err != nil {
		return models.SlideCalibration{}, err
	}
	if cal == nil {
		log.Info("slide calibrated", "seed", index, "scale_ratio", calibration.ScaleRatio)
	}

	for _, v := range n.opts.Variants {
		if err := n.write(images[v], index, v, dest); err != nil {
			return models.SlideCalibration{}, err
		}
	}
	log.Debug("tile normalized", "elapsed", time.Since(start))
	return calibration, nil
}

// write persists one variant of a tile: a temporary tile, or the final
// output and its thumbnail when the slide is a single tile
func (n *Normalizer) write(img *image.NRGBA, index int, v models.Variant, dest Destination) error {
	if !dest.Single {
		path := filepath.Join(dest.TileDir, models.TileFileName(index, v, n.opts.TileFormat))
		return stitch.WriteImage(img, path, n.opts.TileFormat, n.opts.JPEGQuality)
	}

	path := filepath.Join(dest.OutputDir, models.OutputFileName(v, dest.Stem, stitch.FormatJPEG))
	if err := stitch.WriteImage(img, path, stitch.FormatJPEG, n.opts.JPEGQuality); err != nil {
		return err
	}
	if n.opts.Thumbnail {
		thumb := filepath.Join(dest.OutputDir, models.ThumbnailFileName(v, dest.Stem))
		return stitch.SaveResized(img, thumb, n.opts.ThumbnailMaxSide, n.opts.JPEGQuality)
	}
	return nil
}
