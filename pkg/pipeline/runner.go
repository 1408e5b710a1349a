// Package pipeline drives stain normalization of whole slides.
//
// For every slide the Runner:
// 1. Opens the slide and plans its tile grid
// 2. Orders the tiles so the seed tile comes first
// 3. Renders the source thumbnail
// 4. Normalizes the seed tile, which calibrates the slide
// 5. Normalizes the remaining tiles in parallel with the seed calibration
// 6. Stitches each output variant
// 7. Removes temporary tiles whose stitched output exists
//
// Slides are processed one at a time. A failed slide is recorded in the
// RunReport and the run continues with the next slide.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"slidenorm/internal/models"
	"slidenorm/pkg/config"
	"slidenorm/pkg/normalize"
	"slidenorm/pkg/resources"
	"slidenorm/pkg/slide"
	"slidenorm/pkg/stitch"
	"slidenorm/pkg/tiling"
)

// Params holds the inputs of a run
type Params struct {
	// Slides is the ordered list of slide files to process
	Slides []string

	// OutputDir receives stitched outputs, thumbnails and the log file
	OutputDir string

	// TempDir holds one folder of temporary tiles per slide.
	// Empty means OutputDir/<tempFolderName>.
	TempDir string

	// Config is the validated run configuration; it is not modified
	Config *config.Config

	// Advisor supplies the maximum tile side
	Advisor resources.Advisor

	// Opener opens slides; nil means slide.Open
	Opener slide.Opener

	Logger *slog.Logger
}

// SlideResult is the outcome of one slide
type SlideResult struct {
	Path    string
	Tiles   int
	Outputs []string

	// Removed counts deleted temporary tiles
	Removed int
	Elapsed time.Duration
	Err     error
}

// RunReport lists the outcome of every slide of a run
type RunReport struct {
	RunID  string
	Slides []SlideResult
}

// Failed returns the number of slides that did not complete
func (r RunReport) Failed() int {
	n := 0
	for _, s := range r.Slides {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Err joins the errors of all failed slides
func (r RunReport) Err() error {
	var errs []error
	for _, s := range r.Slides {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(s.Path), s.Err))
		}
	}
	return errors.Join(errs...)
}

// Runner normalizes slides according to its Params
type Runner struct {
	params     *Params
	variants   []models.Variant
	seed       tiling.SeedPolicy
	normalizer *normalize.Normalizer
	stitcher   *stitch.Stitcher
	tileFormat string
	runID      string
	logger     *slog.Logger
}

// slideState is the state of the slide being processed. It is rebuilt for
// every slide.
type slideState struct {
	path    string
	stem    string
	reader  slide.Reader
	grid    models.TileGrid
	queue   []int
	tileDir string
	log     *slog.Logger
}

// NewRunner validates the configuration and builds the pipeline components
func NewRunner(params *Params) (*Runner, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("%w: no configuration", models.ErrConfiguration)
	}
	cfg := params.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if params.OutputDir == "" {
		return nil, fmt.Errorf("%w: no output directory", models.ErrConfiguration)
	}
	if params.Advisor == nil {
		return nil, fmt.Errorf("%w: no tile size advisor", models.ErrConfiguration)
	}
	if params.Opener == nil {
		params.Opener = slide.Open
	}
	if params.TempDir == "" {
		params.TempDir = filepath.Join(params.OutputDir, cfg.Output.TempFolderName)
	}

	variants, err := cfg.OutputVariants()
	if err != nil {
		return nil, err
	}
	middle, index, err := cfg.SeedPolicy()
	if err != nil {
		return nil, err
	}
	seed := tiling.ExplicitSeed(index)
	if middle {
		seed = tiling.MiddleSeed()
	}

	normOpts, err := normalize.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	stitchOpts, err := stitch.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run", runID)

	return &Runner{
		params:     params,
		variants:   variants,
		seed:       seed,
		normalizer: normalize.New(normOpts, logger),
		stitcher:   stitch.New(stitchOpts, logger),
		tileFormat: cfg.Output.TileFormat,
		runID:      runID,
		logger:     logger,
	}, nil
}

// RunID identifies the run in logs and reports
func (r *Runner) RunID() string {
	return r.runID
}

// Process normalizes every slide in order
func (r *Runner) Process(ctx context.Context) RunReport {
	report := RunReport{RunID: r.runID}
	r.logger.Info("run started", "slides", len(r.params.Slides), "output", r.params.OutputDir)

	for i, path := range r.params.Slides {
		if err := ctx.Err(); err != nil {
			report.Slides = append(report.Slides, SlideResult{Path: path, Err: err})
			continue
		}
		log := r.logger.With("slide", models.SlideStem(path), "slide_n", fmt.Sprintf("%d/%d", i+1, len(r.params.Slides)))

		result := r.processSlide(ctx, path, log)
		if result.Err != nil {
			log.Error("slide failed", "error", result.Err, "elapsed", result.Elapsed)
		} else {
			log.Info("slide done", "tiles", result.Tiles, "outputs", len(result.Outputs), "elapsed", result.Elapsed)
		}
		report.Slides = append(report.Slides, result)
	}

	r.logger.Info("run finished", "slides", len(report.Slides), "failed", report.Failed())
	return report
}

// open reads the slide and plans its grid and queue
func (r *Runner) open(path string, log *slog.Logger) (*slideState, error) {
	maxSide, err := r.params.Advisor.MaxSide()
	if err != nil {
		return nil, err
	}

	reader, err := r.params.Opener(path)
	if err != nil {
		return nil, err
	}
	dims := reader.Dimensions()
	if err := dims.Validate(); err != nil {
		reader.Close()
		return nil, err
	}

	grid, err := tiling.Plan(dims, maxSide)
	if err != nil {
		reader.Close()
		return nil, err
	}
	queue, err := tiling.Schedule(grid, r.seed)
	if err != nil {
		reader.Close()
		return nil, err
	}

	stem := models.SlideStem(path)
	log.Info("slide planned", "width", dims.Width, "height", dims.Height,
		"rows", grid.Rows, "columns", grid.Columns, "max_side", maxSide, "seed", queue[0])
	return &slideState{
		path:    path,
		stem:    stem,
		reader:  reader,
		grid:    grid,
		queue:   queue,
		tileDir: filepath.Join(r.params.TempDir, stem),
		log:     log,
	}, nil
}

func (r *Runner) processSlide(ctx context.Context, path string, log *slog.Logger) SlideResult {
	start := time.Now()
	result := SlideResult{Path: path}
	finish := func(err error) SlideResult {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}

	// Step 1-2: plan and schedule
	state, err := r.open(path, log)
	if err != nil {
		return finish(err)
	}
	defer state.reader.Close()
	result.Tiles = state.grid.Len()

	single := state.grid.Single()
	if !single {
		if err := r.prepareTileDir(state.tileDir); err != nil {
			return finish(err)
		}
	}

	cfg := r.params.Config
	if err := os.MkdirAll(r.params.OutputDir, 0755); err != nil {
		return finish(fmt.Errorf("%w: failed to create output directory: %v", models.ErrIO, err))
	}

	// Step 3: thumbnail of the unprocessed slide
	if cfg.Output.Thumbnail {
		thumb := filepath.Join(r.params.OutputDir, models.ThumbnailFileName("", state.stem))
		if _, err := os.Stat(thumb); os.IsNotExist(err) {
			log.Info("rendering source thumbnail")
			if err := stitch.SourceThumbnail(state.reader, state.grid, thumb, cfg.Output.ThumbnailMaxSide, cfg.Output.JPEGQuality); err != nil {
				return finish(err)
			}
		}
	}

	// Step 4-5: normalize tiles
	dest := normalize.Destination{
		TileDir:   state.tileDir,
		OutputDir: r.params.OutputDir,
		Stem:      state.stem,
		Single:    single,
	}
	if err := r.normalizeTiles(ctx, state, dest); err != nil {
		return finish(err)
	}

	if single {
		for _, v := range r.variants {
			result.Outputs = append(result.Outputs,
				filepath.Join(r.params.OutputDir, models.OutputFileName(v, state.stem, stitch.FormatJPEG)))
		}
		return finish(nil)
	}

	// Step 6-7: stitch and clean up
	outputs, removed, err := r.stitchAndClean(ctx, state)
	result.Outputs = outputs
	result.Removed = removed
	return finish(err)
}

// prepareTileDir creates the temporary folder of a slide. An existing folder
// is reused only when rewriting is enabled.
func (r *Runner) prepareTileDir(dir string) error {
	if _, err := os.Stat(dir); err == nil && !r.params.Config.Output.Rewrite {
		return fmt.Errorf("%w: temporary folder %s already exists and rewrite is disabled", models.ErrConfiguration, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create temporary folder: %v", models.ErrIO, err)
	}
	return nil
}

// normalizeTiles processes the seed tile, then every other tile concurrently
// with the published calibration
func (r *Runner) normalizeTiles(ctx context.Context, state *slideState, dest normalize.Destination) error {
	seed := state.queue[0]
	cal, err := r.normalizer.NormalizeTile(state.reader, state.grid, seed, nil, dest)
	if err != nil {
		return err
	}

	rest := state.queue[1:]
	if len(rest) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.params.Config.Processing.NumCores)
	for _, index := range rest {
		index := index
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := r.normalizer.NormalizeTile(state.reader, state.grid, index, &cal, dest)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	state.log.Info("tiles normalized", "tiles", state.grid.Len())
	return nil
}

// stitchAndClean stitches every variant, then removes the tiles of the
// variants stitched by this call. Cleanup errors do not hide a stitch error.
func (r *Runner) stitchAndClean(ctx context.Context, state *slideState) ([]string, int, error) {
	var outputs []string
	var errs []error
	removed := 0
	md := stitch.MetadataFrom(state.reader)

	stitched := make(map[models.Variant]string)
	for _, v := range r.variants {
		req := stitch.Request{
			Grid:      state.grid,
			Variant:   v,
			Stem:      state.stem,
			TileDir:   state.tileDir,
			OutputDir: r.params.OutputDir,
			Metadata:  md,
		}
		out, err := r.stitcher.Stitch(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("stitching %s: %w", v, err))
			continue
		}
		stitched[v] = out
		outputs = append(outputs, out)
	}

	if !r.params.Config.Output.RemoveTemporaryFiles {
		return outputs, 0, errors.Join(errs...)
	}
	for _, v := range r.variants {
		out, ok := stitched[v]
		if !ok {
			continue
		}
		n, err := RemoveTiles(state.tileDir, state.grid.Len(), v, r.tileFormat, out)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if removed > 0 {
		state.log.Info("temporary tiles removed", "files", removed)
	}
	// fails while other tiles remain
	os.Remove(state.tileDir)
	return outputs, removed, errors.Join(errs...)
}

// RemoveTiles deletes the temporary tiles of one variant. Nothing is deleted
// unless the stitched output and every one of the tileCount tiles exist.
func RemoveTiles(tileDir string, tileCount int, variant models.Variant, format, outputPath string) (int, error) {
	if _, err := os.Stat(outputPath); err != nil {
		return 0, fmt.Errorf("%w: stitched output %s is missing, keeping %s tiles", models.ErrCleanup, filepath.Base(outputPath), variant)
	}

	paths := make([]string, tileCount)
	for i := range paths {
		paths[i] = filepath.Join(tileDir, models.TileFileName(i, variant, format))
		if _, err := os.Stat(paths[i]); err != nil {
			return 0, fmt.Errorf("%w: tile %s is missing, keeping %s tiles", models.ErrCleanup, filepath.Base(paths[i]), variant)
		}
	}

	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("%w: %v", models.ErrCleanup, err)
		}
		removed++
	}
	return removed, nil
}

// RepeatStitching re-plans an already tiled slide and runs only the
// stitching and cleanup steps. It accepts exactly one slide.
func (r *Runner) RepeatStitching(ctx context.Context) (SlideResult, error) {
	if len(r.params.Slides) != 1 {
		return SlideResult{}, fmt.Errorf("%w: repeat stitching takes exactly one slide, got %d", models.ErrConfiguration, len(r.params.Slides))
	}
	path := r.params.Slides[0]
	start := time.Now()
	log := r.logger.With("slide", models.SlideStem(path), "slide_n", "1/1")
	log.Info("repeating stitching")

	state, err := r.open(path, log)
	if err != nil {
		return SlideResult{Path: path, Err: err}, err
	}
	defer state.reader.Close()

	result := SlideResult{Path: path, Tiles: state.grid.Len()}
	if state.grid.Single() {
		err = fmt.Errorf("%w: slide fits in one tile, nothing to stitch", models.ErrConfiguration)
	} else if _, statErr := os.Stat(state.tileDir); statErr != nil {
		err = fmt.Errorf("%w: temporary folder %s not found", models.ErrIO, state.tileDir)
	} else {
		result.Outputs, result.Removed, err = r.stitchAndClean(ctx, state)
	}
	result.Err = err
	result.Elapsed = time.Since(start)
	return result, err
}
