package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"

	"slidenorm/internal/models"
	"slidenorm/pkg/config"
	"slidenorm/pkg/normalize"
	"slidenorm/pkg/resources"
	"slidenorm/pkg/slide"
	"slidenorm/pkg/tiling"
)

// stainedSlide renders a slide of random hematoxylin and eosin mixtures
func stainedSlide(w, h int, seed int64) *image.NRGBA {
	he := [3]float64{0.65, 0.70, 0.29}
	eo := [3]float64{0.07, 0.99, 0.11}
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		a, b := 0.2+rng.Float64(), 0.2+rng.Float64()
		switch i % 3 {
		case 0:
			b = 0
		case 1:
			a = 0
		}
		for ch := 0; ch < 3; ch++ {
			v := 255*math.Exp(-(a*he[ch]+b*eo[ch])) - 1
			img.Pix[i*4+ch] = uint8(math.Max(0, math.Min(254, math.Round(v))))
		}
		img.Pix[i*4+3] = 255
	}
	return img
}

// memoryOpener serves in-memory slides by path
func memoryOpener(slides map[string]image.Image) slide.Opener {
	return func(path string) (slide.Reader, error) {
		img, ok := slides[path]
		if !ok {
			return nil, fmt.Errorf("%w: no slide %s", models.ErrIO, path)
		}
		return slide.NewImageReader(img, map[string]string{slide.PropertyMPPX: "0.5"}), nil
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Output.Variants = []string{"norm", "he"}
	cfg.Output.TileFormat = "png"
	cfg.Output.Stitcher = config.StitcherTiled
	cfg.Output.TIFFTileSize = 16
	cfg.Output.ThumbnailMaxSide = 30
	cfg.Processing.NumCores = 3
	return cfg
}

func newRunner(t *testing.T, cfg *config.Config, side int, slides map[string]image.Image, paths ...string) (*Runner, string) {
	t.Helper()
	out := t.TempDir()
	r, err := NewRunner(&Params{
		Slides:    paths,
		OutputDir: out,
		Config:    cfg,
		Advisor:   resources.Fixed(side),
		Opener:    memoryOpener(slides),
	})
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	return r, out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TestProcessStitchesTiles runs a multi-tile slide end to end and compares the
// stitched output with tiles normalized directly
func TestProcessStitchesTiles(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}

	img := stainedSlide(90, 60, 1)
	cfg := testConfig()
	r, out := newRunner(t, cfg, 40, map[string]image.Image{"/slides/case.svs": img}, "/slides/case.svs")

	report := r.Process(context.Background())
	if report.Failed() != 0 {
		t.Fatalf("Expected no failures, got %v", report.Err())
	}
	if report.RunID == "" {
		t.Error("Expected a run id")
	}
	res := report.Slides[0]
	if res.Tiles != 6 {
		t.Errorf("Expected 6 tiles, got %d", res.Tiles)
	}
	if res.Removed != 12 {
		t.Errorf("Expected 12 removed tiles, got %d", res.Removed)
	}
	for _, name := range []string{"norm_case.tif", "he_case.tif", "thumbnail_case.jpeg", "thumbnail_norm_case.jpeg", "thumbnail_he_case.jpeg"} {
		if !exists(filepath.Join(out, name)) {
			t.Errorf("Expected output %s", name)
		}
	}
	if exists(filepath.Join(out, cfg.Output.TempFolderName, "case")) {
		t.Error("Expected the temporary folder to be removed")
	}

	// normalize every tile directly with the seed calibration
	opts, err := normalize.OptionsFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	n := normalize.New(opts, nil)
	reader := slide.NewImageReader(img, nil)
	grid, _ := tiling.Plan(reader.Dimensions(), 40)
	queue, _ := tiling.Schedule(grid, tiling.MiddleSeed())
	seedRegion, _ := reader.ReadRegion(grid.Rects[queue[0]])
	seedRect := grid.Rects[queue[0]]
	cal, _, err := n.Process(slide.RGBSamples(seedRegion), seedRect.Width, seedRect.Height, queue[0], nil)
	if err != nil {
		t.Fatal(err)
	}

	file, err := os.Open(filepath.Join(out, "norm_case.tif"))
	if err != nil {
		t.Fatal(err)
	}
	stitched, err := tiff.Decode(file)
	file.Close()
	if err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}

	for i, rect := range grid.Rects {
		region, _ := reader.ReadRegion(rect)
		_, images, err := n.Process(slide.RGBSamples(region), rect.Width, rect.Height, i, &cal)
		if err != nil {
			t.Fatal(err)
		}
		want := images[models.VariantNormalized]
		for y := 0; y < rect.Height; y++ {
			for x := 0; x < rect.Width; x++ {
				r1, g1, b1, _ := want.At(x, y).RGBA()
				r2, g2, b2, _ := stitched.At(rect.X+x, rect.Y+y).RGBA()
				if r1 != r2 || g1 != g2 || b1 != b2 {
					t.Fatalf("Tile %d pixel (%d, %d) differs from direct normalization", i, x, y)
				}
			}
		}
	}
}

// TestProcessSingleTileSkipsStitching checks that a one-tile slide writes final outputs directly
func TestProcessSingleTileSkipsStitching(t *testing.T) {
	img := stainedSlide(30, 24, 2)
	cfg := testConfig()
	r, out := newRunner(t, cfg, 100, map[string]image.Image{"a.tif": img}, "a.tif")

	report := r.Process(context.Background())
	if report.Failed() != 0 {
		t.Fatalf("Expected no failures, got %v", report.Err())
	}
	res := report.Slides[0]
	if len(res.Outputs) != 2 || filepath.Base(res.Outputs[0]) != "norm_a.jpeg" {
		t.Errorf("Expected norm_a.jpeg and he_a.jpeg, got %v", res.Outputs)
	}
	normalized, err := imaging.Open(filepath.Join(out, "norm_a.jpeg"))
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	if normalized.Bounds().Dx() != 30 || normalized.Bounds().Dy() != 24 {
		t.Errorf("Expected 30x24 output, got %v", normalized.Bounds())
	}
	if exists(filepath.Join(out, "norm_a.tif")) {
		t.Error("Expected no stitched output for a single tile")
	}
	if exists(filepath.Join(out, cfg.Output.TempFolderName, "a")) {
		t.Error("Expected no temporary folder for a single tile")
	}
}

// trackingReader records the peak number of regions read at once
type trackingReader struct {
	slide.Reader
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (r *trackingReader) ReadRegion(rect models.TileRect) (image.Image, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return r.Reader.ReadRegion(rect)
}

// TestProcessDefaultReadsTilesSequentially checks that the default config
// holds one tile in memory at a time and numCores raises that bound
func TestProcessDefaultReadsTilesSequentially(t *testing.T) {
	tests := []struct {
		name      string
		cores     int
		wantAbove int32
		wantMax   int32
	}{
		{"default", 0, 0, 1},
		{"four cores", 4, 1, 4},
	}

	for _, tc := range tests {
		cfg := testConfig()
		cfg.Processing.NumCores = config.DefaultConfig().Processing.NumCores
		if tc.cores > 0 {
			cfg.Processing.NumCores = tc.cores
		}
		reader := &trackingReader{Reader: slide.NewImageReader(stainedSlide(80, 80, 5), nil)}
		r, err := NewRunner(&Params{
			Slides:    []string{"grid.tif"},
			OutputDir: t.TempDir(),
			Config:    cfg,
			Advisor:   resources.Fixed(20),
			Opener:    func(string) (slide.Reader, error) { return reader, nil },
		})
		if err != nil {
			t.Fatalf("%s: failed to create runner: %v", tc.name, err)
		}

		report := r.Process(context.Background())
		if report.Failed() != 0 {
			t.Fatalf("%s: expected no failures, got %v", tc.name, report.Err())
		}
		peak := reader.peak.Load()
		if peak > tc.wantMax || peak <= tc.wantAbove {
			t.Errorf("%s: expected peak concurrent reads in (%d, %d], got %d", tc.name, tc.wantAbove, tc.wantMax, peak)
		}
	}
}

// TestProcessContinuesAfterFailure checks that one failed slide does not stop the run
func TestProcessContinuesAfterFailure(t *testing.T) {
	white := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	slides := map[string]image.Image{
		"white.png": white,
		"good.png":  stainedSlide(20, 20, 3),
	}
	r, out := newRunner(t, testConfig(), 100, slides, "missing.png", "white.png", "good.png")

	report := r.Process(context.Background())
	if report.Failed() != 2 {
		t.Fatalf("Expected 2 failures, got %d", report.Failed())
	}
	if !errors.Is(report.Slides[0].Err, models.ErrIO) {
		t.Errorf("Expected I/O error for the missing slide, got %v", report.Slides[0].Err)
	}
	if !errors.Is(report.Slides[1].Err, models.ErrDegenerate) {
		t.Errorf("Expected numerical degeneracy for the white slide, got %v", report.Slides[1].Err)
	}
	if report.Slides[2].Err != nil {
		t.Errorf("Expected the last slide to succeed, got %v", report.Slides[2].Err)
	}
	if !exists(filepath.Join(out, "norm_good.jpeg")) {
		t.Error("Expected output of the good slide")
	}
	if !errors.Is(report.Err(), models.ErrDegenerate) {
		t.Errorf("Expected joined error to include the degeneracy, got %v", report.Err())
	}
}

// TestProcessRewriteGuard checks that an existing temporary folder needs rewrite
func TestProcessRewriteGuard(t *testing.T) {
	slides := map[string]image.Image{"s.png": stainedSlide(40, 40, 4)}
	cfg := testConfig()
	cfg.Output.Thumbnail = false
	r, out := newRunner(t, cfg, 20, slides, "s.png")
	if err := os.MkdirAll(filepath.Join(out, cfg.Output.TempFolderName, "s"), 0755); err != nil {
		t.Fatal(err)
	}

	report := r.Process(context.Background())
	if !errors.Is(report.Slides[0].Err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", report.Slides[0].Err)
	}

	cfg.Output.Rewrite = true
	report = r.Process(context.Background())
	if report.Failed() != 0 {
		t.Errorf("Expected rewrite to succeed, got %v", report.Err())
	}
}

// TestRemoveTiles checks that tiles are only deleted when everything exists
func TestRemoveTiles(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "norm_s.tif")
	writeTiles := func(n int) {
		for i := 0; i < n; i++ {
			if err := os.WriteFile(filepath.Join(dir, models.TileFileName(i, models.VariantNormalized, "png")), []byte{1}, 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
	writeTiles(4)

	n, err := RemoveTiles(dir, 4, models.VariantNormalized, "png", output)
	if !errors.Is(err, models.ErrCleanup) || n != 0 {
		t.Errorf("Expected cleanup error and nothing removed without output, got %d, %v", n, err)
	}
	if !exists(filepath.Join(dir, "0_norm.png")) {
		t.Error("Expected tiles to be kept")
	}

	if err := os.WriteFile(output, []byte{1}, 0644); err != nil {
		t.Fatal(err)
	}
	if n, err := RemoveTiles(dir, 5, models.VariantNormalized, "png", output); !errors.Is(err, models.ErrCleanup) || n != 0 {
		t.Errorf("Expected cleanup error with a missing tile, got %d, %v", n, err)
	}

	n, err = RemoveTiles(dir, 4, models.VariantNormalized, "png", output)
	if err != nil || n != 4 {
		t.Errorf("Expected 4 removed tiles, got %d, %v", n, err)
	}
}

// TestRepeatStitching checks recovery from kept tiles
func TestRepeatStitching(t *testing.T) {
	slides := map[string]image.Image{"r.png": stainedSlide(40, 30, 5)}
	cfg := testConfig()
	cfg.Output.RemoveTemporaryFiles = false
	r, out := newRunner(t, cfg, 20, slides, "r.png")

	if report := r.Process(context.Background()); report.Failed() != 0 {
		t.Fatalf("Expected no failures, got %v", report.Err())
	}
	for _, name := range []string{"norm_r.tif", "he_r.tif"} {
		if err := os.Remove(filepath.Join(out, name)); err != nil {
			t.Fatalf("Expected %s after the first run: %v", name, err)
		}
	}

	cfg.Output.RemoveTemporaryFiles = true
	res, err := r.RepeatStitching(context.Background())
	if err != nil {
		t.Fatalf("Failed to repeat stitching: %v", err)
	}
	if len(res.Outputs) != 2 {
		t.Errorf("Expected 2 outputs, got %v", res.Outputs)
	}
	if res.Removed != res.Tiles*2 {
		t.Errorf("Expected %d removed tiles, got %d", res.Tiles*2, res.Removed)
	}
	if !exists(filepath.Join(out, "norm_r.tif")) {
		t.Error("Expected stitched output")
	}
}

// TestRepeatStitchingNeedsOneSlide checks the single slide requirement
func TestRepeatStitchingNeedsOneSlide(t *testing.T) {
	slides := map[string]image.Image{"a.png": stainedSlide(10, 10, 6), "b.png": stainedSlide(10, 10, 7)}
	r, _ := newRunner(t, testConfig(), 5, slides, "a.png", "b.png")
	if _, err := r.RepeatStitching(context.Background()); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

// TestProcessPNGFile runs the default opener on a slide file
func TestProcessPNGFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, stainedSlide(32, 32, 8)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg := testConfig()
	cfg.Output.Stitcher = config.StitcherAuto
	r, err := NewRunner(&Params{
		Slides:    []string{path},
		OutputDir: filepath.Join(dir, "out"),
		Config:    cfg,
		Advisor:   resources.Fixed(16),
	})
	if err != nil {
		t.Fatal(err)
	}
	report := r.Process(context.Background())
	if report.Failed() != 0 {
		t.Fatalf("Expected no failures, got %v", report.Err())
	}
	if !exists(filepath.Join(dir, "out", "norm_file.jpeg")) {
		t.Error("Expected auto stitcher to produce a JPEG for a small slide")
	}
}

// TestNewRunnerRejectsInvalidConfig checks pre-flight validation
func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Output.Variants = []string{"purple"}
	_, err := NewRunner(&Params{OutputDir: t.TempDir(), Config: cfg, Advisor: resources.Fixed(10)})
	if !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
