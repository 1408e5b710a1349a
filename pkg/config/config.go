// Package config provides configuration loading and management for slidenorm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"slidenorm/internal/models"
)

// Stitcher backends
const (
	StitcherDirect = "direct"
	StitcherTiled  = "tiled"
	StitcherAuto   = "auto"
)

// Numeric precisions
const (
	PrecisionFloat64 = "float64"
	PrecisionFloat32 = "float32"
)

// Config represents the application configuration loaded from YAML.
// A Config is built once per run and passed by value or pointer to every
// component; nothing in the module mutates it after Validate.
type Config struct {
	// Stain separation parameters
	Normalization struct {
		// NormalizingConstant is the intensity reference used by the OD transform
		NormalizingConstant float64 `yaml:"normalizingConstant"`

		// Alpha is the percentile used to pick the extremal stain directions
		Alpha float64 `yaml:"alpha"`

		// Beta is the OD threshold below which pixels count as background
		Beta float64 `yaml:"beta"`

		// ReferenceBasis is the 3x2 target stain basis, one row per RGB channel
		ReferenceBasis [3][2]float64 `yaml:"referenceBasis"`

		// MaxSaturationRef is the reference 99th percentile saturation per stain
		MaxSaturationRef [2]float64 `yaml:"maxSaturationRef"`

		// Precision is float64 or float32. float32 rounds intermediate values
		// only; buffers and memory use are unchanged.
		Precision string `yaml:"precision"`

		// SolverBatches is the number of column batches of the least squares solve
		SolverBatches int `yaml:"solverBatches"`
	} `yaml:"normalization"`

	// Tiling parameters
	Tiling struct {
		// MaxSidePx is the maximum tile side. Zero defers to the memory table.
		MaxSidePx int `yaml:"maxSidePx"`

		// SeedTile is "middle" or an explicit tile index
		SeedTile string `yaml:"seedTile"`

		// MemoryTable maps available memory in MB to a tile side in pixels
		MemoryTable map[int]int `yaml:"memoryTable"`
	} `yaml:"tiling"`

	// Output parameters
	Output struct {
		// Variants lists the reconstructed images to produce (norm, he, eo)
		Variants []string `yaml:"variants"`

		// Stitcher selects the reassembly backend: direct, tiled or auto
		Stitcher string `yaml:"stitcher"`

		// DirectMaxPixels caps the direct backend when Stitcher is auto
		DirectMaxPixels int64 `yaml:"directMaxPixels"`

		// JPEGQuality is used for every JPEG written
		JPEGQuality int `yaml:"jpegQuality"`

		// TileFormat is the temporary tile container: jpeg, png or qoi
		TileFormat string `yaml:"tileFormat"`

		// TIFFCompression is deflate, zstd or none for the tiled backend
		TIFFCompression string `yaml:"tiffCompression"`

		// TIFFTileSize is the tile edge of the tiled TIFF container
		TIFFTileSize int `yaml:"tiffTileSize"`

		// BigTIFF forces the 64-bit container even for small outputs
		BigTIFF bool `yaml:"bigTIFF"`

		// Thumbnail enables thumbnail generation
		Thumbnail bool `yaml:"thumbnail"`

		// ThumbnailMaxSide is the larger thumbnail dimension
		ThumbnailMaxSide int `yaml:"thumbnailMaxSide"`

		// RemoveTemporaryFiles deletes tiles after a confirmed stitch
		RemoveTemporaryFiles bool `yaml:"removeTemporaryFiles"`

		// Rewrite allows reuse of an existing temporary folder
		Rewrite bool `yaml:"rewrite"`

		// TempFolderName is created under the output directory when no temp path is given
		TempFolderName string `yaml:"tempFolderName"`

		// LogFile is written inside the output directory; empty disables it
		LogFile string `yaml:"logFile"`
	} `yaml:"output"`

	// Processing parameters
	Processing struct {
		// NumCores bounds the number of tiles normalized concurrently after the
		// seed tile. The tile side is sized for one tile in memory, so peak
		// memory grows with NumCores.
		NumCores int `yaml:"numCores"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"processing"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Normalization.NormalizingConstant = 255
	cfg.Normalization.Alpha = 0.0001
	cfg.Normalization.Beta = 0.0015
	cfg.Normalization.ReferenceBasis = [3][2]float64{
		{0.68923328, 0.17593921},
		{0.69707646, 0.82865536},
		{0.67372909, 0.53139034},
	}
	cfg.Normalization.MaxSaturationRef = [2]float64{0.49806655, 0.92659484}
	cfg.Normalization.Precision = PrecisionFloat64
	cfg.Normalization.SolverBatches = 10

	cfg.Tiling.MaxSidePx = 12000
	cfg.Tiling.SeedTile = "middle"
	// under 12000 MB of free memory: 12000 px, above: 24500 px
	cfg.Tiling.MemoryTable = map[int]int{12000: 12000, 12001: 24500}

	cfg.Output.Variants = []string{string(models.VariantNormalized)}
	cfg.Output.Stitcher = StitcherDirect
	cfg.Output.DirectMaxPixels = 2_000_000_000
	cfg.Output.JPEGQuality = 95
	cfg.Output.TileFormat = "jpeg"
	cfg.Output.TIFFCompression = "deflate"
	cfg.Output.TIFFTileSize = 256
	cfg.Output.Thumbnail = true
	cfg.Output.ThumbnailMaxSide = 6000
	cfg.Output.RemoveTemporaryFiles = true
	cfg.Output.TempFolderName = "slidenorm_temp"
	cfg.Output.LogFile = "slidenorm.log"

	cfg.Processing.NumCores = 1

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate rejects settings that would fail later in the pipeline.
// All returned errors wrap models.ErrConfiguration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{models.ErrConfiguration}, args...)...)
	}

	n := c.Normalization
	if n.NormalizingConstant <= 0 {
		return invalid("normalizingConstant must be positive, got %g", n.NormalizingConstant)
	}
	if n.Alpha < 0 || n.Alpha >= 50 {
		return invalid("alpha must be in [0, 50), got %g", n.Alpha)
	}
	if n.Beta < 0 {
		return invalid("beta must not be negative, got %g", n.Beta)
	}
	if n.MaxSaturationRef[0] <= 0 || n.MaxSaturationRef[1] <= 0 {
		return invalid("maxSaturationRef entries must be positive, got %v", n.MaxSaturationRef)
	}
	if n.Precision != PrecisionFloat64 && n.Precision != PrecisionFloat32 {
		return invalid("precision must be %s or %s, got %q", PrecisionFloat64, PrecisionFloat32, n.Precision)
	}
	if n.SolverBatches <= 0 {
		return invalid("solverBatches must be positive, got %d", n.SolverBatches)
	}

	if c.Tiling.MaxSidePx < 0 {
		return invalid("maxSidePx must not be negative, got %d", c.Tiling.MaxSidePx)
	}
	if c.Tiling.MaxSidePx == 0 && len(c.Tiling.MemoryTable) == 0 {
		return invalid("maxSidePx is 0 and memoryTable is empty")
	}
	if _, _, err := c.SeedPolicy(); err != nil {
		return err
	}

	o := c.Output
	if _, err := c.OutputVariants(); err != nil {
		return err
	}
	switch o.Stitcher {
	case StitcherDirect, StitcherTiled, StitcherAuto:
	default:
		return invalid("unknown stitcher %q", o.Stitcher)
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		return invalid("jpegQuality must be in [1, 100], got %d", o.JPEGQuality)
	}
	switch o.TileFormat {
	case "jpeg", "png", "qoi":
	default:
		return invalid("unknown tileFormat %q", o.TileFormat)
	}
	switch o.TIFFCompression {
	case "deflate", "zstd", "none":
	default:
		return invalid("unknown tiffCompression %q", o.TIFFCompression)
	}
	if o.TIFFTileSize <= 0 || o.TIFFTileSize%16 != 0 {
		return invalid("tiffTileSize must be a positive multiple of 16, got %d", o.TIFFTileSize)
	}
	if o.Thumbnail && o.ThumbnailMaxSide <= 0 {
		return invalid("thumbnailMaxSide must be positive, got %d", o.ThumbnailMaxSide)
	}

	if c.Processing.NumCores <= 0 {
		return invalid("numCores must be positive, got %d", c.Processing.NumCores)
	}
	return nil
}

// OutputVariants parses Output.Variants, dropping duplicates while keeping order
func (c *Config) OutputVariants() ([]models.Variant, error) {
	if len(c.Output.Variants) == 0 {
		return nil, fmt.Errorf("%w: no output variants configured", models.ErrConfiguration)
	}
	seen := make(map[models.Variant]bool)
	var variants []models.Variant
	for _, s := range c.Output.Variants {
		v, err := models.ParseVariant(s)
		if err != nil {
			return nil, err
		}
		if !seen[v] {
			seen[v] = true
			variants = append(variants, v)
		}
	}
	return variants, nil
}

// SeedPolicy parses Tiling.SeedTile. It returns middle=true for "middle",
// otherwise the explicit index.
func (c *Config) SeedPolicy() (middle bool, index int, err error) {
	s := strings.TrimSpace(strings.ToLower(c.Tiling.SeedTile))
	if s == "" || s == "middle" {
		return true, 0, nil
	}
	index, err = strconv.Atoi(s)
	if err != nil || index < 0 {
		return false, 0, fmt.Errorf("%w: seedTile must be \"middle\" or a tile index, got %q", models.ErrConfiguration, c.Tiling.SeedTile)
	}
	return false, index, nil
}
