package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"slidenorm/internal/models"
)

// TestDefaultConfigIsValid verifies the defaults pass validation
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}

	if cfg.Normalization.NormalizingConstant != 255 {
		t.Errorf("Expected normalizing constant 255, got %f", cfg.Normalization.NormalizingConstant)
	}
	if cfg.Processing.NumCores != 1 {
		t.Errorf("Expected tiles to run one at a time by default, got %d cores", cfg.Processing.NumCores)
	}
	if cfg.Tiling.SeedTile != "middle" {
		t.Errorf("Expected middle seed tile, got %q", cfg.Tiling.SeedTile)
	}
}

// TestLoadConfigMissingFile verifies a missing file yields defaults
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Failed to load missing config: %v", err)
	}
	if cfg.Output.JPEGQuality != DefaultConfig().Output.JPEGQuality {
		t.Errorf("Expected default jpeg quality, got %d", cfg.Output.JPEGQuality)
	}
}

// TestSaveAndLoadConfig writes a modified config and reads it back
func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "slidenorm.yaml")

	cfg := DefaultConfig()
	cfg.Output.Variants = []string{"norm", "he", "eo"}
	cfg.Output.Stitcher = StitcherTiled
	cfg.Tiling.MaxSidePx = 900
	cfg.Normalization.ReferenceBasis[2][1] = 0.5

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(loaded.Output.Variants) != 3 {
		t.Errorf("Expected 3 variants, got %v", loaded.Output.Variants)
	}
	if loaded.Output.Stitcher != StitcherTiled {
		t.Errorf("Expected tiled stitcher, got %q", loaded.Output.Stitcher)
	}
	if loaded.Tiling.MaxSidePx != 900 {
		t.Errorf("Expected max side 900, got %d", loaded.Tiling.MaxSidePx)
	}
	if loaded.Normalization.ReferenceBasis[2][1] != 0.5 {
		t.Errorf("Expected reference basis entry 0.5, got %f", loaded.Normalization.ReferenceBasis[2][1])
	}
	if loaded.Tiling.MemoryTable[12001] != 24500 {
		t.Errorf("Expected memory table to round-trip, got %v", loaded.Tiling.MemoryTable)
	}
}

// TestLoadConfigPartialOverride verifies unspecified keys keep their defaults
func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("tiling:\n  seedTile: \"3\"\noutput:\n  tileFormat: qoi\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	middle, index, err := cfg.SeedPolicy()
	if err != nil {
		t.Fatalf("Failed to parse seed policy: %v", err)
	}
	if middle || index != 3 {
		t.Errorf("Expected explicit seed 3, got middle=%v index=%d", middle, index)
	}
	if cfg.Output.TileFormat != "qoi" {
		t.Errorf("Expected qoi tile format, got %q", cfg.Output.TileFormat)
	}
	if cfg.Normalization.Beta != 0.0015 {
		t.Errorf("Expected default beta, got %f", cfg.Normalization.Beta)
	}
}

// TestValidateRejects checks that invalid settings are configuration errors
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"negative max side", func(c *Config) { c.Tiling.MaxSidePx = -1 }},
		{"zero side and no table", func(c *Config) { c.Tiling.MaxSidePx = 0; c.Tiling.MemoryTable = nil }},
		{"bad seed", func(c *Config) { c.Tiling.SeedTile = "center" }},
		{"negative seed", func(c *Config) { c.Tiling.SeedTile = "-2" }},
		{"unknown variant", func(c *Config) { c.Output.Variants = []string{"dab"} }},
		{"no variants", func(c *Config) { c.Output.Variants = nil }},
		{"unknown stitcher", func(c *Config) { c.Output.Stitcher = "vips" }},
		{"bad precision", func(c *Config) { c.Normalization.Precision = "float16" }},
		{"zero batches", func(c *Config) { c.Normalization.SolverBatches = 0 }},
		{"odd tiff tile", func(c *Config) { c.Output.TIFFTileSize = 100 }},
		{"zero saturation ref", func(c *Config) { c.Normalization.MaxSaturationRef[1] = 0 }},
		{"zero cores", func(c *Config) { c.Processing.NumCores = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !errors.Is(err, models.ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

// TestOutputVariantsDeduplicates verifies repeated variants collapse in order
func TestOutputVariantsDeduplicates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Variants = []string{"he", "norm", "HE"}

	variants, err := cfg.OutputVariants()
	if err != nil {
		t.Fatalf("Failed to parse variants: %v", err)
	}
	if len(variants) != 2 || variants[0] != models.VariantHematoxylin || variants[1] != models.VariantNormalized {
		t.Errorf("Expected [he norm], got %v", variants)
	}
}
