package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"slidenorm/pkg/config"
	"slidenorm/pkg/pipeline"
	"slidenorm/pkg/resources"
)

// options holds the parsed command line
type options struct {
	input      string
	files      []string
	output     string
	temp       string
	configPath string
	initConfig bool
	maxSide    int
	ramMB      int
	cores      int
	restitch   bool
	rewrite    bool
	verbose    bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "slidenorm: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("slidenorm", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.input, "input", "", "Folder of slides to normalize")
	fs.StringVar(&opts.output, "output", "", "Folder for normalized slides (default: <input>/normalized)")
	fs.StringVar(&opts.temp, "temp", "", "Folder for temporary tiles (default: <output>/<tempFolderName>)")
	fs.StringVar(&opts.configPath, "config", "slidenorm.yaml", "YAML configuration file")
	fs.BoolVar(&opts.initConfig, "init-config", false, "Write the default configuration to -config and exit")
	fs.IntVar(&opts.maxSide, "max-side", 0, "Maximum tile side in pixels (overrides tiling.maxSidePx)")
	fs.IntVar(&opts.ramMB, "ram-mb", 0, "Available memory in MB, used with tiling.memoryTable when no tile side is set")
	fs.IntVar(&opts.cores, "cores", 0, "Tiles normalized concurrently, each holding a full tile in memory (overrides processing.numCores)")
	fs.BoolVar(&opts.restitch, "restitch", false, "Only repeat stitching of one already tiled slide")
	fs.BoolVar(&opts.rewrite, "rewrite", false, "Reuse existing temporary folders")
	fs.BoolVar(&opts.verbose, "verbose", false, "Debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: slidenorm [flags] [slide files...]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.files = fs.Args()

	if !opts.initConfig && opts.input == "" && len(opts.files) == 0 {
		fs.Usage()
		return nil, fmt.Errorf("no input folder or slide files given")
	}
	return opts, nil
}

// loadConfig reads the configuration file and applies command line overrides
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.maxSide > 0 {
		cfg.Tiling.MaxSidePx = opts.maxSide
	} else if opts.ramMB > 0 {
		// memory table decides
		cfg.Tiling.MaxSidePx = 0
	}
	if opts.cores > 0 {
		cfg.Processing.NumCores = opts.cores
	}
	if opts.rewrite {
		cfg.Output.Rewrite = true
	}
	if opts.verbose {
		cfg.Processing.Verbose = true
	}
	return cfg, cfg.Validate()
}

// newLogger writes text logs to stdout and, when configured, to a log file
// in the output folder. The returned closer closes the file.
func newLogger(cfg *config.Config, outputDir string) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if cfg.Processing.Verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Output.LogFile != "" {
		f, err := os.OpenFile(filepath.Join(outputDir, cfg.Output.LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	return logger, closer, nil
}

func run(opts *options) error {
	if opts.initConfig {
		if err := config.CreateDefaultConfigFile(opts.configPath); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", opts.configPath)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	slides, err := resolveSlides(opts.input, opts.files)
	if err != nil {
		return err
	}

	outputDir := opts.output
	if outputDir == "" {
		base := opts.input
		if base == "" {
			base = filepath.Dir(slides[0])
		}
		outputDir = filepath.Join(base, "normalized")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	logger, closer, err := newLogger(cfg, outputDir)
	if err != nil {
		return err
	}
	defer closer.Close()

	advisor, err := resources.FromSettings(cfg.Tiling.MaxSidePx, cfg.Tiling.MemoryTable, opts.ramMB)
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(&pipeline.Params{
		Slides:    slides,
		OutputDir: outputDir,
		TempDir:   opts.temp,
		Config:    cfg,
		Advisor:   advisor,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	if opts.restitch {
		if _, err := runner.RepeatStitching(ctx); err != nil {
			return err
		}
		logger.Info("stitching repeated", "elapsed", time.Since(start))
		return nil
	}

	report := runner.Process(ctx)
	fmt.Printf("\nNormalized %d of %d slides in %.2f seconds\n",
		len(report.Slides)-report.Failed(), len(report.Slides), time.Since(start).Seconds())
	for _, s := range report.Slides {
		if s.Err == nil {
			fmt.Printf("- %s: %s\n", filepath.Base(s.Path), strings.Join(baseNames(s.Outputs), ", "))
		}
	}
	if report.Failed() > 0 {
		return fmt.Errorf("%d slide(s) failed: %w", report.Failed(), report.Err())
	}
	return nil
}

func baseNames(paths []string) []string {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	return names
}
