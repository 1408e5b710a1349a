package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// slideExtensions lists the slide files picked up from an input folder
var slideExtensions = map[string]bool{
	".svs":  true,
	".tif":  true,
	".tiff": true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".qoi":  true,
}

// resolveSlides returns the slides to process: the explicit files when given,
// otherwise every supported file of the input folder sorted by name
func resolveSlides(input string, files []string) ([]string, error) {
	if len(files) > 0 {
		var slides []string
		for _, f := range files {
			if input != "" && !filepath.IsAbs(f) {
				f = filepath.Join(input, f)
			}
			if _, err := os.Stat(f); err != nil {
				return nil, fmt.Errorf("slide %s not found", f)
			}
			slides = append(slides, f)
		}
		return slides, nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, fmt.Errorf("failed to read input folder: %w", err)
	}
	var slides []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slideExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			slides = append(slides, filepath.Join(input, e.Name()))
		}
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("no slides found in %s", input)
	}
	sort.Strings(slides)
	return slides, nil
}
