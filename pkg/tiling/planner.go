// Package tiling partitions a slide into a memory-bounded grid of tiles and
// orders the tiles so a representative seed tile is processed first.
package tiling

import (
	"fmt"

	"slidenorm/internal/models"
)

// RowsColumns returns the grid shape for a slide and a maximum tile side.
// Rows follow the width and columns follow the height; SlicePoints divides
// with the same convention so the pair stays consistent.
func RowsColumns(slideWidth, slideHeight, maxSide int) (rows, columns int, err error) {
	if maxSide <= 0 {
		return 0, 0, fmt.Errorf("%w: maximum tile side must be positive, got %d", models.ErrConfiguration, maxSide)
	}
	if slideWidth <= 0 || slideHeight <= 0 {
		return 0, 0, fmt.Errorf("%w: slide dimensions must be positive, got %dx%d", models.ErrConfiguration, slideWidth, slideHeight)
	}
	rows = ceilDiv(slideWidth, maxSide)
	columns = ceilDiv(slideHeight, maxSide)
	return rows, columns, nil
}

// SlicePoints returns the row-major tile rectangles of a rows x columns grid.
// Base tile width is slideWidth/columns and base height slideHeight/rows; the
// last column and last row take the remainder so the rectangles cover the
// slide exactly.
func SlicePoints(slideWidth, slideHeight, rows, columns int) ([]models.TileRect, error) {
	if rows <= 0 || columns <= 0 {
		return nil, fmt.Errorf("%w: grid must have at least one row and column, got %dx%d", models.ErrConfiguration, rows, columns)
	}
	columnWidth := slideWidth / columns
	rowHeight := slideHeight / rows
	if columnWidth == 0 || rowHeight == 0 {
		return nil, fmt.Errorf("%w: %dx%d grid leaves empty tiles on a %dx%d slide; a side shorter than its tile count cannot be split",
			models.ErrConfiguration, rows, columns, slideWidth, slideHeight)
	}

	rects := make([]models.TileRect, 0, rows*columns)
	for m := 0; m < rows; m++ {
		for n := 0; n < columns; n++ {
			rect := models.TileRect{
				X:      n * columnWidth,
				Y:      m * rowHeight,
				Width:  columnWidth,
				Height: rowHeight,
			}
			if n == columns-1 {
				rect.Width = slideWidth - n*columnWidth
			}
			if m == rows-1 {
				rect.Height = slideHeight - m*rowHeight
			}
			rects = append(rects, rect)
		}
	}
	return rects, nil
}

// Plan builds the TileGrid of a slide. Because rows follow the width and
// columns the height, a slide whose height is smaller than its row count (or
// whose width is smaller than its column count) would get zero-sized base
// tiles; Plan rejects such slides with ErrConfiguration instead of covering
// them.
func Plan(dims models.SlideDimensions, maxSide int) (models.TileGrid, error) {
	rows, columns, err := RowsColumns(dims.Width, dims.Height, maxSide)
	if err != nil {
		return models.TileGrid{}, err
	}
	rects, err := SlicePoints(dims.Width, dims.Height, rows, columns)
	if err != nil {
		return models.TileGrid{}, err
	}
	return models.TileGrid{
		Rows:    rows,
		Columns: columns,
		Slide:   dims,
		Rects:   rects,
	}, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
